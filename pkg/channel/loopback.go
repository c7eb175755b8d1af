package channel

import (
	"context"
	"sync"

	"github.com/cryosec/keybroker/pkg/security"
)

// Dispatch executes one operation and returns its reply payload. It is the
// in-process equivalent of the remote service's request handler.
type Dispatch func(ctx context.Context, op string, payload []byte) ([]byte, error)

// Loopback is an in-memory Channel backed by a Dispatch function. Tests use
// it to drive the broker without a child process; knobs allow scripted
// connect failures and manual invalidation of live handles.
type Loopback struct {
	dispatch Dispatch

	mu           sync.Mutex
	connects     int
	failConnects int
	handles      []*loopbackHandle
}

// NewLoopback builds a loopback channel around dispatch.
func NewLoopback(dispatch Dispatch) *Loopback {
	return &Loopback{dispatch: dispatch}
}

// FailNextConnects makes the next n Connect calls fail.
func (l *Loopback) FailNextConnects(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failConnects = n
}

// ConnectCount reports how many successful physical connects occurred.
func (l *Loopback) ConnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

// InvalidateAll tears down every live handle, as if the remote process died.
// Calls pending on those handles complete with a connection failure.
func (l *Loopback) InvalidateAll(reason error) {
	l.mu.Lock()
	handles := make([]*loopbackHandle, len(l.handles))
	copy(handles, l.handles)
	l.handles = l.handles[:0]
	l.mu.Unlock()

	for _, h := range handles {
		h.invalidate(reason)
	}
}

// Connect implements Channel.
func (l *Loopback) Connect(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.failConnects > 0 {
		l.failConnects--
		l.mu.Unlock()
		return nil, security.NewError(security.CodeConnectionFailed, "scripted connect failure")
	}
	l.connects++
	h := newLoopbackHandle(l.dispatch)
	l.handles = append(l.handles, h)
	l.mu.Unlock()

	return h, nil
}

type loopbackHandle struct {
	dispatch Dispatch

	mu           sync.Mutex
	closed       bool
	nextID       int
	pending      map[int]func(Reply)
	onInvalidate func(error)

	// blockDispatch, when non-nil, holds every dispatch until released;
	// tests use it to invalidate the handle mid-call.
	blockDispatch chan struct{}
}

func newLoopbackHandle(dispatch Dispatch) *loopbackHandle {
	return &loopbackHandle{dispatch: dispatch, pending: make(map[int]func(Reply))}
}

// BlockDispatch holds dispatches on every live handle of l until the
// returned release function is called.
func (l *Loopback) BlockDispatch() (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan struct{})
	for _, h := range l.handles {
		h.mu.Lock()
		h.blockDispatch = ch
		h.mu.Unlock()
	}
	return func() { close(ch) }
}

func (h *loopbackHandle) SetInvalidationHandler(fn func(reason error)) {
	h.mu.Lock()
	h.onInvalidate = fn
	h.mu.Unlock()
}

func (h *loopbackHandle) Call(op string, payload []byte, complete func(Reply)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	id := h.nextID
	h.nextID++
	h.pending[id] = complete
	gate := h.blockDispatch
	h.mu.Unlock()

	go func() {
		if gate != nil {
			<-gate
		}

		out, err := h.dispatch(context.Background(), op, payload)

		// Deliver only if invalidation has not already completed the call.
		h.mu.Lock()
		cb, ok := h.pending[id]
		delete(h.pending, id)
		h.mu.Unlock()
		if !ok {
			return
		}
		if err != nil {
			cb(Reply{Err: err})
			return
		}
		cb(Reply{Payload: out})
	}()
	return nil
}

func (h *loopbackHandle) Close() error {
	h.drain(security.NewError(security.CodeConnectionFailed, "channel closed"))
	return nil
}

// invalidate simulates transport death: pending calls complete with a
// connection failure, then the invalidation handler fires once.
func (h *loopbackHandle) invalidate(reason error) {
	fn := h.drain(security.ConnectionFailed(reason))
	if fn != nil {
		fn(reason)
	}
}

// drain closes the handle and completes every pending call with err. It
// returns the invalidation handler if the handle was still open, nil
// otherwise.
func (h *loopbackHandle) drain(err error) func(error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := h.pending
	h.pending = make(map[int]func(Reply))
	fn := h.onInvalidate
	h.mu.Unlock()

	for _, cb := range pending {
		cb(Reply{Err: err})
	}
	return fn
}
