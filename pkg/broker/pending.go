package broker

import (
	"sync/atomic"

	"github.com/cryosec/keybroker/pkg/channel"
)

// pendingCall bridges one callback-completed remote call into a single
// awaited result. The resumption slot is filled exactly once: the first
// completion (remote reply, transport failure, or caller cancellation) wins,
// and every later completion is reported to the caller as a defect and
// dropped rather than delivered twice.
type pendingCall struct {
	op      string
	result  chan channel.Reply
	resumed atomic.Bool
}

func newPendingCall(op string) *pendingCall {
	return &pendingCall{op: op, result: make(chan channel.Reply, 1)}
}

// complete tries to fill the resumption slot. It reports whether this
// completion won; a false return means the call already resumed and the
// reply must be discarded.
func (p *pendingCall) complete(r channel.Reply) bool {
	if !p.resumed.CompareAndSwap(false, true) {
		return false
	}
	p.result <- r
	return true
}

// wait blocks until the slot is filled. Valid only after complete returned
// true for some completion; the channel is buffered so the winning completer
// never blocks.
func (p *pendingCall) wait() channel.Reply {
	return <-p.result
}
