package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cryosec/keybroker/pkg/security"
)

const (
	// Replies are newline-delimited JSON; generous ceiling for key blobs.
	maxReplySize      = 10 * 1024 * 1024
	initialScanBuffer = 64 * 1024

	defaultStopTimeout = 5 * time.Second
)

// StdioConfig describes how to spawn the remote service process.
type StdioConfig struct {
	// Command is the service binary and its arguments.
	Command []string
	// Env holds extra environment entries appended to the parent's.
	Env []string
	// WorkDir is the child's working directory; empty inherits.
	WorkDir string
	// StopTimeout bounds graceful termination before the child is killed.
	StopTimeout time.Duration
}

// Stdio spawns the service as a child process and frames calls as
// newline-delimited JSON envelopes over its stdin/stdout. Child stderr is
// forwarded to the logger. Each Connect starts a fresh process.
type Stdio struct {
	cfg    StdioConfig
	logger *slog.Logger
}

// NewStdio builds a stdio channel. A nil logger falls back to slog.Default.
func NewStdio(cfg StdioConfig, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Stdio{cfg: cfg, logger: logger}
}

// Connect implements Channel by starting the service process and wiring its
// pipes. The returned handle is live until Close or child exit.
func (s *Stdio) Connect(ctx context.Context) (Handle, error) {
	if len(s.cfg.Command) == 0 {
		return nil, security.NewError(security.CodeConnectionFailed, "service command not configured")
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, security.WrapError(security.CodeConnectionFailed, err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, security.WrapError(security.CodeConnectionFailed, err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, security.WrapError(security.CodeConnectionFailed, err, "create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, security.WrapError(security.CodeConnectionFailed, err, "start service process %q", s.cfg.Command[0])
	}

	h := &stdioHandle{
		cmd:         cmd,
		stdin:       stdin,
		logger:      s.logger.With("pid", cmd.Process.Pid),
		pending:     make(map[string]func(Reply)),
		stopTimeout: s.cfg.StopTimeout,
		exited:      make(chan struct{}),
	}

	s.logger.Info("service process started",
		"pid", cmd.Process.Pid,
		"command", s.cfg.Command[0])

	go h.readLoop(stdout)
	go h.stderrLoop(stderr)
	go h.waitLoop()

	return h, nil
}

type stdioHandle struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	logger      *slog.Logger
	stopTimeout time.Duration

	mu           sync.Mutex
	closed       bool
	explicit     bool
	pending      map[string]func(Reply)
	onInvalidate func(error)

	exited chan struct{}
}

func (h *stdioHandle) SetInvalidationHandler(fn func(reason error)) {
	h.mu.Lock()
	h.onInvalidate = fn
	h.mu.Unlock()
}

// Call frames the operation and writes it to the child's stdin. The reply
// arrives on the read loop and completes the registered callback.
func (h *stdioHandle) Call(op string, payload []byte, complete func(Reply)) error {
	id := uuid.NewString()
	line, err := EncodeRequest(RequestEnvelope{ID: id, Op: op, Payload: payload})
	if err != nil {
		return fmt.Errorf("frame request: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.pending[id] = complete

	// Serialise writes through the same mutex; lines must not interleave.
	_, werr := h.stdin.Write(append(line, '\n'))
	if werr != nil {
		delete(h.pending, id)
		h.mu.Unlock()
		return security.WrapError(security.CodeConnectionFailed, werr, "write to service process")
	}
	h.mu.Unlock()
	return nil
}

// Close terminates the child: SIGTERM, then SIGKILL after StopTimeout.
// Pending calls complete with a connection failure. The invalidation
// handler does not fire on explicit close.
func (h *stdioHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.explicit = true
	pending := h.drainLocked()
	h.mu.Unlock()

	completeAll(pending, security.NewError(security.CodeConnectionFailed, "connection closed"))

	h.stdin.Close()
	if h.cmd.Process != nil {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.logger.Debug("SIGTERM failed", "error", err)
		}
		select {
		case <-h.exited:
		case <-time.After(h.stopTimeout):
			h.logger.Warn("service process did not stop, killing")
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
	}
	return nil
}

// readLoop decodes reply envelopes until stdout closes.
func (h *stdioHandle) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialScanBuffer), maxReplySize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := DecodeReply(line)
		if err != nil {
			h.logger.Warn("discarding malformed reply", "error", err)
			continue
		}

		h.mu.Lock()
		complete, ok := h.pending[env.ID]
		delete(h.pending, env.ID)
		h.mu.Unlock()
		if !ok {
			// Late reply for a cancelled or drained call.
			h.logger.Debug("reply for unknown call", "call_id", env.ID)
			continue
		}

		if env.Error != nil {
			complete(Reply{Err: security.FromDTO(*env.Error)})
			continue
		}
		complete(Reply{Payload: env.Payload})
	}

	if err := scanner.Err(); err != nil {
		h.logger.Warn("service stdout read failed", "error", err)
		h.invalidate(fmt.Errorf("service stdout read failed: %w", err))
	}
}

// invalidate tears the handle down after a transport fault while the child
// may still be alive: the demux is dead, so every pending call completes with
// a connection failure, the invalidation handler fires, and the child is
// killed so waitLoop can reap it.
func (h *stdioHandle) invalidate(reason error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	pending := h.drainLocked()
	fn := h.onInvalidate
	h.mu.Unlock()

	completeAll(pending, security.ConnectionFailed(reason))

	h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}

	if fn != nil {
		fn(reason)
	}
}

func (h *stdioHandle) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			h.logger.Warn("service stderr", "output", line)
		}
	}
}

// waitLoop reaps the child and, on unexpected exit, invalidates the handle.
func (h *stdioHandle) waitLoop() {
	err := h.cmd.Wait()
	close(h.exited)

	h.mu.Lock()
	wasExplicit := h.explicit
	alreadyClosed := h.closed
	h.closed = true
	pending := h.drainLocked()
	fn := h.onInvalidate
	h.mu.Unlock()

	if wasExplicit {
		return
	}

	reason := fmt.Errorf("service process exited")
	if err != nil {
		reason = fmt.Errorf("service process exited: %w", err)
	}
	h.logger.Warn("service process died", "error", err)

	completeAll(pending, security.ConnectionFailed(reason))

	if !alreadyClosed && fn != nil {
		fn(reason)
	}
}

// drainLocked removes and returns all pending completions. Caller holds mu.
func (h *stdioHandle) drainLocked() []func(Reply) {
	out := make([]func(Reply), 0, len(h.pending))
	for _, cb := range h.pending {
		out = append(out, cb)
	}
	h.pending = make(map[string]func(Reply))
	return out
}

func completeAll(pending []func(Reply), err error) {
	for _, cb := range pending {
		cb(Reply{Err: err})
	}
}
