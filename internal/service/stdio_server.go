package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cryosec/keybroker/pkg/channel"
	"github.com/cryosec/keybroker/pkg/security"
)

const (
	maxRequestSize  = 10 * 1024 * 1024
	initialScanSize = 64 * 1024
)

// StdioServer serves the wire protocol over a reader/writer pair, one JSON
// envelope per line. keybrokerd runs it over the process's stdin/stdout;
// tests run it over pipes. Requests are handled concurrently, so replies may
// leave out of arrival order; writes are serialised.
type StdioServer struct {
	dispatcher *Dispatcher
	logger     *slog.Logger

	writeMu sync.Mutex
}

// NewStdioServer builds a server around dispatcher.
func NewStdioServer(dispatcher *Dispatcher, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{dispatcher: dispatcher, logger: logger}
}

// Serve reads request envelopes from r until EOF or ctx cancellation,
// writing one reply envelope per request to w. Malformed lines are logged
// and skipped; they carry no usable call ID to answer on.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanSize), maxRequestSize)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req, err := channel.DecodeRequest(line)
		if err != nil {
			s.logger.Warn("skipping malformed request", "error", err)
			continue
		}

		handlers.Add(1)
		go func(req channel.RequestEnvelope) {
			defer handlers.Done()
			s.handle(ctx, req, w)
		}(req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request stream: %w", err)
	}
	return nil
}

func (s *StdioServer) handle(ctx context.Context, req channel.RequestEnvelope, w io.Writer) {
	reply := channel.ReplyEnvelope{ID: req.ID}

	payload, err := s.dispatcher.Dispatch(ctx, req.Op, req.Payload)
	if err != nil {
		dto := security.ToDTO(err)
		reply.Error = &dto
		s.logger.Debug("operation failed", "op", req.Op, "code", dto.Code)
	} else {
		reply.Payload = payload
	}

	line, err := channel.EncodeReply(reply)
	if err != nil {
		s.logger.Error("encode reply failed", "op", req.Op, "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
		s.logger.Error("write reply failed", "error", err)
	}
}
