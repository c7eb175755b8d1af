// Package channel abstracts the physical inter-process substrate the broker
// speaks over. A Channel knows how to establish one connection to the remote
// service; the resulting Handle carries callback-completed calls and reports
// invalidation when the underlying transport dies.
//
// Two implementations ship with the package: Stdio, which spawns the service
// as a child process and frames calls over its stdin/stdout, and Loopback,
// an in-memory channel used by tests and by the CLI's self-test mode.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned by Call on a handle that has been closed or
// invalidated.
var ErrClosed = errors.New("channel: handle closed")

// Reply is the completion value of one call. Exactly one of Payload or Err
// is meaningful; Err set means the call failed before or at the remote side.
type Reply struct {
	Payload []byte
	Err     error
}

// Handle is one live connection to the remote service.
//
// Call submits an operation and returns once the request is accepted for
// delivery; complete is invoked exactly once, from an arbitrary goroutine,
// when the reply (or a transport failure) arrives. Replies may complete out
// of issuance order.
//
// SetInvalidationHandler registers the function invoked when the transport
// dies underneath the handle. It must be set before the first Call. All
// calls pending at invalidation complete with a transport error; the handler
// runs after those completions, once per handle lifetime.
type Handle interface {
	Call(op string, payload []byte, complete func(Reply)) error
	SetInvalidationHandler(fn func(reason error))
	Close() error
}

// Channel establishes connections to the remote service. Implementations
// must allow repeated Connect calls: each returns an independent Handle.
type Channel interface {
	Connect(ctx context.Context) (Handle, error)
}
