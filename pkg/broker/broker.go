// Package broker owns the single connection to the remote security service
// and lends capability-tier proxies to callers. All connection state lives
// behind one mutex held only for bookkeeping; the physical connect and every
// remote call run outside it. Connects are single-flight: when several
// callers race from Disconnected, one performs the dial and the rest wait
// for that attempt's outcome.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cryosec/keybroker/pkg/channel"
	"github.com/cryosec/keybroker/pkg/protocol"
	"github.com/cryosec/keybroker/pkg/security"
)

// State names a connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Authorizer gates operations before any wire traffic. A nil Authorizer
// allows everything.
type Authorizer interface {
	// Allow returns nil when op (provided by tier) may proceed.
	Allow(ctx context.Context, op string, tier protocol.Tier) error
}

// Observer receives broker lifecycle and call telemetry. All methods must be
// safe for concurrent use; implementations live in pkg/telemetry.
type Observer interface {
	ConnectStarted()
	ConnectFinished(err error)
	Invalidated()
	CallStarted(op string)
	CallFinished(op string, code security.Code, elapsed time.Duration)
	// LateCompletion records a completion callback that arrived after the
	// call had already resumed (double completion or reply-after-cancel).
	LateCompletion(op string)
}

// nopObserver is the default Observer.
type nopObserver struct{}

func (nopObserver) ConnectStarted()                                   {}
func (nopObserver) ConnectFinished(error)                             {}
func (nopObserver) Invalidated()                                      {}
func (nopObserver) CallStarted(string)                                {}
func (nopObserver) CallFinished(string, security.Code, time.Duration) {}
func (nopObserver) LateCompletion(string)                             {}

// Options configure a Broker. The zero value is usable.
type Options struct {
	// Logger receives structured lifecycle logs; nil uses slog.Default.
	Logger *slog.Logger
	// Observer receives telemetry; nil installs a no-op.
	Observer Observer
	// Authorizer gates operations; nil allows all.
	Authorizer Authorizer
	// RequireTier is the minimum capability tier the remote service must
	// advertise during connect; empty defaults to TierBasic.
	RequireTier protocol.Tier
}

// connectAttempt is the shared outcome of one physical connect. Waiters
// block on done; exactly the caller that created the attempt fills proxy/err
// and closes done.
type connectAttempt struct {
	done  chan struct{}
	proxy *Proxy
	err   *security.Error
}

// Broker mediates access to the remote service. At most one physical
// connection is live at any time; reconnection is demand-driven.
type Broker struct {
	channel  channel.Channel
	logger   *slog.Logger
	obs      Observer
	authz    Authorizer
	required protocol.Tier

	mu      sync.Mutex
	state   State
	handle  channel.Handle
	proxy   *Proxy
	attempt *connectAttempt
}

// New builds a Broker over ch.
func New(ch channel.Channel, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	required := opts.RequireTier
	if required == "" {
		required = protocol.TierBasic
	}
	return &Broker{
		channel:  ch,
		logger:   logger,
		obs:      obs,
		authz:    opts.Authorizer,
		required: required,
		state:    StateDisconnected,
	}
}

// State reports the current connection state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AcquireProxy returns a proxy to the live connection, establishing one when
// necessary. Concurrent callers during a connect wait for the in-flight
// attempt's outcome rather than racing a second dial.
func (b *Broker) AcquireProxy(ctx context.Context) (*Proxy, error) {
	b.mu.Lock()
	switch b.state {
	case StateConnected:
		p := b.proxy
		b.mu.Unlock()
		return p, nil

	case StateConnecting:
		att := b.attempt
		b.mu.Unlock()

		select {
		case <-att.done:
		case <-ctx.Done():
			return nil, security.WrapError(security.CodeCancelled, ctx.Err(), "waiting for connection")
		}
		if att.err != nil {
			return nil, att.err
		}
		return att.proxy, nil

	case StateDisconnected, StateInvalidated:
		att := &connectAttempt{done: make(chan struct{})}
		b.attempt = att
		b.state = StateConnecting
		b.mu.Unlock()

		proxy, cerr := b.performConnect(ctx, att)
		if cerr != nil {
			return nil, cerr
		}
		return proxy, nil

	default:
		b.mu.Unlock()
		return nil, security.Unknown("broker in undefined state")
	}
}

// performConnect runs the physical connect for att, publishes the outcome,
// and wakes every waiter. Only the caller that created att runs this.
func (b *Broker) performConnect(ctx context.Context, att *connectAttempt) (*Proxy, *security.Error) {
	b.obs.ConnectStarted()
	b.logger.Debug("connecting to security service")

	handle, tier, version, cerr := b.dialAndNegotiate(ctx)

	b.mu.Lock()
	if b.attempt != att {
		// Disconnect raced the dial; this attempt no longer owns the
		// state machine. Fail the waiters and discard the handle.
		b.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
		att.err = security.NewError(security.CodeConnectionFailed, "connection torn down during connect")
		close(att.done)
		b.obs.ConnectFinished(att.err)
		return nil, att.err
	}

	if cerr != nil {
		b.state = StateDisconnected
		b.attempt = nil
		b.mu.Unlock()

		att.err = cerr
		close(att.done)
		b.obs.ConnectFinished(cerr)
		b.logger.Warn("connect failed", "error", cerr)
		return nil, cerr
	}

	proxy := newProxy(b, handle, tier)
	b.handle = handle
	b.proxy = proxy
	b.state = StateConnected
	b.attempt = nil
	b.mu.Unlock()

	att.proxy = proxy
	close(att.done)
	b.obs.ConnectFinished(nil)
	b.logger.Info("connected to security service", "tier", tier, "version", version)
	return proxy, nil
}

// dialAndNegotiate opens the physical channel, installs the invalidation
// handler, and verifies the advertised capability tier via an initial ping.
func (b *Broker) dialAndNegotiate(ctx context.Context) (channel.Handle, protocol.Tier, string, *security.Error) {
	handle, err := b.channel.Connect(ctx)
	if err != nil {
		se := security.AsError(err)
		if se.Code != security.CodeConnectionFailed {
			se = security.ConnectionFailed(err)
		}
		return nil, "", "", se
	}

	handle.SetInvalidationHandler(func(reason error) {
		b.onInvalidated(handle, reason)
	})

	ping, err := pingHandle(ctx, handle)
	if err != nil {
		_ = handle.Close()
		return nil, "", "", security.WrapError(security.CodeConnectionFailed, err, "liveness check failed")
	}

	tier := ping.Tier
	if !tier.Valid() {
		tier = protocol.TierBasic
	}
	if !tier.Covers(b.required) {
		_ = handle.Close()
		return nil, "", "", security.NewError(security.CodeServiceUnavailable,
			"service advertises tier %q, %q required", tier, b.required)
	}
	return handle, tier, ping.Version, nil
}

// onInvalidated is the channel's invalidation callback. It runs for the dead
// handle only; a handle that has already been replaced is ignored.
func (b *Broker) onInvalidated(h channel.Handle, reason error) {
	b.mu.Lock()
	if b.handle != h {
		b.mu.Unlock()
		return
	}
	b.handle = nil
	b.proxy = nil
	b.state = StateDisconnected
	b.mu.Unlock()

	b.obs.Invalidated()
	b.logger.Warn("connection invalidated", "reason", reason)
}

// invalidateHandle transitions to Disconnected when a call on h observed the
// transport dead before the invalidation callback ran.
func (b *Broker) invalidateHandle(h channel.Handle, reason error) {
	b.onInvalidated(h, reason)
}

// Disconnect tears the connection down explicitly. It is idempotent and
// safe from any state; a connect in flight fails over to the waiters.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	h := b.handle
	b.handle = nil
	b.proxy = nil
	b.attempt = nil
	prev := b.state
	b.state = StateInvalidated
	b.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	if prev != StateInvalidated {
		b.logger.Info("disconnected", "previous_state", prev)
	}
}

// liveHandle returns the handle behind p, or a stale-proxy failure when the
// connection p was issued against is gone. Stale proxies always fail fast.
func (b *Broker) liveHandle(p *Proxy) (channel.Handle, *security.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected || b.proxy != p {
		return nil, security.NewError(security.CodeConnectionFailed, "proxy is stale, reacquire from the broker")
	}
	return b.handle, nil
}
