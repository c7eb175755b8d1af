package broker

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cryosec/keybroker/pkg/channel"
	"github.com/cryosec/keybroker/pkg/protocol"
	"github.com/cryosec/keybroker/pkg/secure"
	"github.com/cryosec/keybroker/pkg/security"
)

const tracerName = "github.com/cryosec/keybroker/pkg/broker"

// Proxy is the caller-facing handle to the remote service. It implements
// protocol.CompleteService; operations beyond the negotiated tier fail with
// CodeNotImplemented. A proxy is valid only while the connection it was
// issued against is live — calls on a stale proxy fail fast, never hang.
type Proxy struct {
	broker *Broker
	handle channel.Handle
	tier   protocol.Tier
}

var _ protocol.CompleteService = (*Proxy)(nil)

func newProxy(b *Broker, h channel.Handle, tier protocol.Tier) *Proxy {
	return &Proxy{broker: b, handle: h, tier: tier}
}

// Tier reports the capability tier the remote service advertised.
func (p *Proxy) Tier() protocol.Tier { return p.tier }

// invoke runs one remote operation end to end: authorization, liveness,
// the callback-to-await bridge, and error translation.
func (p *Proxy) invoke(ctx context.Context, op string, req any, resp any) error {
	b := p.broker

	opTier, ok := protocol.TierOf(op)
	if !ok {
		return security.NewError(security.CodeInvalidInput, "unknown operation %q", op)
	}
	if !p.tier.Covers(opTier) {
		return security.NewError(security.CodeNotImplemented,
			"operation %q needs tier %q, service advertises %q", op, opTier, p.tier)
	}
	if b.authz != nil {
		if err := b.authz.Allow(ctx, op, opTier); err != nil {
			return security.AsError(err)
		}
	}

	handle, serr := b.liveHandle(p)
	if serr != nil {
		return serr
	}

	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return security.WrapError(security.CodeInvalidInput, err, "encode %s request", op)
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "keybroker.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("keybroker.operation", op)))
	defer span.End()

	b.obs.CallStarted(op)
	start := time.Now()

	out, err := invokeHandle(ctx, handle, op, payload, func() { b.obs.LateCompletion(op) })

	se := security.AsError(err)
	code := security.Code("")
	if se != nil {
		code = se.Code
		span.SetStatus(codes.Error, string(se.Code))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	b.obs.CallFinished(op, code, time.Since(start))

	if se != nil {
		if se.Code == security.CodeConnectionFailed {
			// The transport died under this call; make sure the state
			// machine notices even if the invalidation callback lost
			// the race.
			b.invalidateHandle(handle, se)
		}
		return se
	}

	if resp != nil && len(out) > 0 {
		if err := json.Unmarshal(out, resp); err != nil {
			return security.WrapError(security.CodeUnknown, err, "decode %s reply", op)
		}
	}
	return nil
}

// invokeHandle bridges one callback-completed call into a single awaited
// result. The completion callback and context cancellation race for the
// pending call's resumption slot; whichever loses becomes a no-op, so the
// caller resumes exactly once. onLate fires for any completion that arrives
// after the slot is filled, double completions included.
func invokeHandle(ctx context.Context, h channel.Handle, op string, payload []byte, onLate func()) ([]byte, error) {
	pc := newPendingCall(op)

	err := h.Call(op, payload, func(r channel.Reply) {
		if !pc.complete(r) {
			if onLate != nil {
				onLate()
			}
		}
	})
	if err != nil {
		if err == channel.ErrClosed {
			return nil, security.WrapError(security.CodeConnectionFailed, err, "submit %s", op)
		}
		se := security.AsError(err)
		if se.Code == security.CodeUnknown {
			se = security.WrapError(security.CodeConnectionFailed, err, "submit %s", op)
		}
		return nil, se
	}

	select {
	case <-ctx.Done():
		if pc.complete(channel.Reply{Err: security.WrapError(security.CodeCancelled, ctx.Err(), "%s cancelled", op)}) {
			// Cancellation won the slot; a late legitimate reply will be
			// detected and discarded by the completion guard.
			r := pc.wait()
			return nil, r.Err
		}
		// The reply beat the cancellation; deliver it.
		r := pc.wait()
		if r.Err != nil {
			return nil, security.AsError(r.Err)
		}
		return r.Payload, nil

	case r := <-pc.result:
		if r.Err != nil {
			return nil, security.AsError(r.Err)
		}
		return r.Payload, nil
	}
}

// pingHandle performs the liveness and tier negotiation call during connect,
// before any proxy exists.
func pingHandle(ctx context.Context, h channel.Handle) (protocol.PingResponse, error) {
	out, err := invokeHandle(ctx, h, protocol.OpPing, nil, nil)
	if err != nil {
		return protocol.PingResponse{}, err
	}
	var resp protocol.PingResponse
	if len(out) > 0 {
		if err := json.Unmarshal(out, &resp); err != nil {
			return protocol.PingResponse{}, err
		}
	}
	return resp, nil
}

// --- BasicService ---

func (p *Proxy) Ping(ctx context.Context) error {
	return p.invoke(ctx, protocol.OpPing, nil, nil)
}

func (p *Proxy) SynchroniseKeys(ctx context.Context, keys secure.Bytes) error {
	req := protocol.SynchroniseKeysRequest{Keys: keys.Bytes()}
	return p.invoke(ctx, protocol.OpSynchroniseKeys, req, nil)
}

// --- StandardService ---

func (p *Proxy) GenerateRandomData(ctx context.Context, length int) (secure.Bytes, error) {
	if length <= 0 {
		return secure.Bytes{}, security.NewError(security.CodeInvalidInput, "length must be positive, got %d", length)
	}
	var resp protocol.DataResponse
	if err := p.invoke(ctx, protocol.OpGenerateRandom, protocol.GenerateRandomRequest{Length: length}, &resp); err != nil {
		return secure.Bytes{}, err
	}
	return secure.New(resp.Data), nil
}

func (p *Proxy) Encrypt(ctx context.Context, data secure.Bytes, keyID string) (secure.Bytes, error) {
	var resp protocol.DataResponse
	req := protocol.CipherRequest{Data: data.Bytes(), KeyID: keyID}
	if err := p.invoke(ctx, protocol.OpEncrypt, req, &resp); err != nil {
		return secure.Bytes{}, err
	}
	return secure.New(resp.Data), nil
}

func (p *Proxy) Decrypt(ctx context.Context, data secure.Bytes, keyID string) (secure.Bytes, error) {
	var resp protocol.DataResponse
	req := protocol.CipherRequest{Data: data.Bytes(), KeyID: keyID}
	if err := p.invoke(ctx, protocol.OpDecrypt, req, &resp); err != nil {
		return secure.Bytes{}, err
	}
	return secure.New(resp.Data), nil
}

func (p *Proxy) Sign(ctx context.Context, data secure.Bytes, keyID string) (secure.Bytes, error) {
	var resp protocol.DataResponse
	req := protocol.SignRequest{Data: data.Bytes(), KeyID: keyID}
	if err := p.invoke(ctx, protocol.OpSign, req, &resp); err != nil {
		return secure.Bytes{}, err
	}
	return secure.New(resp.Data), nil
}

func (p *Proxy) Verify(ctx context.Context, signature, data secure.Bytes, keyID string) (bool, error) {
	var resp protocol.VerifyResponse
	req := protocol.VerifyRequest{Signature: signature.Bytes(), Data: data.Bytes(), KeyID: keyID}
	if err := p.invoke(ctx, protocol.OpVerify, req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (p *Proxy) ResetSecurity(ctx context.Context) error {
	return p.invoke(ctx, protocol.OpResetSecurity, nil, nil)
}

func (p *Proxy) ServiceVersion(ctx context.Context) (string, error) {
	var resp protocol.StringResponse
	if err := p.invoke(ctx, protocol.OpServiceVersion, nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (p *Proxy) HardwareIdentifier(ctx context.Context) (string, error) {
	var resp protocol.StringResponse
	if err := p.invoke(ctx, protocol.OpHardwareIdentifier, nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (p *Proxy) Status(ctx context.Context) (map[string]string, error) {
	var resp protocol.StatusResponse
	if err := p.invoke(ctx, protocol.OpStatus, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

// --- CompleteService ---

func (p *Proxy) Diagnostics(ctx context.Context) ([]string, error) {
	var resp protocol.DiagnosticsResponse
	if err := p.invoke(ctx, protocol.OpDiagnostics, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

func (p *Proxy) Metrics(ctx context.Context) (map[string]int64, error) {
	var resp protocol.MetricsResponse
	if err := p.invoke(ctx, protocol.OpMetrics, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Counters, nil
}

func (p *Proxy) GenerateKey(ctx context.Context, cfg security.ConfigDTO) (secure.Bytes, error) {
	if err := cfg.Validate(); err != nil {
		return secure.Bytes{}, security.AsError(err)
	}
	var resp protocol.DataResponse
	if err := p.invoke(ctx, protocol.OpGenerateKey, protocol.GenerateKeyRequest{Config: cfg}, &resp); err != nil {
		return secure.Bytes{}, err
	}
	return secure.New(resp.Data), nil
}

func (p *Proxy) ExportConfig(ctx context.Context) (security.ConfigDTO, error) {
	var resp protocol.ConfigResponse
	if err := p.invoke(ctx, protocol.OpExportConfig, nil, &resp); err != nil {
		return security.ConfigDTO{}, err
	}
	return resp.Config, nil
}

func (p *Proxy) ImportConfig(ctx context.Context, cfg security.ConfigDTO) error {
	if err := cfg.Validate(); err != nil {
		return security.AsError(err)
	}
	return p.invoke(ctx, protocol.OpImportConfig, protocol.ImportConfigRequest{Config: cfg}, nil)
}
