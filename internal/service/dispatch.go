package service

import (
	"context"
	"encoding/json"

	"github.com/cryosec/keybroker/pkg/channel"
	"github.com/cryosec/keybroker/pkg/protocol"
	"github.com/cryosec/keybroker/pkg/secure"
	"github.com/cryosec/keybroker/pkg/security"
)

var _ protocol.CompleteService = (*Vault)(nil)

// Dispatcher maps wire operations onto a tier implementation. The service
// value needs to satisfy only the tier it advertises: operations from higher
// tiers fail with CodeNotImplemented instead of breaking compilation, which
// lets partial mocks and Basic-only services share this code path with the
// full vault.
type Dispatcher struct {
	svc     protocol.BasicService
	tier    protocol.Tier
	version string
}

// NewDispatcher wraps svc, advertising tier and version in ping replies.
func NewDispatcher(svc protocol.BasicService, tier protocol.Tier, version string) *Dispatcher {
	if !tier.Valid() {
		tier = protocol.TierBasic
	}
	return &Dispatcher{svc: svc, tier: tier, version: version}
}

// Dispatch implements channel.Dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, payload []byte) ([]byte, error) {
	opTier, ok := protocol.TierOf(op)
	if !ok {
		return nil, security.NewError(security.CodeInvalidInput, "unknown operation %q", op)
	}
	if !d.tier.Covers(opTier) {
		return nil, security.NewError(security.CodeNotImplemented,
			"operation %q needs tier %q, service advertises %q", op, opTier, d.tier)
	}

	switch op {
	case protocol.OpPing:
		if err := d.svc.Ping(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(protocol.PingResponse{Tier: d.tier, Version: d.version})

	case protocol.OpSynchroniseKeys:
		var req protocol.SynchroniseKeysRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, d.svc.SynchroniseKeys(ctx, secure.New(req.Keys))
	}

	std, ok := d.svc.(protocol.StandardService)
	if !ok {
		return nil, security.NewError(security.CodeNotImplemented,
			"service implementation does not provide tier %q operation %q", opTier, op)
	}

	switch op {
	case protocol.OpGenerateRandom:
		var req protocol.GenerateRandomRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		data, err := std.GenerateRandomData(ctx, req.Length)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.DataResponse{Data: data.Bytes()})

	case protocol.OpEncrypt, protocol.OpDecrypt:
		var req protocol.CipherRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		fn := std.Encrypt
		if op == protocol.OpDecrypt {
			fn = std.Decrypt
		}
		out, err := fn(ctx, secure.New(req.Data), req.KeyID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.DataResponse{Data: out.Bytes()})

	case protocol.OpSign:
		var req protocol.SignRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		sig, err := std.Sign(ctx, secure.New(req.Data), req.KeyID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.DataResponse{Data: sig.Bytes()})

	case protocol.OpVerify:
		var req protocol.VerifyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		valid, err := std.Verify(ctx, secure.New(req.Signature), secure.New(req.Data), req.KeyID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.VerifyResponse{Valid: valid})

	case protocol.OpResetSecurity:
		return nil, std.ResetSecurity(ctx)

	case protocol.OpServiceVersion:
		version, err := std.ServiceVersion(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.StringResponse{Value: version})

	case protocol.OpHardwareIdentifier:
		id, err := std.HardwareIdentifier(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.StringResponse{Value: id})

	case protocol.OpStatus:
		fields, err := std.Status(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.StatusResponse{Fields: fields})
	}

	complete, ok := d.svc.(protocol.CompleteService)
	if !ok {
		return nil, security.NewError(security.CodeNotImplemented,
			"service implementation does not provide tier %q operation %q", opTier, op)
	}

	switch op {
	case protocol.OpDiagnostics:
		lines, err := complete.Diagnostics(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.DiagnosticsResponse{Lines: lines})

	case protocol.OpMetrics:
		counters, err := complete.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.MetricsResponse{Counters: counters})

	case protocol.OpGenerateKey:
		var req protocol.GenerateKeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		key, err := complete.GenerateKey(ctx, req.Config)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.DataResponse{Data: key.Bytes()})

	case protocol.OpExportConfig:
		cfg, err := complete.ExportConfig(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.ConfigResponse{Config: cfg})

	case protocol.OpImportConfig:
		var req protocol.ImportConfigRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return nil, complete.ImportConfig(ctx, req.Config)
	}

	return nil, security.NewError(security.CodeNotImplemented, "operation %q not routed", op)
}

// Loopback builds an in-memory channel serving this dispatcher; the CLI's
// self-test mode and the integration tests connect the broker through it.
func (d *Dispatcher) Loopback() *channel.Loopback {
	return channel.NewLoopback(d.Dispatch)
}

func decode(payload []byte, into any) error {
	if len(payload) == 0 {
		return security.NewError(security.CodeInvalidInput, "missing request payload")
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return security.WrapError(security.CodeInvalidInput, err, "decode request payload")
	}
	return nil
}
