package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryosec/keybroker/pkg/protocol"
	"github.com/cryosec/keybroker/pkg/secure"
	"github.com/cryosec/keybroker/pkg/security"
)

// basicOnly satisfies just the Basic tier.
type basicOnly struct{}

func (basicOnly) Ping(context.Context) error                          { return nil }
func (basicOnly) SynchroniseKeys(context.Context, secure.Bytes) error { return nil }

func TestDispatcher_PingAdvertisesTier(t *testing.T) {
	d := NewDispatcher(NewVault("9.9.9", nil), protocol.TierComplete, "9.9.9")

	out, err := d.Dispatch(context.Background(), protocol.OpPing, nil)
	require.NoError(t, err)

	var resp protocol.PingResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, protocol.TierComplete, resp.Tier)
	assert.Equal(t, "9.9.9", resp.Version)
}

func TestDispatcher_UnknownOperation(t *testing.T) {
	d := NewDispatcher(NewVault("", nil), protocol.TierComplete, "")

	_, err := d.Dispatch(context.Background(), "levitate", nil)
	assert.Equal(t, security.CodeInvalidInput, security.CodeOf(err))
}

func TestDispatcher_TierGate(t *testing.T) {
	d := NewDispatcher(basicOnly{}, protocol.TierBasic, "")

	_, err := d.Dispatch(context.Background(), protocol.OpGenerateRandom, []byte(`{"length":16}`))
	require.Error(t, err)
	assert.Equal(t, security.CodeNotImplemented, security.CodeOf(err))

	// Basic operations still work.
	_, err = d.Dispatch(context.Background(), protocol.OpPing, nil)
	assert.NoError(t, err)
}

func TestDispatcher_AdvertisedTierBeyondImplementation(t *testing.T) {
	// Misconfigured: advertises Standard but implements only Basic. The
	// gate must fail the call rather than panic.
	d := NewDispatcher(basicOnly{}, protocol.TierStandard, "")

	_, err := d.Dispatch(context.Background(), protocol.OpStatus, nil)
	assert.Equal(t, security.CodeNotImplemented, security.CodeOf(err))
}

func TestDispatcher_MalformedPayload(t *testing.T) {
	d := NewDispatcher(NewVault("", nil), protocol.TierComplete, "")

	_, err := d.Dispatch(context.Background(), protocol.OpGenerateRandom, []byte(`{`))
	assert.Equal(t, security.CodeInvalidInput, security.CodeOf(err))

	_, err = d.Dispatch(context.Background(), protocol.OpGenerateRandom, nil)
	assert.Equal(t, security.CodeInvalidInput, security.CodeOf(err))
}

func TestDispatcher_GenerateKeyEndToEnd(t *testing.T) {
	d := NewDispatcher(NewVault("", nil), protocol.TierComplete, "")

	req, err := json.Marshal(protocol.GenerateKeyRequest{
		Config: security.NewConfigDTO("AES-GCM", 256, nil),
	})
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), protocol.OpGenerateKey, req)
	require.NoError(t, err)

	var resp protocol.DataResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Len(t, resp.Data, 32)
}

func TestDispatcher_ErrorsCrossAsDTOs(t *testing.T) {
	d := NewDispatcher(NewVault("", nil), protocol.TierComplete, "")

	// No key present: encrypting must surface itemNotFound.
	req, err := json.Marshal(protocol.CipherRequest{Data: []byte("x")})
	require.NoError(t, err)

	_, derr := d.Dispatch(context.Background(), protocol.OpEncrypt, req)
	require.Error(t, derr)
	dto := security.ToDTO(derr)
	assert.Equal(t, string(security.CodeItemNotFound), dto.Code)
}
