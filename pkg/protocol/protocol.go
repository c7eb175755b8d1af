// Package protocol defines the layered capability contract a remote security
// service may implement. The tiers nest: Complete implies Standard implies
// Basic. Callers depend on the smallest interface they need, which lets test
// doubles satisfy only Basic or Standard without stubbing the full surface.
package protocol

import (
	"context"

	"github.com/cryosec/keybroker/pkg/secure"
	"github.com/cryosec/keybroker/pkg/security"
)

// Tier names a capability level advertised by a service implementation.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierComplete Tier = "complete"
)

// rank orders tiers for coverage checks.
func (t Tier) rank() int {
	switch t {
	case TierBasic:
		return 1
	case TierStandard:
		return 2
	case TierComplete:
		return 3
	default:
		return 0
	}
}

// Valid reports whether t names a defined tier.
func (t Tier) Valid() bool { return t.rank() > 0 }

// Covers reports whether a service advertising t satisfies callers that
// require tier other.
func (t Tier) Covers(other Tier) bool {
	return t.Valid() && other.Valid() && t.rank() >= other.rank()
}

// BasicService is the minimum contract every security service implements:
// a liveness check and the key synchronisation primitive.
type BasicService interface {
	// Ping checks that the service is alive and able to answer.
	Ping(ctx context.Context) error

	// SynchroniseKeys pushes key material to the service so both sides of
	// the boundary share the same key table.
	SynchroniseKeys(ctx context.Context, keys secure.Bytes) error
}

// StandardService extends BasicService with the day-to-day cryptographic
// operations. Every method returns a *security.Error on failure.
type StandardService interface {
	BasicService

	// GenerateRandomData returns length cryptographically random bytes.
	GenerateRandomData(ctx context.Context, length int) (secure.Bytes, error)

	// Encrypt seals data under the key named by keyID.
	Encrypt(ctx context.Context, data secure.Bytes, keyID string) (secure.Bytes, error)

	// Decrypt opens data sealed by Encrypt under the same key.
	Decrypt(ctx context.Context, data secure.Bytes, keyID string) (secure.Bytes, error)

	// Sign produces a signature over data with the key named by keyID.
	Sign(ctx context.Context, data secure.Bytes, keyID string) (secure.Bytes, error)

	// Verify checks signature over data against the key named by keyID.
	Verify(ctx context.Context, signature, data secure.Bytes, keyID string) (bool, error)

	// ResetSecurity clears all service-held key material and state.
	ResetSecurity(ctx context.Context) error

	// ServiceVersion reports the service's version string.
	ServiceVersion(ctx context.Context) (string, error)

	// HardwareIdentifier reports a stable identifier for the hardware the
	// service runs on.
	HardwareIdentifier(ctx context.Context) (string, error)

	// Status returns a point-in-time snapshot of service state.
	Status(ctx context.Context) (map[string]string, error)
}

// CompleteService extends StandardService with diagnostics and the DTO-typed
// configuration and key-generation operations.
type CompleteService interface {
	StandardService

	// Diagnostics returns human-readable diagnostic lines.
	Diagnostics(ctx context.Context) ([]string, error)

	// Metrics returns named counters describing service activity.
	Metrics(ctx context.Context) (map[string]int64, error)

	// GenerateKey creates key material per the supplied configuration and
	// registers it under the returned identifier's key table entry.
	GenerateKey(ctx context.Context, cfg security.ConfigDTO) (secure.Bytes, error)

	// ExportConfig returns the service's active configuration.
	ExportConfig(ctx context.Context) (security.ConfigDTO, error)

	// ImportConfig replaces the service's active configuration.
	ImportConfig(ctx context.Context, cfg security.ConfigDTO) error
}
