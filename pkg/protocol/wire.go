package protocol

import (
	"github.com/cryosec/keybroker/pkg/security"
)

// Operation identifiers. These are the only strings that cross the boundary
// to name an operation; each maps to exactly one method on a tier interface.
const (
	OpPing            = "ping"
	OpSynchroniseKeys = "synchronise_keys"

	OpGenerateRandom     = "generate_random"
	OpEncrypt            = "encrypt"
	OpDecrypt            = "decrypt"
	OpSign               = "sign"
	OpVerify             = "verify"
	OpResetSecurity      = "reset_security"
	OpServiceVersion     = "service_version"
	OpHardwareIdentifier = "hardware_identifier"
	OpStatus             = "status"

	OpDiagnostics  = "diagnostics"
	OpMetrics      = "metrics"
	OpGenerateKey  = "generate_key"
	OpExportConfig = "export_config"
	OpImportConfig = "import_config"
)

// opTiers maps every operation to the minimum tier that provides it.
var opTiers = map[string]Tier{
	OpPing:            TierBasic,
	OpSynchroniseKeys: TierBasic,

	OpGenerateRandom:     TierStandard,
	OpEncrypt:            TierStandard,
	OpDecrypt:            TierStandard,
	OpSign:               TierStandard,
	OpVerify:             TierStandard,
	OpResetSecurity:      TierStandard,
	OpServiceVersion:     TierStandard,
	OpHardwareIdentifier: TierStandard,
	OpStatus:             TierStandard,

	OpDiagnostics:  TierComplete,
	OpMetrics:      TierComplete,
	OpGenerateKey:  TierComplete,
	OpExportConfig: TierComplete,
	OpImportConfig: TierComplete,
}

// TierOf returns the minimum tier offering op, or false for unknown ops.
func TierOf(op string) (Tier, bool) {
	t, ok := opTiers[op]
	return t, ok
}

// Operations lists every defined operation identifier.
func Operations() []string {
	ops := make([]string, 0, len(opTiers))
	for op := range opTiers {
		ops = append(ops, op)
	}
	return ops
}

// Request and response payloads, one pair per operation where the operation
// carries data. JSON is the boundary encoding; byte fields are base64 via
// encoding/json's []byte handling.

type PingResponse struct {
	Tier    Tier   `json:"tier"`
	Version string `json:"version"`
}

type SynchroniseKeysRequest struct {
	Keys []byte `json:"keys"`
}

type GenerateRandomRequest struct {
	Length int `json:"length"`
}

type CipherRequest struct {
	Data  []byte `json:"data"`
	KeyID string `json:"keyId,omitempty"`
}

type SignRequest struct {
	Data  []byte `json:"data"`
	KeyID string `json:"keyId,omitempty"`
}

type VerifyRequest struct {
	Signature []byte `json:"signature"`
	Data      []byte `json:"data"`
	KeyID     string `json:"keyId,omitempty"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// DataResponse carries raw result bytes for operations returning a single
// opaque payload (random data, ciphertext, plaintext, signatures, keys).
type DataResponse struct {
	Data []byte `json:"data"`
}

type StringResponse struct {
	Value string `json:"value"`
}

type StatusResponse struct {
	Fields map[string]string `json:"fields"`
}

type DiagnosticsResponse struct {
	Lines []string `json:"lines"`
}

type MetricsResponse struct {
	Counters map[string]int64 `json:"counters"`
}

type GenerateKeyRequest struct {
	Config security.ConfigDTO `json:"config"`
}

type ConfigResponse struct {
	Config security.ConfigDTO `json:"config"`
}

type ImportConfigRequest struct {
	Config security.ConfigDTO `json:"config"`
}
