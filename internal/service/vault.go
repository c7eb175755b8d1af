// Package service contains the reference implementation of the privileged
// key-management service: an in-process vault implementing the complete
// capability tier, a dispatcher that exposes any tier implementation as a
// wire-operation handler, and the stdio server loop run by keybrokerd.
package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cryosec/keybroker/pkg/secure"
	"github.com/cryosec/keybroker/pkg/security"
)

// DefaultKeyID names the key used when a caller does not name one.
const DefaultKeyID = "default"

// keyIDOption is the ConfigDTO option that names the key GenerateKey stores.
const keyIDOption = "keyIdentifier"

// Vault is an in-memory key-management service implementing
// protocol.CompleteService. Keys are symmetric; Encrypt/Decrypt use AES-GCM
// and Sign/Verify use HMAC-SHA256 over the same key table.
type Vault struct {
	version string
	logger  *slog.Logger

	mu       sync.RWMutex
	keys     map[string]secure.Bytes
	config   security.ConfigDTO
	counters map[string]int64
	started  time.Time
}

// NewVault builds an empty vault.
func NewVault(version string, logger *slog.Logger) *Vault {
	if version == "" {
		version = "0.0.0-dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		version:  version,
		logger:   logger,
		keys:     make(map[string]secure.Bytes),
		config:   security.NewConfigDTO("AES-GCM", 256, nil),
		counters: make(map[string]int64),
		started:  time.Now(),
	}
}

func (v *Vault) count(name string) {
	v.mu.Lock()
	v.counters[name]++
	v.mu.Unlock()
}

func (v *Vault) key(keyID string) (secure.Bytes, error) {
	if keyID == "" {
		keyID = DefaultKeyID
	}
	v.mu.RLock()
	k, ok := v.keys[keyID]
	v.mu.RUnlock()
	if !ok {
		return secure.Bytes{}, security.NewError(security.CodeItemNotFound, "no key %q in vault", keyID)
	}
	return k, nil
}

// Ping implements the liveness check.
func (v *Vault) Ping(context.Context) error {
	v.count("ping")
	return nil
}

// SynchroniseKeys installs keys as the default key material.
func (v *Vault) SynchroniseKeys(_ context.Context, keys secure.Bytes) error {
	v.count("synchronise_keys")
	if keys.IsEmpty() {
		return security.NewError(security.CodeInvalidInput, "key material must not be empty")
	}
	// Store a private copy; Wipe on reset must never touch the caller's value.
	v.mu.Lock()
	v.keys[DefaultKeyID] = secure.New(keys.Bytes())
	v.mu.Unlock()
	v.logger.Debug("key material synchronised", "bytes", keys.Len())
	return nil
}

// GenerateRandomData returns length cryptographically random bytes.
func (v *Vault) GenerateRandomData(_ context.Context, length int) (secure.Bytes, error) {
	v.count("generate_random")
	if length <= 0 {
		return secure.Bytes{}, security.NewError(security.CodeInvalidInput, "length must be positive, got %d", length)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return secure.Bytes{}, security.WrapError(security.CodeRandomGenerationFailed, err, "read entropy")
	}
	return secure.New(buf), nil
}

// Encrypt seals data with AES-GCM under the named key. The nonce is
// prepended to the ciphertext.
func (v *Vault) Encrypt(_ context.Context, data secure.Bytes, keyID string) (secure.Bytes, error) {
	v.count("encrypt")
	aead, err := v.aead(keyID, security.CodeEncryptionFailed)
	if err != nil {
		return secure.Bytes{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return secure.Bytes{}, security.WrapError(security.CodeEncryptionFailed, err, "generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, data.Bytes(), nil)
	return secure.New(sealed), nil
}

// Decrypt opens AES-GCM ciphertext produced by Encrypt.
func (v *Vault) Decrypt(_ context.Context, data secure.Bytes, keyID string) (secure.Bytes, error) {
	v.count("decrypt")
	aead, err := v.aead(keyID, security.CodeDecryptionFailed)
	if err != nil {
		return secure.Bytes{}, err
	}

	raw := data.Bytes()
	if len(raw) < aead.NonceSize() {
		return secure.Bytes{}, security.NewError(security.CodeDecryptionFailed, "ciphertext shorter than nonce")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return secure.Bytes{}, security.WrapError(security.CodeDecryptionFailed, err, "open ciphertext")
	}
	return secure.New(plain), nil
}

func (v *Vault) aead(keyID string, failCode security.Code) (cipher.AEAD, error) {
	key, err := v.key(keyID)
	if err != nil {
		return nil, err
	}
	block, berr := aes.NewCipher(key.Bytes())
	if berr != nil {
		return nil, security.WrapError(failCode, berr, "key %q has unusable length %d", keyID, key.Len())
	}
	aead, gerr := cipher.NewGCM(block)
	if gerr != nil {
		return nil, security.WrapError(failCode, gerr, "initialise GCM")
	}
	return aead, nil
}

// Sign produces an HMAC-SHA256 tag over data with the named key.
func (v *Vault) Sign(_ context.Context, data secure.Bytes, keyID string) (secure.Bytes, error) {
	v.count("sign")
	key, err := v.key(keyID)
	if err != nil {
		return secure.Bytes{}, err
	}
	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write(data.Bytes())
	return secure.New(mac.Sum(nil)), nil
}

// Verify checks an HMAC-SHA256 tag produced by Sign.
func (v *Vault) Verify(ctx context.Context, signature, data secure.Bytes, keyID string) (bool, error) {
	v.count("verify")
	expected, err := v.Sign(ctx, data, keyID)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected.Bytes(), signature.Bytes()), nil
}

// ResetSecurity clears all keys and counters.
func (v *Vault) ResetSecurity(context.Context) error {
	v.mu.Lock()
	for id, k := range v.keys {
		k.Wipe()
		delete(v.keys, id)
	}
	v.counters = make(map[string]int64)
	v.mu.Unlock()
	v.logger.Info("vault reset")
	return nil
}

// ServiceVersion reports the vault's version string.
func (v *Vault) ServiceVersion(context.Context) (string, error) {
	return v.version, nil
}

// HardwareIdentifier reports a stable identifier derived from the host name.
func (v *Vault) HardwareIdentifier(context.Context) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", security.WrapError(security.CodeServiceError, err, "read host name")
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:16]), nil
}

// Status returns a point-in-time snapshot of vault state.
func (v *Vault) Status(context.Context) (map[string]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return map[string]string{
		"state":     "ready",
		"version":   v.version,
		"keys":      fmt.Sprintf("%d", len(v.keys)),
		"uptime":    time.Since(v.started).Round(time.Second).String(),
		"algorithm": v.config.Algorithm,
	}, nil
}

// Diagnostics returns human-readable diagnostic lines.
func (v *Vault) Diagnostics(context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := []string{
		fmt.Sprintf("vault version %s, up %s", v.version, time.Since(v.started).Round(time.Second)),
		fmt.Sprintf("active configuration: %s/%d", v.config.Algorithm, v.config.KeySizeInBits),
		fmt.Sprintf("%d key(s) held", len(ids)),
	}
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("key %q: %d bytes", id, v.keys[id].Len()))
	}
	return lines, nil
}

// Metrics returns a copy of the per-operation counters.
func (v *Vault) Metrics(context.Context) (map[string]int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]int64, len(v.counters))
	for k, n := range v.counters {
		out[k] = n
	}
	return out, nil
}

// GenerateKey creates key material per cfg, stores it in the key table, and
// returns it. The ConfigDTO option "keyIdentifier" names the table entry;
// absent, the default key is replaced.
func (v *Vault) GenerateKey(ctx context.Context, cfg security.ConfigDTO) (secure.Bytes, error) {
	v.count("generate_key")
	if err := cfg.Validate(); err != nil {
		return secure.Bytes{}, security.AsError(err)
	}

	key, err := v.GenerateRandomData(ctx, cfg.KeySizeInBytes())
	if err != nil {
		return secure.Bytes{}, err
	}

	keyID := DefaultKeyID
	if id, ok := cfg.Option(keyIDOption); ok && id != "" {
		keyID = id
	}

	// The table holds its own copy; the returned value stays untouched when
	// the vault later wipes its entries.
	v.mu.Lock()
	v.keys[keyID] = secure.New(key.Bytes())
	v.mu.Unlock()

	v.logger.Info("key generated",
		"key_id", keyID,
		"algorithm", cfg.Algorithm,
		"bits", cfg.KeySizeInBits)
	return key, nil
}

// ExportConfig returns the active configuration.
func (v *Vault) ExportConfig(context.Context) (security.ConfigDTO, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.config, nil
}

// ImportConfig replaces the active configuration.
func (v *Vault) ImportConfig(_ context.Context, cfg security.ConfigDTO) error {
	if err := cfg.Validate(); err != nil {
		return security.AsError(err)
	}
	v.mu.Lock()
	v.config = cfg
	v.mu.Unlock()
	return nil
}
