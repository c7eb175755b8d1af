package security

import (
	"encoding/json"
	"fmt"
)

// ErrorDTO is the boundary form of an Error. Only the code and flat string
// details cross the process boundary; wrapped causes stay local.
type ErrorDTO struct {
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

const reasonDetailKey = "reason"

// ToDTO converts any error into its boundary form. The mapping is total:
// foreign errors become CodeUnknown with the message preserved as a detail.
// ToDTO(nil) returns a zero DTO.
func ToDTO(err error) ErrorDTO {
	se := AsError(err)
	if se == nil {
		return ErrorDTO{}
	}

	details := make(map[string]string, len(se.Details)+1)
	for k, v := range se.Details {
		details[k] = v
	}
	if se.Reason != "" {
		details[reasonDetailKey] = se.Reason
	}
	if len(details) == 0 {
		details = nil
	}
	return ErrorDTO{Code: string(se.Code), Details: details}
}

// FromDTO converts a boundary error back into an *Error. Unrecognised codes
// (including future additions on the remote side) map to CodeUnknown with the
// raw code preserved in the details; an empty DTO yields nil.
func FromDTO(dto ErrorDTO) *Error {
	if dto.Code == "" && len(dto.Details) == 0 {
		return nil
	}

	code := Code(dto.Code)
	details := make(map[string]string, len(dto.Details))
	for k, v := range dto.Details {
		details[k] = v
	}
	reason := details[reasonDetailKey]
	delete(details, reasonDetailKey)

	if !code.Valid() {
		details["remote_code"] = dto.Code
		if reason == "" {
			reason = fmt.Sprintf("unrecognised remote error code %q", dto.Code)
		}
		code = CodeUnknown
	}
	if len(details) == 0 {
		details = nil
	}
	return &Error{Code: code, Reason: reason, Details: details}
}

// ConfigDTO describes a cryptographic configuration passed by value across
// the boundary. Options carries implementation-defined key/value pairs that
// the broker forwards opaquely.
type ConfigDTO struct {
	Algorithm     string            `json:"algorithm"`
	KeySizeInBits int               `json:"keySizeInBits"`
	Options       map[string]string `json:"options,omitempty"`
}

// NewConfigDTO builds a ConfigDTO, copying options so the value stays
// independent of the caller's map.
func NewConfigDTO(algorithm string, keySizeInBits int, options map[string]string) ConfigDTO {
	var opts map[string]string
	if len(options) > 0 {
		opts = make(map[string]string, len(options))
		for k, v := range options {
			opts[k] = v
		}
	}
	return ConfigDTO{Algorithm: algorithm, KeySizeInBits: keySizeInBits, Options: opts}
}

// Validate checks the structural invariants of a configuration.
func (c ConfigDTO) Validate() error {
	if c.Algorithm == "" {
		return NewError(CodeInvalidInput, "algorithm must not be empty")
	}
	if c.KeySizeInBits <= 0 {
		return NewError(CodeInvalidInput, "key size must be positive, got %d", c.KeySizeInBits)
	}
	if c.KeySizeInBits%8 != 0 {
		return NewError(CodeInvalidInput, "key size must be a whole number of bytes, got %d bits", c.KeySizeInBits)
	}
	return nil
}

// KeySizeInBytes returns the key length this configuration requests.
func (c ConfigDTO) KeySizeInBytes() int {
	return c.KeySizeInBits / 8
}

// Option returns the named option and whether it was set.
func (c ConfigDTO) Option(name string) (string, bool) {
	v, ok := c.Options[name]
	return v, ok
}

// WithOption returns a copy with one option added or replaced; the receiver
// is unchanged.
func (c ConfigDTO) WithOption(name, value string) ConfigDTO {
	opts := make(map[string]string, len(c.Options)+1)
	for k, v := range c.Options {
		opts[k] = v
	}
	opts[name] = value
	return ConfigDTO{Algorithm: c.Algorithm, KeySizeInBits: c.KeySizeInBits, Options: opts}
}

// Equal reports value equality, treating nil and empty options alike.
func (c ConfigDTO) Equal(other ConfigDTO) bool {
	if c.Algorithm != other.Algorithm || c.KeySizeInBits != other.KeySizeInBits {
		return false
	}
	if len(c.Options) != len(other.Options) {
		return false
	}
	for k, v := range c.Options {
		if other.Options[k] != v {
			return false
		}
	}
	return true
}

// Encode serialises the configuration for the wire.
func (c ConfigDTO) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, WrapError(CodeInvalidInput, err, "encode security config")
	}
	return data, nil
}

// DecodeConfigDTO is the inverse of Encode; DecodeConfigDTO(Encode(x)) == x
// for every valid x.
func DecodeConfigDTO(data []byte) (ConfigDTO, error) {
	var c ConfigDTO
	if err := json.Unmarshal(data, &c); err != nil {
		return ConfigDTO{}, WrapError(CodeInvalidInput, err, "decode security config")
	}
	return c, nil
}
