package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Every defined code must survive the DTO boundary unchanged: no code may
// hit an unhandled path, and the round trip preserves code and details.
func TestErrorTranslation_Totality(t *testing.T) {
	for _, code := range Codes {
		err := &Error{
			Code:    code,
			Reason:  "something happened",
			Details: map[string]string{"op": "encrypt"},
		}

		dto := ToDTO(err)
		require.Equal(t, string(code), dto.Code)

		back := FromDTO(dto)
		require.NotNil(t, back, "code %q", code)
		assert.Equal(t, code, back.Code)
		assert.Equal(t, "something happened", back.Reason)
		assert.Equal(t, "encrypt", back.Details["op"])
	}
}

func TestFromDTO_UnrecognisedCode(t *testing.T) {
	dto := ErrorDTO{Code: "quantum_entanglement_lost", Details: map[string]string{"qubit": "7"}}

	se := FromDTO(dto)
	require.NotNil(t, se)
	assert.Equal(t, CodeUnknown, se.Code)
	assert.Equal(t, "quantum_entanglement_lost", se.Details["remote_code"])
	assert.Equal(t, "7", se.Details["qubit"])
	assert.NotEmpty(t, se.Reason)
}

func TestToDTO_ForeignError(t *testing.T) {
	dto := ToDTO(errors.New("disk on fire"))
	assert.Equal(t, string(CodeUnknown), dto.Code)
	assert.Equal(t, "disk on fire", dto.Details["reason"])
}

func TestToDTO_Nil(t *testing.T) {
	assert.Equal(t, ErrorDTO{}, ToDTO(nil))
	assert.Nil(t, FromDTO(ErrorDTO{}))
}

func TestConfigDTO_Validate(t *testing.T) {
	valid := NewConfigDTO("AES-GCM", 256, nil)
	require.NoError(t, valid.Validate())
	assert.Equal(t, 32, valid.KeySizeInBytes())

	cases := []struct {
		name string
		cfg  ConfigDTO
	}{
		{"empty algorithm", NewConfigDTO("", 256, nil)},
		{"zero key size", NewConfigDTO("AES-GCM", 0, nil)},
		{"negative key size", NewConfigDTO("AES-GCM", -8, nil)},
		{"ragged key size", NewConfigDTO("AES-GCM", 129, nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, CodeInvalidInput, CodeOf(err))
		})
	}
}

func TestConfigDTO_ValueSemantics(t *testing.T) {
	opts := map[string]string{"mode": "gcm"}
	cfg := NewConfigDTO("AES-GCM", 256, opts)

	opts["mode"] = "cbc"
	v, ok := cfg.Option("mode")
	require.True(t, ok)
	assert.Equal(t, "gcm", v, "constructor must copy the options map")

	derived := cfg.WithOption("purpose", "storage")
	_, ok = cfg.Option("purpose")
	assert.False(t, ok, "WithOption must not mutate the receiver")
	p, _ := derived.Option("purpose")
	assert.Equal(t, "storage", p)
}

func TestConfigDTO_Equal(t *testing.T) {
	a := NewConfigDTO("AES-GCM", 256, map[string]string{"k": "v"})
	b := NewConfigDTO("AES-GCM", 256, map[string]string{"k": "v"})
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(NewConfigDTO("ChaCha20-Poly1305", 256, map[string]string{"k": "v"})))
	assert.False(t, a.Equal(NewConfigDTO("AES-GCM", 128, map[string]string{"k": "v"})))
	assert.False(t, a.Equal(NewConfigDTO("AES-GCM", 256, nil)))

	// nil and empty options compare equal.
	assert.True(t, NewConfigDTO("AES-GCM", 256, nil).Equal(NewConfigDTO("AES-GCM", 256, map[string]string{})))
}

func TestConfigDTO_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := NewConfigDTO(
			rapid.StringMatching(`[A-Za-z0-9-]{1,24}`).Draw(t, "algorithm"),
			rapid.IntRange(1, 1024).Draw(t, "words")*8,
			rapid.MapOfN(
				rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`),
				rapid.String(),
				0, 8,
			).Draw(t, "options"),
		)

		data, err := cfg.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		back, err := DecodeConfigDTO(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if !cfg.Equal(back) {
			t.Fatalf("round trip changed value: %+v -> %+v", cfg, back)
		}
	})
}
