package devicekey_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixchat/internal/canonicaljson"
	"matrixchat/internal/crypto"
	"matrixchat/internal/devicekey"
)

// signedBlob builds a device key blob self-signed by a fresh account.
func signedBlob(t *testing.T) []byte {
	t.Helper()

	acct, err := crypto.NewAccount()
	require.NoError(t, err)
	curve, ed := acct.IdentityKeys()

	body := map[string]any{
		"user_id":    "@alice:server",
		"device_id":  "DEV1",
		"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		"keys": map[string]string{
			"curve25519:DEV1": curve,
			"ed25519:DEV1":    ed,
		},
	}
	canonical, err := canonicaljson.CanonicalizeValue(body)
	require.NoError(t, err)

	body["signatures"] = map[string]map[string]string{
		"@alice:server": {"ed25519:DEV1": acct.Sign(canonical)},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestParseAndValidate(t *testing.T) {
	raw := signedBlob(t)

	dk, err := devicekey.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "@alice:server", dk.UserID)
	assert.Equal(t, "DEV1", dk.DeviceID)
	assert.NotEmpty(t, dk.Curve25519Key)
	assert.NotEmpty(t, dk.Ed25519Key)
	assert.True(t, dk.Validate())
}

func TestValidateRejectsAnyMutation(t *testing.T) {
	raw := signedBlob(t)
	dk, err := devicekey.Parse(raw)
	require.NoError(t, err)

	canonical, err := dk.CanonicalData()
	require.NoError(t, err)

	// Flipping any byte of the signed portion must break validation.
	// Mutate through the canonical form's fields via the full blob: change
	// each structural field and re-validate.
	for _, mutate := range []func(m map[string]any){
		func(m map[string]any) { m["user_id"] = "@mallory:server" },
		func(m map[string]any) { m["device_id"] = "DEV2" },
		func(m map[string]any) { m["algorithms"] = []string{"m.olm.v1.curve25519-aes-sha2"} },
		func(m map[string]any) {
			keys := m["keys"].(map[string]any)
			keys["curve25519:DEV1"] = keys["ed25519:DEV1"]
		},
	} {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		mutate(m)
		mutated, err := json.Marshal(m)
		require.NoError(t, err)

		mdk, err := devicekey.Parse(mutated)
		if err != nil {
			continue
		}
		assert.False(t, mdk.Validate(), "mutated blob must not validate")
	}

	// Sanity: the untouched canonical form is stable.
	again, err := dk.CanonicalData()
	require.NoError(t, err)
	assert.Equal(t, canonical, again)
}

func TestParseRejectsMissingSignature(t *testing.T) {
	raw := signedBlob(t)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	delete(m, "signatures")
	mutated, _ := json.Marshal(m)

	_, err := devicekey.Parse(mutated)
	assert.ErrorIs(t, err, devicekey.ErrMalformed)
}

func TestCanonicalDataStripsSignatures(t *testing.T) {
	dk, err := devicekey.Parse(signedBlob(t))
	require.NoError(t, err)

	data, err := dk.CanonicalData()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "signatures")
}
