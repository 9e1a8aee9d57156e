// Package devicekey parses and validates signed device key blobs.
//
// A blob is only usable if its Ed25519 self-signature verifies over the
// canonical form of the blob with signatures and unsigned data stripped.
// Every parse or verification failure is treated as an invalid key.
package devicekey

import (
	"encoding/json"
	"errors"
	"fmt"

	"matrixchat/internal/canonicaljson"
	"matrixchat/internal/crypto"
)

// ErrMalformed is returned when a blob is missing identity, keys or the
// self-signature.
var ErrMalformed = errors.New("devicekey: malformed device key blob")

// DeviceKey is a parsed device key blob together with the raw bytes it was
// parsed from.
type DeviceKey struct {
	UserID        string
	DeviceID      string
	Algorithms    []string
	Curve25519Key string
	Ed25519Key    string
	Signature     string

	raw []byte
}

type wireDeviceKey struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures"`
}

// Parse decodes a device key blob. Key and signature names are positional:
// "curve25519:<device>" and "ed25519:<device>" under the owning user.
func Parse(raw []byte) (*DeviceKey, error) {
	var w wireDeviceKey
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("devicekey: parse: %w", err)
	}
	if w.UserID == "" || w.DeviceID == "" {
		return nil, ErrMalformed
	}

	dk := &DeviceKey{
		UserID:        w.UserID,
		DeviceID:      w.DeviceID,
		Algorithms:    w.Algorithms,
		Curve25519Key: w.Keys["curve25519:"+w.DeviceID],
		Ed25519Key:    w.Keys["ed25519:"+w.DeviceID],
		raw:           append([]byte(nil), raw...),
	}
	if sigs, ok := w.Signatures[w.UserID]; ok {
		dk.Signature = sigs["ed25519:"+w.DeviceID]
	}
	if dk.Curve25519Key == "" || dk.Ed25519Key == "" || dk.Signature == "" {
		return nil, ErrMalformed
	}
	return dk, nil
}

// CanonicalData renders the signed portion of the blob: canonical JSON with
// the signatures and unsigned members removed.
func (dk *DeviceKey) CanonicalData() ([]byte, error) {
	stripped, err := canonicaljson.Strip(dk.raw, "signatures", "unsigned")
	if err != nil {
		return nil, fmt.Errorf("devicekey: canonicalize: %w", err)
	}
	return stripped, nil
}

// Validate reports whether the blob's self-signature verifies under its own
// Ed25519 key. It fails closed.
func (dk *DeviceKey) Validate() bool {
	data, err := dk.CanonicalData()
	if err != nil {
		return false
	}
	return crypto.VerifySignature(dk.Ed25519Key, data, dk.Signature)
}
