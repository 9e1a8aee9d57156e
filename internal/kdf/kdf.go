// Package kdf provides the HKDF-SHA256 derivation and the MAC construction
// used by the SAS verification protocol.
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey runs HKDF-SHA256 extract-then-expand over the input key material
// and returns length bytes. Deterministic; an empty salt is treated as a
// zero-filled key of hash length, which is HMAC-equivalent.
func DeriveKey(salt, inputKeyMaterial, info []byte, length int) []byte {
	out := make([]byte, length)
	r := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable for absurd lengths (> 255*32 bytes).
		panic(err)
	}
	return out
}

// ComputeMac derives a 32-byte key from secret with the given info string and
// returns the HMAC-SHA256 of message under it. This is the sole MAC
// construction in the verification protocol.
func ComputeMac(secret []byte, message, info string) []byte {
	macKey := DeriveKey(nil, secret, []byte(info), 32)
	h := hmac.New(sha256.New, macKey)
	h.Write([]byte(message))
	return h.Sum(nil)
}
