package crypto

import (
	"encoding/base64"
	"strings"
)

// Encode64 renders b as unpadded standard base64, the wire form for keys,
// signatures and session exports.
func Encode64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// Decode64 accepts padded or unpadded standard base64.
func Decode64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
