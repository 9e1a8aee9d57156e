package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrBadPickle indicates a pickle that cannot be opened with the given key.
var ErrBadPickle = errors.New("crypto: cannot open pickle")

// Pickle serializes v to JSON and seals it under key, returning an unpadded
// base64 blob safe to persist.
func Pickle(v any, key []byte) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crypto: pickle marshal: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("crypto: pickle key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, raw, nil)
	return Encode64(sealed), nil
}

// Unpickle opens a pickle produced by Pickle and decodes it into v.
func Unpickle(pickle string, key []byte, v any) error {
	blob, err := Decode64(pickle)
	if err != nil {
		return fmt.Errorf("crypto: pickle decode: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSize {
		return ErrBadPickle
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("crypto: pickle key: %w", err)
	}
	raw, err := aead.Open(nil, blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return ErrBadPickle
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("crypto: pickle unmarshal: %w", err)
	}
	return nil
}
