package kdf_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"matrixchat/internal/kdf"
)

// RFC 5869 test case 1 (SHA-256).
func TestDeriveKey_RFC5869Vector(t *testing.T) {
	ikm, _ := hex.DecodeString("0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b")
	salt, _ := hex.DecodeString("000102030405060708090a0b0c")
	info, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9")
	want, _ := hex.DecodeString(
		"3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865")

	got := kdf.DeriveKey(salt, ikm, info, 42)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := kdf.DeriveKey(nil, []byte("secret"), []byte("info"), 6)
	b := kdf.DeriveKey(nil, []byte("secret"), []byte("info"), 6)
	if !bytes.Equal(a, b) {
		t.Fatal("same inputs produced different outputs")
	}
	if len(a) != 6 {
		t.Fatalf("got %d bytes, want 6", len(a))
	}
}

func TestDeriveKey_EmptySaltMatchesZeroSalt(t *testing.T) {
	zero := make([]byte, sha256.Size)
	a := kdf.DeriveKey(nil, []byte("ikm"), []byte("x"), 32)
	b := kdf.DeriveKey(zero, []byte("ikm"), []byte("x"), 32)
	if !bytes.Equal(a, b) {
		t.Fatal("nil salt must equal zero-filled salt")
	}
}

func TestComputeMac(t *testing.T) {
	secret := []byte("shared secret")
	got := kdf.ComputeMac(secret, "message", "info")

	macKey := kdf.DeriveKey(nil, secret, []byte("info"), 32)
	h := hmac.New(sha256.New, macKey)
	h.Write([]byte("message"))
	if !bytes.Equal(got, h.Sum(nil)) {
		t.Fatal("ComputeMac does not match HKDF+HMAC composition")
	}

	other := kdf.ComputeMac(secret, "message", "other info")
	if bytes.Equal(got, other) {
		t.Fatal("different info strings must yield different MACs")
	}
}
