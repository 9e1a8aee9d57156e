package crypto_test

import (
	"bytes"
	"testing"

	"matrixchat/internal/crypto"
)

func TestGroupSession_RoundTrip(t *testing.T) {
	out, err := crypto.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	exported, err := out.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	in, err := crypto.ImportInboundGroupSession(exported)
	if err != nil {
		t.Fatalf("ImportInboundGroupSession: %v", err)
	}

	for i, text := range []string{"a", "b", "c"} {
		index, body, err := out.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		if index != uint32(i) {
			t.Fatalf("index = %d, want %d", index, i)
		}
		gotIndex, pt, err := in.Decrypt(body)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if gotIndex != index || string(pt) != text {
			t.Fatalf("got (%d, %q), want (%d, %q)", gotIndex, pt, index, text)
		}
	}
}

func TestGroupSession_OutOfOrderWithinWindow(t *testing.T) {
	out, _ := crypto.NewOutboundGroupSession()
	exported, _ := out.Export()
	in, err := crypto.ImportInboundGroupSession(exported)
	if err != nil {
		t.Fatalf("ImportInboundGroupSession: %v", err)
	}

	_, first, _ := out.Encrypt([]byte("first"))
	_, second, _ := out.Encrypt([]byte("second"))

	if _, pt, err := in.Decrypt(second); err != nil || string(pt) != "second" {
		t.Fatalf("Decrypt second: %v (%q)", err, pt)
	}
	if _, pt, err := in.Decrypt(first); err != nil || string(pt) != "first" {
		t.Fatalf("Decrypt first: %v (%q)", err, pt)
	}
}

func TestGroupSession_LateJoinerCannotReadHistory(t *testing.T) {
	out, _ := crypto.NewOutboundGroupSession()
	_, early, _ := out.Encrypt([]byte("before join"))

	// Export after the first message: the key starts at index 1.
	exported, _ := out.Export()
	in, err := crypto.ImportInboundGroupSession(exported)
	if err != nil {
		t.Fatalf("ImportInboundGroupSession: %v", err)
	}

	if _, _, err := in.Decrypt(early); err == nil {
		t.Fatal("message before first known index must not decrypt")
	}

	_, late, _ := out.Encrypt([]byte("after join"))
	if _, pt, err := in.Decrypt(late); err != nil || string(pt) != "after join" {
		t.Fatalf("Decrypt after join: %v (%q)", err, pt)
	}
}

func TestGroupSession_DistinctSessionsDistinctIDs(t *testing.T) {
	a, _ := crypto.NewOutboundGroupSession()
	b, _ := crypto.NewOutboundGroupSession()
	if a.ID == b.ID {
		t.Fatal("fresh sessions must have distinct ids")
	}
}

func TestGroupSession_PickleRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x2a}, 32)

	out, _ := crypto.NewOutboundGroupSession()
	_, _, _ = out.Encrypt([]byte("advance once"))

	pickle, err := out.Pickle(key)
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := crypto.UnpickleOutboundGroupSession(pickle, key)
	if err != nil {
		t.Fatalf("UnpickleOutboundGroupSession: %v", err)
	}
	if restored.ID != out.ID || restored.NextIndex() != out.NextIndex() {
		t.Fatal("outbound state changed across pickle round trip")
	}

	exported, _ := restored.Export()
	in, _ := crypto.ImportInboundGroupSession(exported)
	inPickle, err := in.Pickle(key)
	if err != nil {
		t.Fatalf("inbound Pickle: %v", err)
	}
	restoredIn, err := crypto.UnpickleInboundGroupSession(inPickle, key)
	if err != nil {
		t.Fatalf("UnpickleInboundGroupSession: %v", err)
	}

	index, body, _ := restored.Encrypt([]byte("post pickle"))
	gotIndex, pt, err := restoredIn.Decrypt(body)
	if err != nil || gotIndex != index || string(pt) != "post pickle" {
		t.Fatalf("Decrypt: %v (%d, %q)", err, gotIndex, pt)
	}
}
