package crypto_test

import (
	"bytes"
	"testing"

	"matrixchat/internal/crypto"
)

var pickleKey = bytes.Repeat([]byte{0x17}, 32)

// establish builds a live channel between two accounts: alice outbound,
// bob inbound from alice's first pre-key message.
func establish(t *testing.T) (alice, bob *crypto.Account, out *crypto.Session) {
	t.Helper()
	alice, err := crypto.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	bob, err = crypto.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var otkPub string
	for _, pub := range bob.UnpublishedOneTimeKeys() {
		otkPub = pub
	}
	bobCurve, _ := bob.IdentityKeys()
	out, err = alice.NewOutboundSession(bobCurve, otkPub)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	return alice, bob, out
}

func TestPairwiseRoundTrip_ThreeMessages(t *testing.T) {
	_, bob, out := establish(t)

	msgType, body, err := out.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if msgType != crypto.MessageTypePreKey {
		t.Fatalf("first message type = %d, want pre-key", msgType)
	}

	in, err := bob.NewInboundSession(body)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	pt, err := in.Decrypt(msgType, body)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "first" {
		t.Fatalf("got %q, want %q", pt, "first")
	}

	// The ratchet must advance across consecutive messages in both
	// directions.
	for i, text := range []string{"second", "third"} {
		mt, b, err := out.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		got, err := in.Decrypt(mt, b)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if string(got) != text {
			t.Fatalf("got %q, want %q", got, text)
		}
	}

	mt, b, err := in.Encrypt([]byte("reply"))
	if err != nil {
		t.Fatalf("reply Encrypt: %v", err)
	}
	if mt != crypto.MessageTypeNormal {
		t.Fatalf("reply type = %d, want normal", mt)
	}
	got, err := out.Decrypt(mt, b)
	if err != nil {
		t.Fatalf("reply Decrypt: %v", err)
	}
	if string(got) != "reply" {
		t.Fatalf("got %q, want %q", got, "reply")
	}
}

func TestPairwise_BootstrapRepeatedUntilReply(t *testing.T) {
	_, bob, out := establish(t)

	t1, b1, err := out.Encrypt([]byte("one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	t2, b2, err := out.Encrypt([]byte("two"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if t1 != crypto.MessageTypePreKey || t2 != crypto.MessageTypePreKey {
		t.Fatal("bootstrap material must be replayed until the peer replies")
	}

	// Bob can build the session from the second message alone.
	in, err := bob.NewInboundSession(b2)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := in.Decrypt(t2, b2); err != nil {
		t.Fatalf("Decrypt two: %v", err)
	}
	// And the skipped first message still opens.
	if pt, err := in.Decrypt(t1, b1); err != nil || string(pt) != "one" {
		t.Fatalf("Decrypt one: %v (%q)", err, pt)
	}
}

func TestPairwise_ReplayRejected(t *testing.T) {
	_, bob, out := establish(t)

	mt, body, err := out.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	in, err := bob.NewInboundSession(body)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := in.Decrypt(mt, body); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if _, err := in.Decrypt(mt, body); err == nil {
		t.Fatal("second decrypt of the same message must fail")
	}
}

func TestPairwise_OneTimeKeyConsumed(t *testing.T) {
	_, bob, out := establish(t)
	_, body, err := out.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := bob.NewInboundSession(body); err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := bob.NewInboundSession(body); err == nil {
		t.Fatal("one-time key must be consumed by session creation")
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	_, bob, out := establish(t)

	mt, body, err := out.Encrypt([]byte("before pickle"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	in, err := bob.NewInboundSession(body)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := in.Decrypt(mt, body); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	pickle, err := in.Pickle(pickleKey)
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := crypto.UnpickleSession(pickle, pickleKey)
	if err != nil {
		t.Fatalf("UnpickleSession: %v", err)
	}

	mt2, b2, err := out.Encrypt([]byte("after pickle"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := restored.Decrypt(mt2, b2)
	if err != nil {
		t.Fatalf("restored Decrypt: %v", err)
	}
	if string(pt) != "after pickle" {
		t.Fatalf("got %q", pt)
	}

	if _, err := crypto.UnpickleSession(pickle, bytes.Repeat([]byte{0x01}, 32)); err == nil {
		t.Fatal("unpickle with the wrong key must fail")
	}
}

func TestAccountPickleRoundTrip(t *testing.T) {
	a, err := crypto.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := a.GenerateOneTimeKeys(3); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	a.MarkOneTimeKeysPublished()

	pickle, err := a.Pickle(pickleKey)
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	b, err := crypto.UnpickleAccount(pickle, pickleKey)
	if err != nil {
		t.Fatalf("UnpickleAccount: %v", err)
	}
	ac, ae := a.IdentityKeys()
	bc, be := b.IdentityKeys()
	if ac != bc || ae != be {
		t.Fatal("identity keys changed across pickle round trip")
	}
	if len(b.UnpublishedOneTimeKeys()) != 0 {
		t.Fatal("published flags lost across pickle round trip")
	}

	msg := []byte("sign me")
	if !crypto.VerifySignature(be, msg, b.Sign(msg)) {
		t.Fatal("signature from restored account does not verify")
	}
}
