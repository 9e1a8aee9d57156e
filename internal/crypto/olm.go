package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"matrixchat/internal/util/memzero"
)

// Pairwise message types. A pre-key message carries the bootstrap material
// the receiver needs to build its inbound session.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

const maxSkippedKeys = 256

var (
	// ErrMessageReplay indicates a message index that was already consumed.
	ErrMessageReplay = errors.New("crypto: message key already used")
	errBadMessage    = errors.New("crypto: malformed pairwise message")
)

// preKeyHeader is replayed on every outbound message until the peer replies,
// so a lost first message does not strand the channel.
type preKeyHeader struct {
	IdentityKey string `json:"identity_key"`
	Ephemeral   string `json:"ephemeral"`
	OneTimeKey  string `json:"one_time_key"`
}

type innerMessage struct {
	N          uint32 `json:"n"`
	Ciphertext string `json:"ciphertext"`
}

type preKeyMessage struct {
	preKeyHeader
	Message innerMessage `json:"message"`
}

// Session is one pairwise encrypted channel. Chains advance one step per
// message; a bounded window of skipped message keys tolerates reordering.
type Session struct {
	SendCK    []byte            `json:"send_ck"`
	RecvCK    []byte            `json:"recv_ck"`
	SendN     uint32            `json:"send_n"`
	RecvN     uint32            `json:"recv_n"`
	Skipped   map[uint32][]byte `json:"skipped,omitempty"`
	Bootstrap *preKeyHeader     `json:"bootstrap,omitempty"`
}

// NewOutboundSession establishes a session towards a peer device from its
// identity key and a claimed one-time key (both unpadded base64).
func (a *Account) NewOutboundSession(peerIdentityKey, peerOneTimeKey string) (*Session, error) {
	idPub, err := Decode64(peerIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: peer identity key: %w", err)
	}
	otPub, err := Decode64(peerOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: peer one-time key: %w", err)
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	dh1, err := x25519(a.XPriv, otPub)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519(ephPriv, idPub)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519(ephPriv, otPub)
	if err != nil {
		return nil, err
	}
	sendCK, recvCK := deriveInitialChains(dh1, dh2, dh3, true)

	curve, _ := a.IdentityKeys()
	return &Session{
		SendCK: sendCK,
		RecvCK: recvCK,
		Bootstrap: &preKeyHeader{
			IdentityKey: curve,
			Ephemeral:   Encode64(ephPub[:]),
			OneTimeKey:  peerOneTimeKey,
		},
	}, nil
}

// NewInboundSession builds the mirror session from a received pre-key
// message body. The targeted one-time key is consumed from the pool. The
// caller still decrypts the body through the returned session.
func (a *Account) NewInboundSession(preKeyBody string) (*Session, error) {
	var msg preKeyMessage
	if err := decodeBody(preKeyBody, &msg); err != nil {
		return nil, err
	}

	var used string
	var otk *oneTimeKey
	for id, k := range a.OneTimeKeys {
		if Encode64(k.Pub[:]) == msg.OneTimeKey {
			used, otk = id, k
			break
		}
	}
	if otk == nil {
		return nil, ErrUnknownOneTimeKey
	}

	idPub, err := Decode64(msg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: initiator identity key: %w", err)
	}
	ephPub, err := Decode64(msg.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("crypto: initiator ephemeral key: %w", err)
	}

	dh1, err := x25519(otk.Priv, idPub)
	if err != nil {
		return nil, err
	}
	dh2, err := x25519(a.XPriv, ephPub)
	if err != nil {
		return nil, err
	}
	dh3, err := x25519(otk.Priv, ephPub)
	if err != nil {
		return nil, err
	}
	sendCK, recvCK := deriveInitialChains(dh1, dh2, dh3, false)
	delete(a.OneTimeKeys, used)

	return &Session{SendCK: sendCK, RecvCK: recvCK}, nil
}

// UnpickleSession restores a session persisted with Session.Pickle.
func UnpickleSession(pickle string, key []byte) (*Session, error) {
	var s Session
	if err := Unpickle(pickle, key, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Pickle serializes the session under key.
func (s *Session) Pickle(key []byte) (string, error) { return Pickle(s, key) }

// Encrypt advances the send chain and returns the message type and body.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	mk := advanceChain(&s.SendCK)
	defer memzero.Zero(mk)

	n := s.SendN
	s.SendN++

	inner := innerMessage{N: n, Ciphertext: Encode64(seal(mk, n, plaintext))}
	if s.Bootstrap != nil {
		body, err := encodeBody(preKeyMessage{preKeyHeader: *s.Bootstrap, Message: inner})
		return MessageTypePreKey, body, err
	}
	body, err := encodeBody(inner)
	return MessageTypeNormal, body, err
}

// Decrypt opens a message of the given type, advancing the receive chain and
// retaining a bounded window of skipped message keys.
func (s *Session) Decrypt(messageType int, body string) ([]byte, error) {
	var inner innerMessage
	switch messageType {
	case MessageTypePreKey:
		var msg preKeyMessage
		if err := decodeBody(body, &msg); err != nil {
			return nil, err
		}
		inner = msg.Message
	case MessageTypeNormal:
		if err := decodeBody(body, &inner); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("crypto: unknown message type %d", messageType)
	}

	ct, err := Decode64(inner.Ciphertext)
	if err != nil {
		return nil, errBadMessage
	}

	if inner.N < s.RecvN {
		mk, ok := s.Skipped[inner.N]
		if !ok {
			return nil, ErrMessageReplay
		}
		delete(s.Skipped, inner.N)
		pt, err := open(mk, inner.N, ct)
		memzero.Zero(mk)
		if err != nil {
			return nil, err
		}
		s.Bootstrap = nil
		return pt, nil
	}

	for s.RecvN < inner.N {
		if len(s.Skipped) >= maxSkippedKeys {
			return nil, fmt.Errorf("crypto: skipped-key window exceeded at index %d", inner.N)
		}
		if s.Skipped == nil {
			s.Skipped = make(map[uint32][]byte)
		}
		s.Skipped[s.RecvN] = advanceChain(&s.RecvCK)
		s.RecvN++
	}

	mk := advanceChain(&s.RecvCK)
	defer memzero.Zero(mk)
	s.RecvN++

	pt, err := open(mk, inner.N, ct)
	if err != nil {
		return nil, err
	}
	// Any successful decrypt proves the peer holds the session; stop
	// replaying bootstrap material.
	s.Bootstrap = nil
	return pt, nil
}

// deriveInitialChains splits the triple-DH secret into the two chain keys.
// The initiator sends on the first chain, the responder on the second.
func deriveInitialChains(dh1, dh2, dh3 []byte, initiator bool) (sendCK, recvCK []byte) {
	secret := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	secret = append(secret, dh1...)
	secret = append(secret, dh2...)
	secret = append(secret, dh3...)
	defer memzero.Zero(secret)
	memzero.Zero(dh1)
	memzero.Zero(dh2)
	memzero.Zero(dh3)

	r := hkdf.New(sha256.New, secret, nil, []byte("MATRIXCHAT_OLM_INIT"))
	first := make([]byte, 32)
	second := make([]byte, 32)
	_, _ = io.ReadFull(r, first)
	_, _ = io.ReadFull(r, second)
	if initiator {
		return first, second
	}
	return second, first
}

// advanceChain replaces *ck with the next chain key and returns the message
// key for the current step.
func advanceChain(ck *[]byte) []byte {
	r := hkdf.New(sha256.New, *ck, nil, []byte("MATRIXCHAT_OLM_RATCHET"))
	next := make([]byte, 32)
	mk := make([]byte, 32)
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, mk)
	memzero.Zero(*ck)
	*ck = next
	return mk
}

func seal(mk []byte, n uint32, plaintext []byte) []byte {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		panic(err)
	}
	return aead.Seal(nil, nonceFor(n), plaintext, nil)
}

func open(mk []byte, n uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		panic(err)
	}
	pt, err := aead.Open(nil, nonceFor(n), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: pairwise decrypt: %w", err)
	}
	return pt, nil
}

func nonceFor(n uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], n)
	return nonce
}

func encodeBody(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Encode64(raw), nil
}

func decodeBody(body string, v any) error {
	raw, err := Decode64(body)
	if err != nil {
		return errBadMessage
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadMessage
	}
	return nil
}
