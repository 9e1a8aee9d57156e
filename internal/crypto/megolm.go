package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrUnknownMessageIndex is returned when a group ciphertext predates the
// first index covered by the imported session key.
var ErrUnknownMessageIndex = errors.New("crypto: message index before session start")

type groupMessage struct {
	Index      uint32 `json:"index"`
	Ciphertext string `json:"ciphertext"`
}

type groupExport struct {
	ChainKey string `json:"chain_key"`
	Index    uint32 `json:"index"`
}

// OutboundGroupSession is the sending side of the room group ratchet.
type OutboundGroupSession struct {
	ID       string `json:"id"`
	ChainKey []byte `json:"chain_key"`
	Index    uint32 `json:"index"`
}

// NewOutboundGroupSession creates a fresh group session with a random id.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	ck := make([]byte, 32)
	if _, err := rand.Read(ck); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{ID: Encode64(id), ChainKey: ck}, nil
}

// UnpickleOutboundGroupSession restores a pickled outbound session.
func UnpickleOutboundGroupSession(pickle string, key []byte) (*OutboundGroupSession, error) {
	var s OutboundGroupSession
	if err := Unpickle(pickle, key, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Pickle serializes the session under key.
func (s *OutboundGroupSession) Pickle(key []byte) (string, error) { return Pickle(s, key) }

// NextIndex reports the index the next Encrypt call will use.
func (s *OutboundGroupSession) NextIndex() uint32 { return s.Index }

// Encrypt seals plaintext at the current index and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (uint32, string, error) {
	index := s.Index
	mk := groupMessageKey(s.ChainKey)
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return 0, "", err
	}
	ct := aead.Seal(nil, nonceFor(index), plaintext, nil)
	s.ChainKey = groupAdvance(s.ChainKey)
	s.Index++
	body, err := encodeBody(groupMessage{Index: index, Ciphertext: Encode64(ct)})
	return index, body, err
}

// Export renders the session key at the current ratchet position, the form
// delivered to room members in a room-key event.
func (s *OutboundGroupSession) Export() (string, error) {
	return encodeBody(groupExport{ChainKey: Encode64(s.ChainKey), Index: s.Index})
}

// InboundGroupSession is the receiving side, importable from an Export.
type InboundGroupSession struct {
	FirstKnownIndex uint32 `json:"first_known_index"`
	ChainKey        []byte `json:"chain_key"`
}

// ImportInboundGroupSession builds an inbound session from an exported
// session key.
func ImportInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	var exp groupExport
	if err := decodeBody(sessionKey, &exp); err != nil {
		return nil, err
	}
	ck, err := Decode64(exp.ChainKey)
	if err != nil || len(ck) != 32 {
		return nil, fmt.Errorf("crypto: malformed group session key")
	}
	return &InboundGroupSession{FirstKnownIndex: exp.Index, ChainKey: ck}, nil
}

// UnpickleInboundGroupSession restores a pickled inbound session.
func UnpickleInboundGroupSession(pickle string, key []byte) (*InboundGroupSession, error) {
	var s InboundGroupSession
	if err := Unpickle(pickle, key, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Pickle serializes the session under key.
func (s *InboundGroupSession) Pickle(key []byte) (string, error) { return Pickle(s, key) }

// Decrypt opens a group ciphertext, returning its message index and
// plaintext. The stored ratchet position is not advanced, so out-of-order
// messages at or after the first known index remain decryptable.
func (s *InboundGroupSession) Decrypt(body string) (uint32, []byte, error) {
	var msg groupMessage
	if err := decodeBody(body, &msg); err != nil {
		return 0, nil, err
	}
	if msg.Index < s.FirstKnownIndex {
		return 0, nil, ErrUnknownMessageIndex
	}
	ct, err := Decode64(msg.Ciphertext)
	if err != nil {
		return 0, nil, errBadMessage
	}

	ck := append([]byte(nil), s.ChainKey...)
	for i := s.FirstKnownIndex; i < msg.Index; i++ {
		ck = groupAdvance(ck)
	}
	mk := groupMessageKey(ck)
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return 0, nil, err
	}
	pt, err := aead.Open(nil, nonceFor(msg.Index), ct, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("crypto: group decrypt: %w", err)
	}
	return msg.Index, pt, nil
}

func groupAdvance(ck []byte) []byte {
	h := hmac.New(sha256.New, ck)
	h.Write([]byte("MATRIXCHAT_MEGOLM_RATCHET"))
	return h.Sum(nil)
}

func groupMessageKey(ck []byte) []byte {
	mk := make([]byte, 32)
	r := hkdf.New(sha256.New, ck, nil, []byte("MATRIXCHAT_MEGOLM_KEY"))
	_, _ = io.ReadFull(r, mk)
	return mk
}
