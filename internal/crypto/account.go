package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// maxOneTimeKeys bounds the pool of unclaimed one-time keys.
const maxOneTimeKeys = 100

// ErrUnknownOneTimeKey is returned when an inbound pre-key message targets a
// one-time key this account no longer holds.
var ErrUnknownOneTimeKey = errors.New("crypto: unknown one-time key")

type oneTimeKey struct {
	Priv      [32]byte `json:"priv"`
	Pub       [32]byte `json:"pub"`
	Published bool     `json:"published"`
}

// Account is the local device identity: a Curve25519 key for session
// agreement, an Ed25519 key for signing, and a pool of one-time keys.
type Account struct {
	EdPriv      []byte                 `json:"ed_priv"`
	EdPub       []byte                 `json:"ed_pub"`
	XPriv       [32]byte               `json:"x_priv"`
	XPub        [32]byte               `json:"x_pub"`
	OneTimeKeys map[string]*oneTimeKey `json:"one_time_keys"`
	NextKeyID   int                    `json:"next_key_id"`
}

// NewAccount generates a fresh identity.
func NewAccount() (*Account, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	xPriv, xPub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	return &Account{
		EdPriv:      edPriv,
		EdPub:       edPub,
		XPriv:       xPriv,
		XPub:        xPub,
		OneTimeKeys: make(map[string]*oneTimeKey),
	}, nil
}

// UnpickleAccount restores an account persisted with Account.Pickle.
func UnpickleAccount(pickle string, key []byte) (*Account, error) {
	var a Account
	if err := Unpickle(pickle, key, &a); err != nil {
		return nil, err
	}
	if a.OneTimeKeys == nil {
		a.OneTimeKeys = make(map[string]*oneTimeKey)
	}
	return &a, nil
}

// Pickle serializes the account under key.
func (a *Account) Pickle(key []byte) (string, error) { return Pickle(a, key) }

// IdentityKeys returns the public Curve25519 and Ed25519 keys in wire form.
func (a *Account) IdentityKeys() (curve25519Key, ed25519Key string) {
	return Encode64(a.XPub[:]), Encode64(a.EdPub)
}

// Sign signs message with the account's Ed25519 key.
func (a *Account) Sign(message []byte) string {
	return Encode64(ed25519.Sign(ed25519.PrivateKey(a.EdPriv), message))
}

// MaxOneTimeKeys reports the pool capacity.
func (a *Account) MaxOneTimeKeys() int { return maxOneTimeKeys }

// GenerateOneTimeKeys adds count fresh unpublished one-time keys.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for i := 0; i < count; i++ {
		if len(a.OneTimeKeys) >= maxOneTimeKeys {
			return fmt.Errorf("crypto: one-time key pool full (%d)", maxOneTimeKeys)
		}
		priv, pub, err := generateX25519()
		if err != nil {
			return err
		}
		id := fmt.Sprintf("AA%04d", a.NextKeyID)
		a.NextKeyID++
		a.OneTimeKeys[id] = &oneTimeKey{Priv: priv, Pub: pub}
	}
	return nil
}

// UnpublishedOneTimeKeys returns key id to public key for every key not yet
// uploaded.
func (a *Account) UnpublishedOneTimeKeys() map[string]string {
	out := make(map[string]string)
	for id, k := range a.OneTimeKeys {
		if !k.Published {
			out[id] = Encode64(k.Pub[:])
		}
	}
	return out
}

// MarkOneTimeKeysPublished flags every key as uploaded.
func (a *Account) MarkOneTimeKeysPublished() {
	for _, k := range a.OneTimeKeys {
		k.Published = true
	}
}

func generateX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

func x25519(priv [32]byte, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub)
}
