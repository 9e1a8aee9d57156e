package crypto

// ExchangeKey is an ephemeral X25519 key pair for short-lived agreements
// outside a session, such as interactive verification.
type ExchangeKey struct {
	priv [32]byte
	pub  [32]byte
}

// NewExchangeKey generates a fresh ephemeral key pair.
func NewExchangeKey() (*ExchangeKey, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	return &ExchangeKey{priv: priv, pub: pub}, nil
}

// Public returns the unpadded-base64 public key.
func (k *ExchangeKey) Public() string { return Encode64(k.pub[:]) }

// Agree computes the shared secret with a peer's unpadded-base64 public key.
func (k *ExchangeKey) Agree(peerPublic string) ([]byte, error) {
	pub, err := Decode64(peerPublic)
	if err != nil {
		return nil, err
	}
	return x25519(k.priv, pub)
}
