package crypto

import "crypto/ed25519"

// VerifySignature checks an unpadded-base64 Ed25519 signature over message.
// Any malformed input counts as a failed verification.
func VerifySignature(ed25519Key string, message []byte, signature string) bool {
	pub, err := Decode64(ed25519Key)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := Decode64(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
