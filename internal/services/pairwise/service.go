// Package pairwise manages one-to-one encrypted channels with individual
// devices: session establishment from claimed one-time keys, to-device
// encryption, and decryption of incoming pairwise envelopes.
package pairwise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/logging"

	"matrixchat/internal/canonicaljson"
	"matrixchat/internal/crypto"
	"matrixchat/internal/domain"
	"matrixchat/internal/event"
	"matrixchat/internal/store"
)

// AlgorithmName identifies the pairwise encryption scheme on the wire.
const AlgorithmName = "m.olm.v1.curve25519-aes-sha2"

// Dispatcher receives the inner events recovered from pairwise envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) error
}

// Service implements the pairwise channel logic.
type Service struct {
	store   domain.Storage
	hs      domain.Homeserver
	dataKey []byte
	log     logging.LeveledLogger
}

// New constructs the pairwise service. dataKey encrypts session pickles at
// rest.
func New(st domain.Storage, hs domain.Homeserver, dataKey []byte, lf logging.LoggerFactory) *Service {
	return &Service{store: st, hs: hs, dataKey: dataKey, log: lf.NewLogger("pairwise")}
}

// EncryptFor encrypts a typed payload for exactly one device, establishing a
// session first if none exists. It returns (nil, nil) when the device has no
// one-time keys left; the caller skips that device.
//
// The session pickle is persisted before the envelope is returned, so a crash
// after sending never loses ratchet state.
func (s *Service) EncryptFor(ctx context.Context, acct *crypto.Account, device *domain.Device, eventType string, content any) (map[string]any, error) {
	session, err := s.sessionFor(ctx, acct, device)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	plaintext, err := canonicaljson.CanonicalizeValue(map[string]any{
		"type":    eventType,
		"content": content,
	})
	if err != nil {
		return nil, err
	}
	msgType, body, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	pickle, err := session.Pickle(s.dataKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDeviceSession(device.UserID, device.ID, pickle); err != nil {
		return nil, err
	}

	ownCurve, _ := acct.IdentityKeys()
	return map[string]any{
		"algorithm":  AlgorithmName,
		"sender_key": ownCurve,
		"ciphertext": map[string]any{
			device.Curve25519Key: map[string]any{
				"type": msgType,
				"body": body,
			},
		},
	}, nil
}

// sessionFor returns the live session with a device, claiming and validating
// a one-time key to create one when absent. nil means no key was available.
func (s *Service) sessionFor(ctx context.Context, acct *crypto.Account, device *domain.Device) (*crypto.Session, error) {
	if device.SessionPickle != "" {
		return crypto.UnpickleSession(device.SessionPickle, s.dataKey)
	}

	claimed, err := s.hs.ClaimOneTimeKey(ctx, device.UserID, device.ID)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		s.log.Warnf("no one-time key available for %s/%s", device.UserID, device.ID)
		return nil, nil
	}
	otk, err := validateClaimedKey(claimed, device)
	if err != nil {
		s.log.Warnf("rejecting claimed key for %s/%s: %v", device.UserID, device.ID, err)
		return nil, nil
	}
	return acct.NewOutboundSession(device.Curve25519Key, otk)
}

// validateClaimedKey checks a claimed one-time key's self-signature against
// the device's Ed25519 key and returns the bare key.
func validateClaimedKey(raw json.RawMessage, device *domain.Device) (string, error) {
	var blob struct {
		Key        string                       `json:"key"`
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return "", err
	}
	sig := blob.Signatures[device.UserID]["ed25519:"+device.ID]
	if blob.Key == "" || sig == "" {
		return "", errors.New("pairwise: claimed key missing key or signature")
	}
	canonical, err := canonicaljson.Strip(raw, "signatures", "unsigned")
	if err != nil {
		return "", err
	}
	if !crypto.VerifySignature(device.Ed25519Key, canonical, sig) {
		return "", errors.New("pairwise: claimed key signature invalid")
	}
	return blob.Key, nil
}

// DecryptToDevice opens a pairwise envelope addressed to this account,
// establishing an inbound session from pre-key material when necessary, and
// dispatches the recovered inner event.
func (s *Service) DecryptToDevice(ctx context.Context, acct *crypto.Account, ev *event.Encrypted, d Dispatcher) error {
	senderKey, _ := ev.Content["sender_key"].(string)
	if senderKey == "" {
		return errors.New("pairwise: envelope without sender_key")
	}
	device, err := s.deviceByCurveKey(senderKey)
	if err != nil {
		s.log.Warnf("envelope from unknown sender key %s, dropping", senderKey)
		return nil
	}

	ownCurve, _ := acct.IdentityKeys()
	msgType, body, err := envelopeFor(ev.Content, ownCurve)
	if err != nil {
		s.log.Debugf("envelope not addressed to us: %v", err)
		return nil
	}

	session, created, err := s.inboundSession(acct, device, msgType, body)
	if err != nil {
		return err
	}
	plaintext, err := session.Decrypt(msgType, body)
	if err != nil {
		return fmt.Errorf("pairwise: decrypt from %s/%s: %w", device.UserID, device.ID, err)
	}
	if created {
		// Session creation consumed a one-time key.
		acctPickle, err := acct.Pickle(s.dataKey)
		if err != nil {
			return err
		}
		if err := s.store.SetAccountPickle(acctPickle); err != nil {
			return err
		}
	}
	pickle, err := session.Pickle(s.dataKey)
	if err != nil {
		return err
	}
	if err := s.store.SetDeviceSession(device.UserID, device.ID, pickle); err != nil {
		return err
	}

	inner, err := innerEvent(plaintext, device)
	if err != nil {
		return err
	}
	if inner == nil {
		return nil
	}
	return d.Dispatch(ctx, inner)
}

func (s *Service) inboundSession(acct *crypto.Account, device *domain.Device, msgType int, body string) (*crypto.Session, bool, error) {
	if device.SessionPickle != "" {
		session, err := crypto.UnpickleSession(device.SessionPickle, s.dataKey)
		if err == nil {
			return session, false, nil
		}
		s.log.Warnf("bad session pickle for %s/%s: %v", device.UserID, device.ID, err)
	}
	if msgType != crypto.MessageTypePreKey {
		return nil, false, errors.New("pairwise: no session and message is not pre-key")
	}
	session, err := acct.NewInboundSession(body)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// envelopeFor extracts the ciphertext addressed to the given identity key.
func envelopeFor(content map[string]any, ownCurve string) (int, string, error) {
	ciphertexts, _ := content["ciphertext"].(map[string]any)
	entry, _ := ciphertexts[ownCurve].(map[string]any)
	if entry == nil {
		return 0, "", errors.New("pairwise: no ciphertext for our identity key")
	}
	msgType, ok := entry["type"].(float64)
	body, ok2 := entry["body"].(string)
	if !ok || !ok2 {
		return 0, "", errors.New("pairwise: malformed ciphertext entry")
	}
	return int(msgType), body, nil
}

// innerEvent parses the decrypted payload as an event attributed to the
// sending device, carrying that device's trust level.
func innerEvent(plaintext []byte, device *domain.Device) (event.Event, error) {
	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("pairwise: inner payload: %w", err)
	}
	raw, err := json.Marshal(map[string]any{
		"type":    inner.Type,
		"sender":  device.UserID,
		"content": inner.Content,
	})
	if err != nil {
		return nil, err
	}
	return event.Parse(raw, event.Context{
		UserID:            device.UserID,
		DeviceID:          device.ID,
		Encrypted:         true,
		VerificationLevel: device.VerificationLevel,
	})
}

// deviceByCurveKey finds the device owning an identity key.
func (s *Service) deviceByCurveKey(curveKey string) (*domain.Device, error) {
	users, err := s.store.Users()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		for _, d := range u.Devices {
			if d.Curve25519Key == curveKey {
				return d, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: device with key %s", store.ErrNotFound, curveKey)
}
