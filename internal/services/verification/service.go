// Package verification implements interactive device verification with short
// authentication strings.
//
// Each handshake is keyed by transaction id and walks start, accept, key,
// mac. A successful handshake promotes the peer device's verification level;
// any protocol violation cancels the transaction. Handshakes idle for more
// than ten minutes are cancelled lazily on the next event.
package verification

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"matrixchat/internal/canonicaljson"
	"matrixchat/internal/crypto"
	"matrixchat/internal/domain"
	"matrixchat/internal/event"
	"matrixchat/internal/kdf"
)

const (
	methodSAS = "m.sas.v1"

	hashSHA256   = "sha256"
	kexCurve     = "curve25519"
	macHKDFHMAC  = "hkdf-hmac-sha256"
	sasModeEmoji = "emoji"

	sessionTimeout = 10 * time.Minute

	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"
)

type session struct {
	txid        string
	otherUser   string
	otherDevice string
	initiator   bool
	createdAt   time.Time

	key            *crypto.ExchangeKey
	startCanonical []byte
	commitment     string
	shared         []byte
	theirKey       string

	keySent  bool
	macSent  bool
	theirMac *event.VerificationMac
}

// Service runs SAS handshakes. Safe for concurrent use.
type Service struct {
	store    domain.Storage
	hs       domain.Homeserver
	userID   string
	deviceID string
	log      logging.LeveledLogger

	// now is replaceable for timeout tests.
	now func() time.Time

	// EmojiPrompt is called when the short authentication string is ready to
	// show to the user. ConfirmSAS continues the handshake.
	EmojiPrompt func(txid, userID, deviceID string, emoji []string)
	// Verified is called after a handshake completes and the peer device has
	// been promoted.
	Verified func(userID, deviceID string)

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs the verification service for the logged-in device.
func New(st domain.Storage, hs domain.Homeserver, userID, deviceID string, lf logging.LoggerFactory) *Service {
	return &Service{
		store:    st,
		hs:       hs,
		userID:   userID,
		deviceID: deviceID,
		log:      lf.NewLogger("verification"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Start initiates a handshake with a device and returns the transaction id.
func (s *Service) Start(ctx context.Context, userID, deviceID string) (string, error) {
	key, err := crypto.NewExchangeKey()
	if err != nil {
		return "", err
	}
	txid := uuid.NewString()
	content := map[string]any{
		"from_device":                  s.deviceID,
		"transaction_id":               txid,
		"method":                       methodSAS,
		"hashes":                       []string{hashSHA256},
		"key_agreement_protocols":      []string{kexCurve},
		"message_authentication_codes": []string{macHKDFHMAC},
		"short_authentication_string":  []string{sasModeEmoji},
	}
	canonical, err := canonicaljson.CanonicalizeValue(content)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[txid] = &session{
		txid:           txid,
		otherUser:      userID,
		otherDevice:    deviceID,
		initiator:      true,
		createdAt:      s.now(),
		key:            key,
		startCanonical: canonical,
	}
	s.mu.Unlock()

	return txid, s.hs.SendToDevice(ctx, "m.key.verification.start", userID, deviceID, content)
}

// HandleStart answers an incoming handshake with a commitment, or cancels it
// when the offered parameters are unsupported.
func (s *Service) HandleStart(ctx context.Context, ev *event.VerificationStart) error {
	if ev.TransactionID == "" || ev.FromDevice == "" {
		return errors.New("verification: start missing ids")
	}
	if !supported(ev) {
		return s.cancel(ctx, ev.UserID, ev.FromDevice, ev.TransactionID,
			"m.unknown_method", "unsupported verification parameters")
	}

	s.mu.Lock()
	if _, exists := s.sessions[ev.TransactionID]; exists {
		// First start wins; duplicates are ignored so a stray retransmit
		// cannot kill a live handshake.
		s.mu.Unlock()
		s.log.Debugf("ignoring duplicate start for %s", ev.TransactionID)
		return nil
	}
	key, err := crypto.NewExchangeKey()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	canonical, err := canonicaljson.Canonicalize(ev.RawContent)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sess := &session{
		txid:           ev.TransactionID,
		otherUser:      ev.UserID,
		otherDevice:    ev.FromDevice,
		createdAt:      s.now(),
		key:            key,
		startCanonical: canonical,
	}
	s.sessions[ev.TransactionID] = sess
	s.mu.Unlock()

	commitment := commitmentFor(key.Public(), canonical)
	return s.hs.SendToDevice(ctx, "m.key.verification.accept", ev.UserID, ev.FromDevice, map[string]any{
		"transaction_id":              ev.TransactionID,
		"method":                      methodSAS,
		"commitment":                  commitment,
		"hash":                        hashSHA256,
		"key_agreement_protocol":      kexCurve,
		"message_authentication_code": macHKDFHMAC,
		"short_authentication_string": []string{sasModeEmoji},
	})
}

func supported(ev *event.VerificationStart) bool {
	return ev.Method == methodSAS &&
		contains(ev.Hashes, hashSHA256) &&
		contains(ev.KeyAgreementProtocols, kexCurve) &&
		contains(ev.MessageAuthenticationCodes, macHKDFHMAC) &&
		contains(ev.ShortAuthenticationString, sasModeEmoji)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// HandleAccept records the responder's commitment and reveals our key.
func (s *Service) HandleAccept(ctx context.Context, ev *event.VerificationAccept) error {
	sess, err := s.lookup(ctx, ev.TransactionID)
	if sess == nil {
		return err
	}
	if !sess.initiator || sess.commitment != "" {
		return s.abort(ctx, sess, "m.unexpected_message", "accept out of order")
	}
	sess.commitment = ev.Commitment
	sess.keySent = true
	return s.hs.SendToDevice(ctx, "m.key.verification.key", sess.otherUser, sess.otherDevice, map[string]any{
		"transaction_id": sess.txid,
		"key":            sess.key.Public(),
	})
}

// HandleKey completes the key exchange. The initiator additionally checks
// the responder's earlier commitment before trusting the revealed key.
func (s *Service) HandleKey(ctx context.Context, ev *event.VerificationKey) error {
	sess, err := s.lookup(ctx, ev.TransactionID)
	if sess == nil {
		return err
	}
	if sess.theirKey != "" {
		return s.abort(ctx, sess, "m.unexpected_message", "key already received")
	}
	if sess.initiator {
		if commitmentFor(ev.Key, sess.startCanonical) != sess.commitment {
			return s.abort(ctx, sess, "m.mismatched_commitment", "commitment does not match revealed key")
		}
	}
	sess.theirKey = ev.Key

	if !sess.keySent {
		sess.keySent = true
		if err := s.hs.SendToDevice(ctx, "m.key.verification.key", sess.otherUser, sess.otherDevice, map[string]any{
			"transaction_id": sess.txid,
			"key":            sess.key.Public(),
		}); err != nil {
			return err
		}
	}

	shared, err := sess.key.Agree(ev.Key)
	if err != nil {
		return s.abort(ctx, sess, "m.invalid_message", "malformed key")
	}
	sess.shared = shared

	sas := kdf.DeriveKey(nil, shared, []byte(s.sasInfo(sess)), 6)
	if s.EmojiPrompt != nil {
		s.EmojiPrompt(sess.txid, sess.otherUser, sess.otherDevice, sasEmoji(sas))
	}
	return nil
}

// sasInfo orders the handshake identities initiator first, so both sides
// derive the same string.
func (s *Service) sasInfo(sess *session) string {
	if sess.initiator {
		return sasInfoPrefix + s.userID + s.deviceID + sess.otherUser + sess.otherDevice + sess.txid
	}
	return sasInfoPrefix + sess.otherUser + sess.otherDevice + s.userID + s.deviceID + sess.txid
}

// ConfirmSAS is called after the user agrees the emoji match. It sends our
// key MACs and, if the peer's have already arrived, finishes the handshake.
func (s *Service) ConfirmSAS(ctx context.Context, acct *crypto.Account, txid string) error {
	sess, err := s.lookup(ctx, txid)
	if sess == nil {
		if err != nil {
			return err
		}
		return fmt.Errorf("verification: unknown transaction %s", txid)
	}
	if sess.shared == nil {
		return errors.New("verification: short string not derived yet")
	}
	if !sess.macSent {
		sess.macSent = true
		if err := s.sendMac(ctx, acct, sess); err != nil {
			return err
		}
	}
	if sess.theirMac != nil {
		return s.finish(ctx, sess)
	}
	return nil
}

func (s *Service) sendMac(ctx context.Context, acct *crypto.Account, sess *session) error {
	_, ownEd := acct.IdentityKeys()
	base := macInfoPrefix + s.userID + s.deviceID + sess.otherUser + sess.otherDevice + sess.txid
	keyID := "ed25519:" + s.deviceID

	macs := map[string]string{
		keyID: crypto.Encode64(kdf.ComputeMac(sess.shared, ownEd, base+keyID)),
	}
	keysMac := crypto.Encode64(kdf.ComputeMac(sess.shared, keyID, base+"KEY_IDS"))

	return s.hs.SendToDevice(ctx, "m.key.verification.mac", sess.otherUser, sess.otherDevice, map[string]any{
		"transaction_id": sess.txid,
		"mac":            macs,
		"keys":           keysMac,
	})
}

// HandleMac stores the peer's MACs and finishes the handshake once the user
// has confirmed the short string on our side.
func (s *Service) HandleMac(ctx context.Context, ev *event.VerificationMac) error {
	sess, err := s.lookup(ctx, ev.TransactionID)
	if sess == nil {
		return err
	}
	if sess.shared == nil {
		return s.abort(ctx, sess, "m.unexpected_message", "mac before key exchange")
	}
	sess.theirMac = ev
	if sess.macSent {
		return s.finish(ctx, sess)
	}
	return nil
}

// finish verifies the peer's MACs and promotes the device.
func (s *Service) finish(ctx context.Context, sess *session) error {
	mac := sess.theirMac
	base := macInfoPrefix + sess.otherUser + sess.otherDevice + s.userID + s.deviceID + sess.txid

	keyIDs := make([]string, 0, len(mac.Macs))
	for id := range mac.Macs {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	wantKeys := crypto.Encode64(kdf.ComputeMac(sess.shared, strings.Join(keyIDs, ","), base+"KEY_IDS"))
	if wantKeys != mac.Keys {
		return s.abort(ctx, sess, "m.key_mismatch", "key list mac mismatch")
	}

	device, err := s.store.Device(sess.otherUser, sess.otherDevice)
	if err != nil {
		return s.abort(ctx, sess, "m.key_mismatch", "unknown device")
	}
	if _, ok := mac.Macs["ed25519:"+sess.otherDevice]; !ok {
		return s.abort(ctx, sess, "m.key_mismatch", "device key mac missing")
	}
	// Every claimed key id must carry a valid MAC, not just the device key.
	for _, id := range keyIDs {
		want := crypto.Encode64(kdf.ComputeMac(sess.shared, device.Ed25519Key, base+id))
		if mac.Macs[id] != want {
			return s.abort(ctx, sess, "m.key_mismatch", "device key mac mismatch")
		}
	}

	if err := s.store.SetDeviceVerificationLevel(sess.otherUser, sess.otherDevice, domain.LevelVerified); err != nil {
		return err
	}
	s.drop(sess.txid)
	s.log.Infof("verified %s/%s", sess.otherUser, sess.otherDevice)
	if s.Verified != nil {
		s.Verified(sess.otherUser, sess.otherDevice)
	}
	return nil
}

// HandleCancel tears down a handshake the peer aborted.
func (s *Service) HandleCancel(ev *event.VerificationCancel) error {
	s.drop(ev.TransactionID)
	s.log.Infof("verification %s cancelled by peer: %s (%s)", ev.TransactionID, ev.Reason, ev.Code)
	return nil
}

// lookup fetches a live session, expiring it first when it has been idle too
// long. A nil session with nil error means the event should be ignored.
func (s *Service) lookup(ctx context.Context, txid string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[txid]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if s.now().Sub(sess.createdAt) > sessionTimeout {
		return nil, s.abort(ctx, sess, "m.timeout", "verification timed out")
	}
	return sess, nil
}

func (s *Service) abort(ctx context.Context, sess *session, code, reason string) error {
	s.drop(sess.txid)
	return s.cancel(ctx, sess.otherUser, sess.otherDevice, sess.txid, code, reason)
}

func (s *Service) cancel(ctx context.Context, userID, deviceID, txid, code, reason string) error {
	s.log.Infof("cancelling verification %s: %s", txid, reason)
	return s.hs.SendToDevice(ctx, "m.key.verification.cancel", userID, deviceID, map[string]any{
		"transaction_id": txid,
		"code":           code,
		"reason":         reason,
	})
}

func (s *Service) drop(txid string) {
	s.mu.Lock()
	delete(s.sessions, txid)
	s.mu.Unlock()
}

func commitmentFor(publicKey string, startCanonical []byte) string {
	sum := sha256.Sum256(append([]byte(publicKey), startCanonical...))
	return crypto.Encode64(sum[:])
}
