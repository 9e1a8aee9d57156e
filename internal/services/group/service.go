// Package group manages room-level encryption: outbound group session
// lifecycle and rotation, trust-gated key distribution, and decryption of
// group ciphertexts with received session keys.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/logging"

	"matrixchat/internal/crypto"
	"matrixchat/internal/domain"
	"matrixchat/internal/event"
)

// AlgorithmName identifies the group encryption scheme on the wire.
const AlgorithmName = "m.megolm.v1.aes-sha2"

// rotationCap is the number of messages an outbound session encrypts before
// it is replaced.
const rotationCap = 100

// Dispatcher receives the inner events recovered from group ciphertexts.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) error
}

// Encrypter is the pairwise channel used to deliver session keys.
type Encrypter interface {
	EncryptFor(ctx context.Context, acct *crypto.Account, device *domain.Device, eventType string, content any) (map[string]any, error)
}

// RoomRefresher re-fetches a room's membership before key distribution.
type RoomRefresher interface {
	UpdateRoomState(ctx context.Context, roomID string) error
}

// Service implements group encryption for rooms.
type Service struct {
	store     domain.Storage
	hs        domain.Homeserver
	pw        Encrypter
	refresher RoomRefresher
	dataKey   []byte
	userID    string
	deviceID  string
	log       logging.LeveledLogger
}

// New constructs the group service for the logged-in device.
func New(st domain.Storage, hs domain.Homeserver, pw Encrypter, refresher RoomRefresher,
	dataKey []byte, userID, deviceID string, lf logging.LoggerFactory) *Service {
	return &Service{
		store:     st,
		hs:        hs,
		pw:        pw,
		refresher: refresher,
		dataKey:   dataKey,
		userID:    userID,
		deviceID:  deviceID,
		log:       lf.NewLogger("group"),
	}
}

// Encrypt seals a typed payload under the room's outbound session, rotating
// and distributing a fresh session when needed. The returned envelope is the
// content of an encrypted room event.
func (s *Service) Encrypt(ctx context.Context, acct *crypto.Account, roomID, eventType string, content any) (map[string]any, error) {
	session, err := s.outboundSession(ctx, acct, roomID)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(map[string]any{
		"type":    eventType,
		"content": content,
		"room_id": roomID,
	})
	if err != nil {
		return nil, err
	}
	_, body, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	pickle, err := session.Pickle(s.dataKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetRoomOutboundSession(roomID, pickle, int(session.NextIndex())); err != nil {
		return nil, err
	}

	ownCurve, _ := acct.IdentityKeys()
	return map[string]any{
		"algorithm":  AlgorithmName,
		"sender_key": ownCurve,
		"device_id":  s.deviceID,
		"session_id": session.ID,
		"ciphertext": body,
	}, nil
}

// outboundSession loads the room's current session, creating and
// distributing a new one when the room has none or the rotation cap is hit.
func (s *Service) outboundSession(ctx context.Context, acct *crypto.Account, roomID string) (*crypto.OutboundGroupSession, error) {
	room, err := s.store.Room(roomID)
	if err != nil {
		return nil, err
	}
	if room.OutboundSessionPickle != "" && room.OutboundMessageCount < rotationCap {
		return crypto.UnpickleOutboundGroupSession(room.OutboundSessionPickle, s.dataKey)
	}

	session, err := crypto.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	s.log.Infof("rotating group session for %s (count %d)", roomID, room.OutboundMessageCount)

	pickle, err := session.Pickle(s.dataKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetRoomOutboundSession(roomID, pickle, 0); err != nil {
		return nil, err
	}
	// A fresh session has been delivered to nobody yet.
	if err := s.store.ClearHaveSentKeys(roomID); err != nil {
		return nil, err
	}

	// Keep our own inbound copy so we can read our history back.
	if err := s.storeOwnInbound(session); err != nil {
		return nil, err
	}

	if err := s.distributeKey(ctx, acct, roomID, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) storeOwnInbound(session *crypto.OutboundGroupSession) error {
	exported, err := session.Export()
	if err != nil {
		return err
	}
	inbound, err := crypto.ImportInboundGroupSession(exported)
	if err != nil {
		return err
	}
	pickle, err := inbound.Pickle(s.dataKey)
	if err != nil {
		return err
	}
	return s.store.SetInboundGroupSession(s.userID, s.deviceID, session.ID, pickle)
}

// distributeKey delivers the session key to every room member device whose
// trust level meets the room's minimum. Devices below the bar, and devices
// without one-time keys, are skipped.
func (s *Service) distributeKey(ctx context.Context, acct *crypto.Account, roomID string, session *crypto.OutboundGroupSession) error {
	if err := s.refresher.UpdateRoomState(ctx, roomID); err != nil {
		return err
	}
	room, err := s.store.Room(roomID)
	if err != nil {
		return err
	}
	exported, err := session.Export()
	if err != nil {
		return err
	}
	keyContent := map[string]any{
		"algorithm":   AlgorithmName,
		"room_id":     roomID,
		"session_id":  session.ID,
		"session_key": exported,
		"chain_index": session.NextIndex(),
	}

	for _, m := range room.Memberships {
		if m.HaveSentKey {
			continue
		}
		if m.UserID == s.userID && m.DeviceID == s.deviceID {
			if err := s.store.SetHaveSentKey(roomID, m.UserID, m.DeviceID); err != nil {
				return err
			}
			continue
		}
		device, err := s.store.Device(m.UserID, m.DeviceID)
		if err != nil {
			s.log.Warnf("membership without device record %s/%s: %v", m.UserID, m.DeviceID, err)
			continue
		}
		if device.VerificationLevel < room.VerificationLevel {
			s.log.Debugf("withholding key from %s/%s: level %d < room %d",
				device.UserID, device.ID, device.VerificationLevel, room.VerificationLevel)
			continue
		}
		if err := s.sendKeyTo(ctx, acct, device, keyContent); err != nil {
			return err
		}
		if err := s.store.SetHaveSentKey(roomID, m.UserID, m.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sendKeyTo(ctx context.Context, acct *crypto.Account, device *domain.Device, keyContent map[string]any) error {
	envelope, err := s.pw.EncryptFor(ctx, acct, device, "m.room_key", keyContent)
	if err != nil {
		return err
	}
	if envelope == nil {
		s.log.Warnf("cannot deliver room key to %s/%s, no session", device.UserID, device.ID)
		return nil
	}
	return s.hs.SendToDevice(ctx, "m.room.encrypted", device.UserID, device.ID, envelope)
}

// HandleRoomKey stores a received session key. Keys that did not arrive over
// an encrypted pairwise channel are discarded: an unauthenticated key could
// attribute messages to a device the sender does not own.
func (s *Service) HandleRoomKey(ev *event.RoomKey) error {
	if !ev.Encrypted {
		s.log.Warnf("discarding unencrypted room key for session %s from %s", ev.SessionID, ev.UserID)
		return nil
	}
	if ev.SessionID == "" || ev.SessionKey == "" {
		return errors.New("group: room key missing session id or key")
	}
	inbound, err := crypto.ImportInboundGroupSession(ev.SessionKey)
	if err != nil {
		return fmt.Errorf("group: import session %s: %w", ev.SessionID, err)
	}
	pickle, err := inbound.Pickle(s.dataKey)
	if err != nil {
		return err
	}
	return s.store.SetInboundGroupSession(ev.UserID, ev.DeviceID, ev.SessionID, pickle)
}

// HandleRoomKeyRequest re-delivers our own outbound session to a single
// requesting device, subject to the same trust gate as initial distribution.
func (s *Service) HandleRoomKeyRequest(ctx context.Context, acct *crypto.Account, ev *event.RoomKeyRequest) error {
	if ev.Action != "request" {
		return nil
	}
	room, err := s.store.Room(ev.RoomID)
	if err != nil {
		s.log.Debugf("key request for unknown room %s", ev.RoomID)
		return nil
	}
	if room.OutboundSessionPickle == "" {
		return nil
	}
	session, err := crypto.UnpickleOutboundGroupSession(room.OutboundSessionPickle, s.dataKey)
	if err != nil {
		return err
	}
	if session.ID != ev.SessionID {
		return nil
	}
	device, err := s.store.Device(ev.UserID, ev.RequestingDeviceID)
	if err != nil {
		s.log.Warnf("key request from unknown device %s/%s", ev.UserID, ev.RequestingDeviceID)
		return nil
	}
	if device.VerificationLevel < room.VerificationLevel {
		s.log.Infof("refusing key request from %s/%s below room level", device.UserID, device.ID)
		return nil
	}

	exported, err := session.Export()
	if err != nil {
		return err
	}
	return s.sendKeyTo(ctx, acct, device, map[string]any{
		"algorithm":   AlgorithmName,
		"room_id":     ev.RoomID,
		"session_id":  session.ID,
		"session_key": exported,
		"chain_index": session.NextIndex(),
	})
}

// RequestRoomKey asks the device owning senderKey to re-share a session we
// cannot decrypt with.
func (s *Service) RequestRoomKey(ctx context.Context, roomID, senderKey, sessionID string) error {
	device, err := s.deviceByCurveKey(senderKey)
	if err != nil {
		s.log.Debugf("cannot request session %s, sender key unknown", sessionID)
		return nil
	}
	content := map[string]any{
		"action":               "request",
		"request_id":           sessionID,
		"requesting_device_id": s.deviceID,
		"body": map[string]any{
			"room_id":    roomID,
			"algorithm":  AlgorithmName,
			"sender_key": senderKey,
			"session_id": sessionID,
		},
	}
	return s.hs.SendToDevice(ctx, "m.room_key_request", device.UserID, device.ID, content)
}

// Decrypt opens a group ciphertext and dispatches the inner event with the
// supplying device as trust anchor. Messages under unknown sessions trigger a
// key request and are dropped.
//
// TODO: track the highest index decrypted per session so a homeserver cannot
// replay old ciphertexts.
func (s *Service) Decrypt(ctx context.Context, ev *event.Encrypted, d Dispatcher) error {
	sessionID, _ := ev.Content["session_id"].(string)
	body, _ := ev.Content["ciphertext"].(string)
	senderKey, _ := ev.Content["sender_key"].(string)
	if sessionID == "" || body == "" {
		return errors.New("group: malformed encrypted event")
	}

	record, err := s.store.InboundGroupSession(sessionID)
	if err != nil {
		s.log.Infof("no key for session %s, requesting", sessionID)
		return s.RequestRoomKey(ctx, ev.RoomID, senderKey, sessionID)
	}
	inbound, err := crypto.UnpickleInboundGroupSession(record.Pickle, s.dataKey)
	if err != nil {
		return err
	}
	_, plaintext, err := inbound.Decrypt(body)
	if err != nil {
		return fmt.Errorf("group: decrypt session %s: %w", sessionID, err)
	}

	trust := domain.LevelUnverified
	if supplier, err := s.store.Device(record.UserID, record.DeviceID); err == nil {
		trust = supplier.VerificationLevel
	}

	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  string          `json:"room_id"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return fmt.Errorf("group: inner payload: %w", err)
	}
	raw, err := json.Marshal(map[string]any{
		"type":    inner.Type,
		"sender":  ev.UserID,
		"content": inner.Content,
	})
	if err != nil {
		return err
	}
	parsed, err := event.Parse(raw, event.Context{
		RoomID:            ev.RoomID,
		UserID:            ev.UserID,
		DeviceID:          record.DeviceID,
		Encrypted:         true,
		VerificationLevel: trust,
	})
	if err != nil || parsed == nil {
		return err
	}
	return d.Dispatch(ctx, parsed)
}

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
	return nil, fmt.Errorf("group: no device with key %s", curveKey)
}
