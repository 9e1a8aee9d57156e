// Package syncer drives the client: login, key publication, the sync loop,
// and routing of parsed events to the encryption services.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"

	"matrixchat/internal/canonicaljson"
	"matrixchat/internal/crypto"
	"matrixchat/internal/devicekey"
	"matrixchat/internal/domain"
	"matrixchat/internal/event"
	"matrixchat/internal/services/group"
	"matrixchat/internal/services/pairwise"
	"matrixchat/internal/services/verification"
)

const oneTimeKeyAlgorithm = "signed_curve25519"

// ErrNotLoggedIn is returned by operations that need an access token.
var ErrNotLoggedIn = errors.New("syncer: not logged in")

// Service owns the sync loop and the client's account.
type Service struct {
	store   domain.Storage
	hs      domain.Homeserver
	lf      logging.LoggerFactory
	log     logging.LeveledLogger
	dataKey []byte

	acct     *crypto.Account
	userID   string
	deviceID string
	since    string

	pw  *pairwise.Service
	grp *group.Service
	ver *verification.Service

	// OnMessage is called for every displayable message, decrypted or not.
	OnMessage func(*event.Message)
}

// New loads durable state and prepares the service. A fresh account is
// created and persisted when none exists yet. If a previous login is stored
// the encryption services come up immediately.
func New(st domain.Storage, hs domain.Homeserver, lf logging.LoggerFactory) (*Service, error) {
	cfg, err := st.Config()
	if err != nil {
		return nil, err
	}
	if len(cfg.DataKey) == 0 {
		return nil, errors.New("syncer: client not initialised, no data key")
	}

	s := &Service{
		store:   st,
		hs:      hs,
		lf:      lf,
		log:     lf.NewLogger("syncer"),
		dataKey: cfg.DataKey,
	}

	state, err := st.State()
	if err != nil {
		return nil, err
	}
	if state.AccountPickle == "" {
		s.acct, err = crypto.NewAccount()
		if err != nil {
			return nil, err
		}
		pickle, err := s.acct.Pickle(s.dataKey)
		if err != nil {
			return nil, err
		}
		if err := st.SetAccountPickle(pickle); err != nil {
			return nil, err
		}
	} else {
		s.acct, err = crypto.UnpickleAccount(state.AccountPickle, s.dataKey)
		if err != nil {
			return nil, fmt.Errorf("syncer: restore account: %w", err)
		}
	}

	if state.AccessToken != "" {
		hs.SetAccessToken(state.AccessToken)
		s.since = state.SyncToken
		s.bind(state.UserID, state.DeviceID)
	}
	return s, nil
}

// bind builds the per-login services once the device identity is known.
func (s *Service) bind(userID, deviceID string) {
	s.userID = userID
	s.deviceID = deviceID
	s.pw = pairwise.New(s.store, s.hs, s.dataKey, s.lf)
	s.grp = group.New(s.store, s.hs, s.pw, s, s.dataKey, userID, deviceID, s.lf)
	s.ver = verification.New(s.store, s.hs, userID, deviceID, s.lf)
}

// Verification exposes the verification service so a frontend can install
// prompts and confirm short authentication strings.
func (s *Service) Verification() *verification.Service { return s.ver }

// Account exposes the live account, for confirmation calls that need it.
func (s *Service) Account() *crypto.Account { return s.acct }

// Versions asks the server which API versions it speaks.
func (s *Service) Versions(ctx context.Context) ([]string, error) {
	return s.hs.Versions(ctx)
}

// Login authenticates with a password, persists the session and publishes
// this device's keys.
func (s *Service) Login(ctx context.Context, username, password string) error {
	ok, err := s.hs.CanPasswordLogin(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("syncer: server does not offer password login")
	}
	res, err := s.hs.Login(ctx, username, password, "matrixchat")
	if err != nil {
		return err
	}
	if err := s.store.SetAccessToken(res.AccessToken, res.UserID, res.DeviceID, res.HomeServer); err != nil {
		return err
	}
	s.bind(res.UserID, res.DeviceID)
	s.log.Infof("logged in as %s/%s", res.UserID, res.DeviceID)

	if err := s.UploadDeviceKeys(ctx); err != nil {
		return err
	}
	return s.topUpOneTimeKeys(ctx, 0)
}

// UploadDeviceKeys publishes this device's signed identity keys.
func (s *Service) UploadDeviceKeys(ctx context.Context) error {
	if s.userID == "" {
		return ErrNotLoggedIn
	}
	curve, ed := s.acct.IdentityKeys()
	blob := map[string]any{
		"user_id":    s.userID,
		"device_id":  s.deviceID,
		"algorithms": []string{pairwise.AlgorithmName, group.AlgorithmName},
		"keys": map[string]string{
			"curve25519:" + s.deviceID: curve,
			"ed25519:" + s.deviceID:    ed,
		},
	}
	canonical, err := canonicaljson.CanonicalizeValue(blob)
	if err != nil {
		return err
	}
	blob["signatures"] = map[string]any{
		s.userID: map[string]string{"ed25519:" + s.deviceID: s.acct.Sign(canonical)},
	}
	_, err = s.hs.UploadKeys(ctx, map[string]any{"device_keys": blob})
	return err
}

// topUpOneTimeKeys publishes fresh one-time keys whenever the server holds
// fewer than a quarter of the account's capacity.
func (s *Service) topUpOneTimeKeys(ctx context.Context, published int) error {
	target := s.acct.MaxOneTimeKeys() / 4
	if published >= target {
		return nil
	}
	if err := s.acct.GenerateOneTimeKeys(target - published); err != nil {
		return err
	}

	keys := make(map[string]any)
	for id, pub := range s.acct.UnpublishedOneTimeKeys() {
		body := map[string]any{"key": pub}
		canonical, err := canonicaljson.CanonicalizeValue(body)
		if err != nil {
			return err
		}
		body["signatures"] = map[string]any{
			s.userID: map[string]string{"ed25519:" + s.deviceID: s.acct.Sign(canonical)},
		}
		keys[oneTimeKeyAlgorithm+":"+id] = body
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.hs.UploadKeys(ctx, map[string]any{"one_time_keys": keys}); err != nil {
		return err
	}
	s.acct.MarkOneTimeKeysPublished()

	pickle, err := s.acct.Pickle(s.dataKey)
	if err != nil {
		return err
	}
	return s.store.SetAccountPickle(pickle)
}

// UpdateJoinedRooms records every room this account is joined to and loads
// their state.
func (s *Service) UpdateJoinedRooms(ctx context.Context) error {
	ids, err := s.hs.JoinedRooms(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.store.AddRoom(id); err != nil {
			return err
		}
		if err := s.UpdateRoomState(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRoomState re-fetches one room's full state and dispatches it.
func (s *Service) UpdateRoomState(ctx context.Context, roomID string) error {
	events, err := s.hs.RoomState(ctx, roomID)
	if err != nil {
		return err
	}
	for _, raw := range events {
		if err := s.dispatchRaw(ctx, raw, event.Context{RoomID: roomID}); err != nil {
			return err
		}
	}
	return nil
}

// Join accepts an invite and loads the room.
func (s *Service) Join(ctx context.Context, roomID string) error {
	if err := s.hs.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	if _, err := s.store.AddRoom(roomID); err != nil {
		return err
	}
	return s.UpdateRoomState(ctx, roomID)
}

// Send posts a text message, encrypted when the room requires it.
func (s *Service) Send(ctx context.Context, roomID, text string) error {
	if s.userID == "" {
		return ErrNotLoggedIn
	}
	room, err := s.store.AddRoom(roomID)
	if err != nil {
		return err
	}
	content := map[string]any{"msgtype": "m.text", "body": text}
	if !room.Encrypted {
		_, err := s.hs.SendRoomEvent(ctx, roomID, "m.room.message", content)
		return err
	}
	envelope, err := s.grp.Encrypt(ctx, s.acct, roomID, "m.room.message", content)
	if err != nil {
		return err
	}
	_, err = s.hs.SendRoomEvent(ctx, roomID, "m.room.encrypted", envelope)
	return err
}

// Sync processes exactly one batch. The cursor only advances after the whole
// batch has been handled, so a failure re-delivers the batch.
func (s *Service) Sync(ctx context.Context) error {
	if s.userID == "" {
		return ErrNotLoggedIn
	}
	resp, err := s.hs.Sync(ctx, s.since)
	if err != nil {
		return err
	}

	for roomID := range resp.Joined {
		if _, err := s.store.AddRoom(roomID); err != nil {
			return err
		}
	}
	for roomID, events := range resp.Joined {
		for _, raw := range events {
			if err := s.dispatchRaw(ctx, raw, event.Context{RoomID: roomID}); err != nil {
				return err
			}
		}
	}
	for _, roomID := range resp.Invited {
		s.log.Infof("auto-joining %s", roomID)
		if err := s.Join(ctx, roomID); err != nil {
			return err
		}
	}
	for _, raw := range resp.ToDevice {
		if err := s.dispatchRaw(ctx, raw, event.Context{}); err != nil {
			return err
		}
	}
	// Users who left rooms are re-queried too, which prunes their stale
	// devices.
	affected := append(resp.DeviceListsChanged, resp.DeviceListsLeft...)
	if len(affected) > 0 {
		if err := s.queryDeviceKeys(ctx, affected); err != nil {
			return err
		}
	}
	if err := s.topUpOneTimeKeys(ctx, resp.OneTimeKeyCounts[oneTimeKeyAlgorithm]); err != nil {
		return err
	}

	if err := s.store.SetSyncToken(resp.NextBatch); err != nil {
		return err
	}
	s.since = resp.NextBatch
	return nil
}

// Run loops Sync until the context is cancelled. Transient errors are logged
// and retried after a pause.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := s.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Errorf("sync: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// dispatchRaw parses and routes one wire event. Unknown event types are
// logged and skipped, never fatal.
func (s *Service) dispatchRaw(ctx context.Context, raw []byte, parent event.Context) error {
	ev, err := event.Parse(raw, parent)
	if err != nil {
		if errors.Is(err, event.ErrUnknownType) {
			s.log.Debugf("%v", err)
			return nil
		}
		s.log.Warnf("unparseable event: %v", err)
		return nil
	}
	if ev == nil {
		return nil
	}
	return s.Dispatch(ctx, ev)
}

// Dispatch routes a typed event to its consumer. It is also the sink for
// inner events recovered by the decryption services.
func (s *Service) Dispatch(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case *event.Message:
		if s.OnMessage != nil {
			s.OnMessage(e)
		}
		return nil
	case *event.EncryptionEnabled:
		if e.RoomID == "" {
			return nil
		}
		return s.store.SetRoomEncrypted(e.RoomID)
	case *event.Member:
		return s.handleMember(ctx, e)
	case *event.Encrypted:
		if e.RoomID == "" {
			return s.pw.DecryptToDevice(ctx, s.acct, e, s)
		}
		return s.grp.Decrypt(ctx, e, s)
	case *event.RoomKey:
		return s.grp.HandleRoomKey(e)
	case *event.RoomKeyRequest:
		return s.grp.HandleRoomKeyRequest(ctx, s.acct, e)
	case *event.VerificationStart:
		return s.ver.HandleStart(ctx, e)
	case *event.VerificationAccept:
		return s.ver.HandleAccept(ctx, e)
	case *event.VerificationKey:
		return s.ver.HandleKey(ctx, e)
	case *event.VerificationMac:
		return s.ver.HandleMac(ctx, e)
	case *event.VerificationCancel:
		return s.ver.HandleCancel(e)
	default:
		return nil
	}
}

// handleMember records the member and ties every known device of theirs to
// the room. Users seen for the first time get their keys queried.
func (s *Service) handleMember(ctx context.Context, ev *event.Member) error {
	if ev.UserID == "" {
		return nil
	}
	if _, err := s.store.AddUser(ev.UserID); err != nil {
		return err
	}
	user, err := s.store.User(ev.UserID)
	if err != nil {
		return err
	}
	if len(user.Devices) == 0 {
		if err := s.queryDeviceKeys(ctx, []string{ev.UserID}); err != nil {
			return err
		}
		if user, err = s.store.User(ev.UserID); err != nil {
			return err
		}
	}
	if ev.RoomID == "" {
		return nil
	}
	for _, d := range user.Devices {
		if _, err := s.store.AddMembership(d.UserID, d.ID, ev.RoomID); err != nil {
			return err
		}
	}
	return nil
}

// queryDeviceKeys refreshes the device lists of the given users. Blobs with
// bad signatures or mismatched identifiers are dropped; devices the server
// no longer reports are removed along with their memberships.
func (s *Service) queryDeviceKeys(ctx context.Context, userIDs []string) error {
	resp, err := s.hs.QueryKeys(ctx, userIDs, "")
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		seen := make(map[string]bool)
		for deviceID, raw := range resp[userID] {
			dk, err := devicekey.Parse(raw)
			if err != nil {
				s.log.Warnf("bad device key blob for %s/%s: %v", userID, deviceID, err)
				continue
			}
			if dk.UserID != userID || dk.DeviceID != deviceID {
				s.log.Warnf("device key blob for %s/%s claims %s/%s, dropping",
					userID, deviceID, dk.UserID, dk.DeviceID)
				continue
			}
			if !dk.Validate() {
				s.log.Warnf("invalid device key signature for %s/%s", userID, deviceID)
				continue
			}

			existing, err := s.store.Device(userID, deviceID)
			if err == nil && existing.Ed25519Key != "" && existing.Ed25519Key != dk.Ed25519Key {
				// An identity key never legitimately changes for a device id.
				s.log.Warnf("identity key changed for %s/%s, keeping the old one", userID, deviceID)
				seen[deviceID] = true
				continue
			}
			if _, err := s.store.AddDevice(userID, deviceID); err != nil {
				return err
			}
			if err := s.store.SetDeviceKeys(userID, deviceID, dk.Curve25519Key, dk.Ed25519Key); err != nil {
				return err
			}
			seen[deviceID] = true
		}

		user, err := s.store.User(userID)
		if err != nil {
			continue
		}
		devices := append([]*domain.Device(nil), user.Devices...)
		for _, d := range devices {
			if !seen[d.ID] {
				s.log.Infof("removing stale device %s/%s", userID, d.ID)
				if err := s.store.RemoveDevice(userID, d.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
