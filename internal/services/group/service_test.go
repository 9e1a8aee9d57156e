package group_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixchat/internal/crypto"
	"matrixchat/internal/domain"
	"matrixchat/internal/event"
	"matrixchat/internal/services/group"
	"matrixchat/internal/store"
)

var dataKey = bytes.Repeat([]byte{0x5e, 0x11}, 16)

const (
	ownUser   = "@alice:server"
	ownDevice = "DEV1"
	roomID    = "!room:server"
)

// fakePW records which devices received which key payloads.
type fakePW struct {
	delivered map[string]map[string]any
}

func (f *fakePW) EncryptFor(ctx context.Context, acct *crypto.Account, device *domain.Device, eventType string, content any) (map[string]any, error) {
	if f.delivered == nil {
		f.delivered = make(map[string]map[string]any)
	}
	f.delivered[device.UserID+"/"+device.ID] = content.(map[string]any)
	return map[string]any{"delivered": true}, nil
}

type noRefresh struct{}

func (noRefresh) UpdateRoomState(ctx context.Context, roomID string) error { return nil }

type sendHS struct {
	domain.Homeserver
	toDevice []string
}

func (s *sendHS) SendToDevice(ctx context.Context, eventType, userID, deviceID string, content any) error {
	s.toDevice = append(s.toDevice, userID+"/"+deviceID)
	return nil
}

type capture struct {
	events []event.Event
}

func (c *capture) Dispatch(ctx context.Context, ev event.Event) error {
	c.events = append(c.events, ev)
	return nil
}

// fixture builds a room with our own device, a verified peer and an
// unverified peer, with the room requiring verification.
func fixture(t *testing.T) (*store.Memory, *crypto.Account, *fakePW, *sendHS, *group.Service) {
	t.Helper()
	st := store.NewMemory()
	acct, err := crypto.NewAccount()
	require.NoError(t, err)

	for _, d := range []struct {
		user, device string
		level        int
	}{
		{ownUser, ownDevice, domain.LevelVerified},
		{"@bob:server", "DEV2", domain.LevelVerified},
		{"@carol:server", "DEV3", domain.LevelUnverified},
	} {
		_, err := st.AddDevice(d.user, d.device)
		require.NoError(t, err)
		require.NoError(t, st.SetDeviceKeys(d.user, d.device, "curve-"+d.device, "ed-"+d.device))
		require.NoError(t, st.SetDeviceVerificationLevel(d.user, d.device, d.level))
		_, err = st.AddMembership(d.user, d.device, roomID)
		require.NoError(t, err)
	}
	require.NoError(t, st.SetRoomEncrypted(roomID))
	require.NoError(t, st.SetRoomVerificationLevel(roomID, domain.LevelVerified))

	pw := &fakePW{}
	hs := &sendHS{}
	svc := group.New(st, hs, pw, noRefresh{}, dataKey, ownUser, ownDevice, logging.NewDefaultLoggerFactory())
	return st, acct, pw, hs, svc
}

func TestEncryptDistributesKeyWithTrustGate(t *testing.T) {
	ctx := context.Background()
	st, acct, pw, hs, svc := fixture(t)

	envelope, err := svc.Encrypt(ctx, acct, roomID, "m.room.message", map[string]any{
		"msgtype": "m.text", "body": "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, group.AlgorithmName, envelope["algorithm"])
	assert.Equal(t, ownDevice, envelope["device_id"])
	assert.NotEmpty(t, envelope["session_id"])
	assert.NotEmpty(t, envelope["ciphertext"])

	// Only the verified peer got the key; the unverified one was skipped.
	assert.Contains(t, pw.delivered, "@bob:server/DEV2")
	assert.NotContains(t, pw.delivered, "@carol:server/DEV3")
	assert.Equal(t, []string{"@bob:server/DEV2"}, hs.toDevice)

	room, err := st.Room(roomID)
	require.NoError(t, err)
	sent := map[string]bool{}
	for _, m := range room.Memberships {
		sent[m.UserID+"/"+m.DeviceID] = m.HaveSentKey
	}
	assert.True(t, sent[ownUser+"/"+ownDevice])
	assert.True(t, sent["@bob:server/DEV2"])
	assert.False(t, sent["@carol:server/DEV3"])
	assert.Equal(t, 1, room.OutboundMessageCount)
}

func TestEncryptReusesSessionUntilRotationCap(t *testing.T) {
	ctx := context.Background()
	st, acct, pw, _, svc := fixture(t)

	first, err := svc.Encrypt(ctx, acct, roomID, "m.room.message", map[string]any{"body": "1"})
	require.NoError(t, err)
	second, err := svc.Encrypt(ctx, acct, roomID, "m.room.message", map[string]any{"body": "2"})
	require.NoError(t, err)
	assert.Equal(t, first["session_id"], second["session_id"])

	// Force the counter past the cap: the next message uses a new session
	// and the sent flags start over.
	room, err := st.Room(roomID)
	require.NoError(t, err)
	require.NoError(t, st.SetRoomOutboundSession(roomID, room.OutboundSessionPickle, 100))
	pw.delivered = nil

	third, err := svc.Encrypt(ctx, acct, roomID, "m.room.message", map[string]any{"body": "3"})
	require.NoError(t, err)
	assert.NotEqual(t, first["session_id"], third["session_id"])
	assert.Contains(t, pw.delivered, "@bob:server/DEV2")

	room, err = st.Room(roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.OutboundMessageCount)
}

func TestOwnMessagesDecryptable(t *testing.T) {
	ctx := context.Background()
	st, acct, _, _, svc := fixture(t)

	envelope, err := svc.Encrypt(ctx, acct, roomID, "m.room.message", map[string]any{
		"msgtype": "m.text", "body": "history",
	})
	require.NoError(t, err)

	// The outbound session was mirrored as our own inbound session.
	_, err = st.InboundGroupSession(envelope["session_id"].(string))
	require.NoError(t, err)

	sink := &capture{}
	err = svc.Decrypt(ctx, &event.Encrypted{
		Base: event.Base{Context: event.Context{
			RoomID: roomID,
			UserID: ownUser,
		}},
		Content: envelope,
	}, sink)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)

	msg, ok := sink.events[0].(*event.Message)
	require.True(t, ok, "expected *event.Message, got %T", sink.events[0])
	assert.Equal(t, "history", msg.Body)
	assert.True(t, msg.Encrypted)
	assert.Equal(t, domain.LevelVerified, msg.VerificationLevel)
}

func TestDecryptUnknownSessionRequestsKey(t *testing.T) {
	ctx := context.Background()
	_, _, _, hs, svc := fixture(t)

	sink := &capture{}
	err := svc.Decrypt(ctx, &event.Encrypted{
		Base: event.Base{Context: event.Context{RoomID: roomID, UserID: "@bob:server"}},
		Content: map[string]any{
			"algorithm":  group.AlgorithmName,
			"session_id": "missing",
			"sender_key": "curve-DEV2",
			"device_id":  "DEV2",
			"ciphertext": "opaque",
		},
	}, sink)
	require.NoError(t, err)
	assert.Empty(t, sink.events)
	// A key request went to the device owning the sender key.
	assert.Equal(t, []string{"@bob:server/DEV2"}, hs.toDevice)
}

func TestHandleRoomKeyRequiresEncryptedChannel(t *testing.T) {
	st, _, _, _, svc := fixture(t)

	err := svc.HandleRoomKey(&event.RoomKey{
		Base: event.Base{Context: event.Context{
			UserID:   "@bob:server",
			DeviceID: "DEV2",
			// Arrived in the clear.
			Encrypted: false,
		}},
		SessionID:  "sess1",
		SessionKey: "whatever",
	})
	require.NoError(t, err)

	_, err = st.InboundGroupSession("sess1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleRoomKeyStoresSession(t *testing.T) {
	st, _, _, _, svc := fixture(t)

	out, err := crypto.NewOutboundGroupSession()
	require.NoError(t, err)
	exported, err := out.Export()
	require.NoError(t, err)

	require.NoError(t, svc.HandleRoomKey(&event.RoomKey{
		Base: event.Base{Context: event.Context{
			UserID:    "@bob:server",
			DeviceID:  "DEV2",
			Encrypted: true,
		}},
		SessionID:  out.ID,
		SessionKey: exported,
	}))

	record, err := st.InboundGroupSession(out.ID)
	require.NoError(t, err)
	assert.Equal(t, "@bob:server", record.UserID)
	assert.Equal(t, "DEV2", record.DeviceID)
}

func TestHandleRoomKeyRequestRedistributes(t *testing.T) {
	ctx := context.Background()
	_, acct, pw, _, svc := fixture(t)

	envelope, err := svc.Encrypt(ctx, acct, roomID, "m.room.message", map[string]any{"body": "x"})
	require.NoError(t, err)
	sessionID := envelope["session_id"].(string)
	pw.delivered = nil

	// A verified device asks again.
	require.NoError(t, svc.HandleRoomKeyRequest(ctx, acct, &event.RoomKeyRequest{
		Base: event.Base{Context: event.Context{
			RoomID: roomID,
			UserID: "@bob:server",
		}},
		Action:             "request",
		RequestingDeviceID: "DEV2",
		SessionID:          sessionID,
	}))
	assert.Contains(t, pw.delivered, "@bob:server/DEV2")

	// An unverified device is refused.
	pw.delivered = nil
	require.NoError(t, svc.HandleRoomKeyRequest(ctx, acct, &event.RoomKeyRequest{
		Base: event.Base{Context: event.Context{
			RoomID: roomID,
			UserID: "@carol:server",
		}},
		Action:             "request",
		RequestingDeviceID: "DEV3",
		SessionID:          sessionID,
	}))
	assert.Empty(t, pw.delivered)
}
