package store_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixchat/internal/domain"
	"matrixchat/internal/store"
)

var dbKey = bytes.Repeat([]byte{0x4c}, 32)

// backends runs a subtest against both storage implementations.
func backends(t *testing.T, run func(t *testing.T, s domain.Storage)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		run(t, store.NewMemory())
	})
	t.Run("sql", func(t *testing.T) {
		s, err := store.OpenSQL(filepath.Join(t.TempDir(), "client.db"), dbKey)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		run(t, s)
	})
}

func TestMembershipIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		for i := 0; i < 3; i++ {
			_, err := s.AddMembership("@bob:server", "DEV2", "!room:server")
			require.NoError(t, err)
		}
		room, err := s.Room("!room:server")
		require.NoError(t, err)
		assert.Len(t, room.Memberships, 1)
	})
}

func TestDeviceLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		_, err := s.AddDevice("@bob:server", "DEV2")
		require.NoError(t, err)
		require.NoError(t, s.SetDeviceKeys("@bob:server", "DEV2", "curve", "ed"))
		require.NoError(t, s.SetDeviceSession("@bob:server", "DEV2", "pickle1"))
		require.NoError(t, s.SetDeviceVerificationLevel("@bob:server", "DEV2", domain.LevelVerified))

		d, err := s.Device("@bob:server", "DEV2")
		require.NoError(t, err)
		assert.Equal(t, "curve", d.Curve25519Key)
		assert.Equal(t, "ed", d.Ed25519Key)
		assert.Equal(t, "pickle1", d.SessionPickle)
		assert.Equal(t, domain.LevelVerified, d.VerificationLevel)

		require.NoError(t, s.RemoveDevice("@bob:server", "DEV2"))
		_, err = s.Device("@bob:server", "DEV2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRemoveDeviceDropsMemberships(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		_, err := s.AddDevice("@bob:server", "DEV2")
		require.NoError(t, err)
		_, err = s.AddMembership("@bob:server", "DEV2", "!room:server")
		require.NoError(t, err)

		require.NoError(t, s.RemoveDevice("@bob:server", "DEV2"))
		room, err := s.Room("!room:server")
		require.NoError(t, err)
		assert.Empty(t, room.Memberships)
	})
}

func TestRoomOutboundSessionTracksCount(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		_, err := s.AddRoom("!room:server")
		require.NoError(t, err)
		require.NoError(t, s.SetRoomOutboundSession("!room:server", "pickle1", 2))

		room, err := s.Room("!room:server")
		require.NoError(t, err)
		assert.Equal(t, 2, room.OutboundMessageCount)
		assert.Equal(t, "pickle1", room.OutboundSessionPickle)

		require.NoError(t, s.SetRoomOutboundSession("!room:server", "pickle2", 0))
		room, err = s.Room("!room:server")
		require.NoError(t, err)
		assert.Equal(t, 0, room.OutboundMessageCount)
		assert.Equal(t, "pickle2", room.OutboundSessionPickle)
	})
}

func TestHaveSentKeyFlags(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		_, err := s.AddMembership("@bob:server", "DEV2", "!room:server")
		require.NoError(t, err)
		_, err = s.AddMembership("@carol:server", "DEV3", "!room:server")
		require.NoError(t, err)

		require.NoError(t, s.SetHaveSentKey("!room:server", "@bob:server", "DEV2"))
		room, err := s.Room("!room:server")
		require.NoError(t, err)
		sent := 0
		for _, m := range room.Memberships {
			if m.HaveSentKey {
				sent++
			}
		}
		assert.Equal(t, 1, sent)

		require.NoError(t, s.ClearHaveSentKeys("!room:server"))
		room, err = s.Room("!room:server")
		require.NoError(t, err)
		for _, m := range room.Memberships {
			assert.False(t, m.HaveSentKey)
		}
	})
}

func TestConfigAndState(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		require.NoError(t, s.SetConfig(domain.Config{
			APIURL:  "https://server",
			DataKey: bytes.Repeat([]byte{0x01}, 32),
		}))
		cfg, err := s.Config()
		require.NoError(t, err)
		assert.Equal(t, "https://server", cfg.APIURL)
		assert.Len(t, cfg.DataKey, 32)

		require.NoError(t, s.SetAccessToken("tok", "@alice:server", "DEV1", "server"))
		require.NoError(t, s.SetSyncToken("cursor"))
		require.NoError(t, s.SetAccountPickle("acct"))

		st, err := s.State()
		require.NoError(t, err)
		assert.Equal(t, "tok", st.AccessToken)
		assert.Equal(t, "@alice:server", st.UserID)
		assert.Equal(t, "DEV1", st.DeviceID)
		assert.Equal(t, "cursor", st.SyncToken)
		assert.Equal(t, "acct", st.AccountPickle)
	})
}

func TestInboundGroupSessionUpsert(t *testing.T) {
	backends(t, func(t *testing.T, s domain.Storage) {
		require.NoError(t, s.SetInboundGroupSession("@bob:server", "DEV2", "sess1", "pickle1"))
		require.NoError(t, s.SetInboundGroupSession("@bob:server", "DEV2", "sess1", "pickle2"))

		igs, err := s.InboundGroupSession("sess1")
		require.NoError(t, err)
		assert.Equal(t, "pickle2", igs.Pickle)
		assert.Equal(t, "@bob:server", igs.UserID)

		_, err = s.InboundGroupSession("missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSQLPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	s, err := store.OpenSQL(path, dbKey)
	require.NoError(t, err)
	_, err = s.AddDevice("@bob:server", "DEV2")
	require.NoError(t, err)
	require.NoError(t, s.SetDeviceKeys("@bob:server", "DEV2", "curve", "ed"))
	require.NoError(t, s.Close())

	s, err = store.OpenSQL(path, dbKey)
	require.NoError(t, err)
	defer s.Close()
	d, err := s.Device("@bob:server", "DEV2")
	require.NoError(t, err)
	assert.Equal(t, "curve", d.Curve25519Key)
}
