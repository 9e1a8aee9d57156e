package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"matrixchat/internal/domain"
)

var createStmts = []string{
	`CREATE TABLE IF NOT EXISTS config (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		api_url  TEXT NOT NULL DEFAULT '',
		data_key BLOB NOT NULL DEFAULT x''
	)`,
	`CREATE TABLE IF NOT EXISTS state (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		access_token   TEXT NOT NULL DEFAULT '',
		sync_token     TEXT NOT NULL DEFAULT '',
		account_pickle TEXT NOT NULL DEFAULT '',
		home_server    TEXT NOT NULL DEFAULT '',
		user_id        TEXT NOT NULL DEFAULT '',
		device_id      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id                 TEXT PRIMARY KEY,
		encrypted               INTEGER NOT NULL DEFAULT 0,
		outbound_session_pickle TEXT NOT NULL DEFAULT '',
		outbound_message_count  INTEGER NOT NULL DEFAULT 0,
		verification_level      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		user_id            TEXT NOT NULL,
		device_id          TEXT NOT NULL,
		curve25519_key     TEXT NOT NULL DEFAULT '',
		ed25519_key        TEXT NOT NULL DEFAULT '',
		session_pickle     TEXT NOT NULL DEFAULT '',
		verification_level INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		room_id       TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		device_id     TEXT NOT NULL,
		have_sent_key INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, user_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS inbound_group_sessions (
		session_id TEXT PRIMARY KEY,
		pickle     TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		device_id  TEXT NOT NULL
	)`,
}

// SQL is the durable Storage backed by an encrypted SQLite file.
type SQL struct {
	db *sql.DB
}

var _ domain.Storage = (*SQL)(nil)

// OpenSQL opens (creating if necessary) the database at path, encrypted under
// key. A wrong key surfaces as an open error.
func OpenSQL(path string, key []byte) (*SQL, error) {
	dsn := path + fmt.Sprintf("?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	for _, stmt := range createStmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: create schema: %w", err)
		}
	}
	for _, stmt := range []string{
		`INSERT OR IGNORE INTO config (id) VALUES (1)`,
		`INSERT OR IGNORE INTO state (id) VALUES (1)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: seed singletons: %w", err)
		}
	}
	return &SQL{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Rooms() ([]*domain.Room, error) {
	rows, err := s.db.Query(`SELECT room_id, encrypted, outbound_session_pickle,
		outbound_message_count, verification_level FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		r := &domain.Room{}
		if err := rows.Scan(&r.ID, &r.Encrypted, &r.OutboundSessionPickle,
			&r.OutboundMessageCount, &r.VerificationLevel); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range rooms {
		if r.Memberships, err = s.memberships(r.ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (s *SQL) memberships(roomID string) ([]*domain.Membership, error) {
	rows, err := s.db.Query(`SELECT room_id, user_id, device_id, have_sent_key
		FROM memberships WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Membership
	for rows.Next() {
		m := &domain.Membership{}
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.DeviceID, &m.HaveSentKey); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) Users() ([]*domain.User, error) {
	rows, err := s.db.Query(`SELECT user_id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(&u.ID); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Devices, err = s.devices(u.ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *SQL) devices(userID string) ([]*domain.Device, error) {
	rows, err := s.db.Query(`SELECT user_id, device_id, curve25519_key, ed25519_key,
		session_pickle, verification_level FROM devices WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Device
	for rows.Next() {
		d := &domain.Device{}
		if err := rows.Scan(&d.UserID, &d.ID, &d.Curve25519Key, &d.Ed25519Key,
			&d.SessionPickle, &d.VerificationLevel); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) AddRoom(roomID string) (*domain.Room, error) {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO rooms (room_id) VALUES (?)`, roomID); err != nil {
		return nil, err
	}
	return s.Room(roomID)
}

func (s *SQL) AddUser(userID string) (*domain.User, error) {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO users (user_id) VALUES (?)`, userID); err != nil {
		return nil, err
	}
	return s.User(userID)
}

func (s *SQL) AddDevice(userID, deviceID string) (*domain.Device, error) {
	if _, err := s.AddUser(userID); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO devices (user_id, device_id)
		VALUES (?, ?)`, userID, deviceID); err != nil {
		return nil, err
	}
	return s.Device(userID, deviceID)
}

func (s *SQL) AddMembership(userID, deviceID, roomID string) (*domain.Membership, error) {
	if _, err := s.AddRoom(roomID); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO memberships (room_id, user_id, device_id)
		VALUES (?, ?, ?)`, roomID, userID, deviceID); err != nil {
		return nil, err
	}
	m := &domain.Membership{}
	err := s.db.QueryRow(`SELECT room_id, user_id, device_id, have_sent_key
		FROM memberships WHERE room_id = ? AND user_id = ? AND device_id = ?`,
		roomID, userID, deviceID).
		Scan(&m.RoomID, &m.UserID, &m.DeviceID, &m.HaveSentKey)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQL) Room(roomID string) (*domain.Room, error) {
	r := &domain.Room{}
	err := s.db.QueryRow(`SELECT room_id, encrypted, outbound_session_pickle,
		outbound_message_count, verification_level FROM rooms WHERE room_id = ?`, roomID).
		Scan(&r.ID, &r.Encrypted, &r.OutboundSessionPickle,
			&r.OutboundMessageCount, &r.VerificationLevel)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	if r.Memberships, err = s.memberships(roomID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQL) User(userID string) (*domain.User, error) {
	u := &domain.User{}
	err := s.db.QueryRow(`SELECT user_id FROM users WHERE user_id = ?`, userID).Scan(&u.ID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	if u.Devices, err = s.devices(userID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *SQL) Device(userID, deviceID string) (*domain.Device, error) {
	d := &domain.Device{}
	err := s.db.QueryRow(`SELECT user_id, device_id, curve25519_key, ed25519_key,
		session_pickle, verification_level FROM devices
		WHERE user_id = ? AND device_id = ?`, userID, deviceID).
		Scan(&d.UserID, &d.ID, &d.Curve25519Key, &d.Ed25519Key,
			&d.SessionPickle, &d.VerificationLevel)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: device %s/%s", ErrNotFound, userID, deviceID)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQL) Config() (domain.Config, error) {
	var cfg domain.Config
	err := s.db.QueryRow(`SELECT api_url, data_key FROM config WHERE id = 1`).
		Scan(&cfg.APIURL, &cfg.DataKey)
	return cfg, err
}

func (s *SQL) SetConfig(cfg domain.Config) error {
	_, err := s.db.Exec(`UPDATE config SET api_url = ?, data_key = ? WHERE id = 1`,
		cfg.APIURL, cfg.DataKey)
	return err
}

func (s *SQL) State() (domain.ClientState, error) {
	var st domain.ClientState
	err := s.db.QueryRow(`SELECT access_token, sync_token, account_pickle,
		home_server, user_id, device_id FROM state WHERE id = 1`).
		Scan(&st.AccessToken, &st.SyncToken, &st.AccountPickle,
			&st.HomeServer, &st.UserID, &st.DeviceID)
	return st, err
}

func (s *SQL) SetAccountPickle(pickle string) error {
	_, err := s.db.Exec(`UPDATE state SET account_pickle = ? WHERE id = 1`, pickle)
	return err
}

func (s *SQL) SetAccessToken(token, userID, deviceID, homeServer string) error {
	_, err := s.db.Exec(`UPDATE state SET access_token = ?, user_id = ?,
		device_id = ?, home_server = ? WHERE id = 1`, token, userID, deviceID, homeServer)
	return err
}

func (s *SQL) SetSyncToken(token string) error {
	_, err := s.db.Exec(`UPDATE state SET sync_token = ? WHERE id = 1`, token)
	return err
}

func (s *SQL) SetDeviceKeys(userID, deviceID, curve25519Key, ed25519Key string) error {
	return s.updateDevice(userID, deviceID,
		`UPDATE devices SET curve25519_key = ?, ed25519_key = ?
		 WHERE user_id = ? AND device_id = ?`, curve25519Key, ed25519Key, userID, deviceID)
}

func (s *SQL) SetDeviceSession(userID, deviceID, pickle string) error {
	return s.updateDevice(userID, deviceID,
		`UPDATE devices SET session_pickle = ? WHERE user_id = ? AND device_id = ?`,
		pickle, userID, deviceID)
}

func (s *SQL) SetDeviceVerificationLevel(userID, deviceID string, level int) error {
	return s.updateDevice(userID, deviceID,
		`UPDATE devices SET verification_level = ? WHERE user_id = ? AND device_id = ?`,
		level, userID, deviceID)
}

func (s *SQL) updateDevice(userID, deviceID, stmt string, args ...any) error {
	res, err := s.db.Exec(stmt, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: device %s/%s", ErrNotFound, userID, deviceID)
	}
	return nil
}

func (s *SQL) RemoveDevice(userID, deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM devices WHERE user_id = ? AND device_id = ?`,
		userID, deviceID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM memberships WHERE user_id = ? AND device_id = ?`,
		userID, deviceID)
	return err
}

func (s *SQL) SetRoomEncrypted(roomID string) error {
	if _, err := s.AddRoom(roomID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE rooms SET encrypted = 1 WHERE room_id = ?`, roomID)
	return err
}

func (s *SQL) SetRoomVerificationLevel(roomID string, level int) error {
	if _, err := s.AddRoom(roomID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE rooms SET verification_level = ? WHERE room_id = ?`,
		level, roomID)
	return err
}

func (s *SQL) SetRoomOutboundSession(roomID, pickle string, messageCount int) error {
	if _, err := s.AddRoom(roomID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE rooms SET outbound_session_pickle = ?,
		outbound_message_count = ? WHERE room_id = ?`, pickle, messageCount, roomID)
	return err
}

func (s *SQL) SetHaveSentKey(roomID, userID, deviceID string) error {
	res, err := s.db.Exec(`UPDATE memberships SET have_sent_key = 1
		WHERE room_id = ? AND user_id = ? AND device_id = ?`, roomID, userID, deviceID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: membership %s/%s in %s", ErrNotFound, userID, deviceID, roomID)
	}
	return nil
}

func (s *SQL) ClearHaveSentKeys(roomID string) error {
	_, err := s.db.Exec(`UPDATE memberships SET have_sent_key = 0 WHERE room_id = ?`, roomID)
	return err
}

func (s *SQL) InboundGroupSession(sessionID string) (*domain.InboundGroupSession, error) {
	igs := &domain.InboundGroupSession{}
	err := s.db.QueryRow(`SELECT session_id, pickle, user_id, device_id
		FROM inbound_group_sessions WHERE session_id = ?`, sessionID).
		Scan(&igs.SessionID, &igs.Pickle, &igs.UserID, &igs.DeviceID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: inbound session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return igs, nil
}

func (s *SQL) SetInboundGroupSession(userID, deviceID, sessionID, pickle string) error {
	_, err := s.db.Exec(`INSERT INTO inbound_group_sessions
		(session_id, pickle, user_id, device_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET pickle = excluded.pickle,
		user_id = excluded.user_id, device_id = excluded.device_id`,
		sessionID, pickle, userID, deviceID)
	return err
}
