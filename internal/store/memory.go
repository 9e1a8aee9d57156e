// Package store provides the storage backends: an encrypted SQLite database
// for durable client state and an in-memory variant for tests and throwaway
// sessions.
package store

import (
	"fmt"
	"sync"

	"matrixchat/internal/domain"
)

// ErrNotFound is returned for lookups of records that do not exist.
var ErrNotFound = fmt.Errorf("store: not found")

// Memory is an in-memory Storage. Unlike the SQL store it is safe for
// concurrent use, which the verification tests rely on.
type Memory struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room
	users   map[string]*domain.User
	inbound map[string]*domain.InboundGroupSession
	config  domain.Config
	state   domain.ClientState
}

var _ domain.Storage = (*Memory)(nil)

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:   make(map[string]*domain.Room),
		users:   make(map[string]*domain.User),
		inbound: make(map[string]*domain.InboundGroupSession),
	}
}

func (m *Memory) Rooms() ([]*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) Users() ([]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) AddRoom(roomID string) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addRoom(roomID), nil
}

func (m *Memory) addRoom(roomID string) *domain.Room {
	if r, ok := m.rooms[roomID]; ok {
		return r
	}
	r := &domain.Room{ID: roomID}
	m.rooms[roomID] = r
	return r
}

func (m *Memory) AddUser(userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addUser(userID), nil
}

func (m *Memory) addUser(userID string) *domain.User {
	if u, ok := m.users[userID]; ok {
		return u
	}
	u := &domain.User{ID: userID}
	m.users[userID] = u
	return u
}

func (m *Memory) AddDevice(userID, deviceID string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.addUser(userID)
	for _, d := range u.Devices {
		if d.ID == deviceID {
			return d, nil
		}
	}
	d := &domain.Device{UserID: userID, ID: deviceID}
	u.Devices = append(u.Devices, d)
	return d, nil
}

func (m *Memory) AddMembership(userID, deviceID, roomID string) (*domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.addRoom(roomID)
	for _, mem := range r.Memberships {
		if mem.UserID == userID && mem.DeviceID == deviceID {
			return mem, nil
		}
	}
	mem := &domain.Membership{RoomID: roomID, UserID: userID, DeviceID: deviceID}
	r.Memberships = append(r.Memberships, mem)
	return mem, nil
}

func (m *Memory) Room(roomID string) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	return r, nil
}

func (m *Memory) User(userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (m *Memory) Device(userID, deviceID string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device(userID, deviceID)
}

func (m *Memory) device(userID, deviceID string) (*domain.Device, error) {
	u, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	for _, d := range u.Devices {
		if d.ID == deviceID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device %s/%s", ErrNotFound, userID, deviceID)
}

func (m *Memory) Config() (domain.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config, nil
}

func (m *Memory) SetConfig(cfg domain.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	return nil
}

func (m *Memory) State() (domain.ClientState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) SetAccountPickle(pickle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AccountPickle = pickle
	return nil
}

func (m *Memory) SetAccessToken(token, userID, deviceID, homeServer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AccessToken = token
	m.state.UserID = userID
	m.state.DeviceID = deviceID
	m.state.HomeServer = homeServer
	return nil
}

func (m *Memory) SetSyncToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.SyncToken = token
	return nil
}

func (m *Memory) SetDeviceKeys(userID, deviceID, curve25519Key, ed25519Key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(userID, deviceID)
	if err != nil {
		return err
	}
	d.Curve25519Key = curve25519Key
	d.Ed25519Key = ed25519Key
	return nil
}

func (m *Memory) SetDeviceSession(userID, deviceID, pickle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(userID, deviceID)
	if err != nil {
		return err
	}
	d.SessionPickle = pickle
	return nil
}

func (m *Memory) SetDeviceVerificationLevel(userID, deviceID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.device(userID, deviceID)
	if err != nil {
		return err
	}
	d.VerificationLevel = level
	return nil
}

func (m *Memory) RemoveDevice(userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	for i, d := range u.Devices {
		if d.ID == deviceID {
			u.Devices = append(u.Devices[:i], u.Devices[i+1:]...)
			break
		}
	}
	for _, r := range m.rooms {
		kept := r.Memberships[:0]
		for _, mem := range r.Memberships {
			if !(mem.UserID == userID && mem.DeviceID == deviceID) {
				kept = append(kept, mem)
			}
		}
		r.Memberships = kept
	}
	return nil
}

func (m *Memory) SetRoomEncrypted(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addRoom(roomID).Encrypted = true
	return nil
}

func (m *Memory) SetRoomVerificationLevel(roomID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addRoom(roomID).VerificationLevel = level
	return nil
}

func (m *Memory) SetRoomOutboundSession(roomID, pickle string, messageCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.addRoom(roomID)
	r.OutboundSessionPickle = pickle
	r.OutboundMessageCount = messageCount
	return nil
}

func (m *Memory) SetHaveSentKey(roomID, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	for _, mem := range r.Memberships {
		if mem.UserID == userID && mem.DeviceID == deviceID {
			mem.HaveSentKey = true
			return nil
		}
	}
	return fmt.Errorf("%w: membership %s/%s in %s", ErrNotFound, userID, deviceID, roomID)
}

func (m *Memory) ClearHaveSentKeys(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	for _, mem := range r.Memberships {
		mem.HaveSentKey = false
	}
	return nil
}

func (m *Memory) InboundGroupSession(sessionID string) (*domain.InboundGroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inbound[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: inbound session %s", ErrNotFound, sessionID)
	}
	return s, nil
}

func (m *Memory) SetInboundGroupSession(userID, deviceID, sessionID, pickle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound[sessionID] = &domain.InboundGroupSession{
		SessionID: sessionID,
		Pickle:    pickle,
		UserID:    userID,
		DeviceID:  deviceID,
	}
	return nil
}
