package domain

// Storage is the persistence contract consumed by the orchestration services.
//
// Entity creation is idempotent: adding a room, user, device or membership
// that already exists returns the existing record. Implementations are not
// required to be safe for concurrent use; the sync pipeline is single
// threaded.
type Storage interface {
	Rooms() ([]*Room, error)
	Users() ([]*User, error)

	AddRoom(roomID string) (*Room, error)
	AddUser(userID string) (*User, error)
	AddDevice(userID, deviceID string) (*Device, error)
	AddMembership(userID, deviceID, roomID string) (*Membership, error)

	Room(roomID string) (*Room, error)
	User(userID string) (*User, error)
	Device(userID, deviceID string) (*Device, error)

	Config() (Config, error)
	SetConfig(cfg Config) error
	State() (ClientState, error)

	SetAccountPickle(pickle string) error
	SetAccessToken(token, userID, deviceID, homeServer string) error
	SetSyncToken(token string) error

	SetDeviceKeys(userID, deviceID, curve25519Key, ed25519Key string) error
	SetDeviceSession(userID, deviceID, pickle string) error
	SetDeviceVerificationLevel(userID, deviceID string, level int) error
	RemoveDevice(userID, deviceID string) error

	SetRoomEncrypted(roomID string) error
	SetRoomVerificationLevel(roomID string, level int) error
	SetRoomOutboundSession(roomID, pickle string, messageCount int) error
	SetHaveSentKey(roomID, userID, deviceID string) error
	ClearHaveSentKeys(roomID string) error

	InboundGroupSession(sessionID string) (*InboundGroupSession, error)
	SetInboundGroupSession(userID, deviceID, sessionID, pickle string) error
}
