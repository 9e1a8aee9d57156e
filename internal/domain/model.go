package domain

// Verification levels form an ordered trust scale. A device only receives
// room keys for rooms whose minimum level it meets.
const (
	LevelUnverified = 0
	LevelVerified   = 1
)

// User is a federated identity owning zero or more devices.
type User struct {
	ID      string
	Devices []*Device
}

// Device is a single endpoint of a user. SessionPickle is empty until the first
// encrypted exchange with it; there is never more than one live pairwise
// session per device.
type Device struct {
	UserID            string
	ID                string
	Curve25519Key     string
	Ed25519Key        string
	SessionPickle     string
	VerificationLevel int
}

// Room is a conversation. Encrypted is set permanently once an
// encryption-enablement event is observed. OutboundSessionPickle holds the
// current Megolm-style outbound session, rotated after OutboundMessageCount
// reaches the rotation cap.
type Room struct {
	ID                    string
	Encrypted             bool
	OutboundSessionPickle string
	OutboundMessageCount  int
	VerificationLevel     int
	Memberships           []*Membership
}

// Membership ties a device to a room. HaveSentKey records that the current
// outbound group key has been delivered to that device.
type Membership struct {
	RoomID      string
	UserID      string
	DeviceID    string
	HaveSentKey bool
}

// InboundGroupSession is a received room key, stored by session id. The
// supplying device is the trust anchor for every message decrypted under it.
type InboundGroupSession struct {
	SessionID string
	Pickle    string
	UserID    string
	DeviceID  string
}

// Config is the durable client configuration.
type Config struct {
	APIURL  string
	DataKey []byte
}

// ClientState is the durable per-login state.
type ClientState struct {
	AccessToken   string
	SyncToken     string
	AccountPickle string
	HomeServer    string
	UserID        string
	DeviceID      string
}
