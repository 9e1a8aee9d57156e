package domain

import (
	"context"
	"encoding/json"
)

// LoginResult is the outcome of a successful password login.
type LoginResult struct {
	AccessToken string
	UserID      string
	DeviceID    string
	HomeServer  string
}

// SyncResponse is one synchronization batch.
type SyncResponse struct {
	NextBatch          string
	Joined             map[string][]json.RawMessage
	Invited            []string
	ToDevice           []json.RawMessage
	DeviceListsChanged []string
	DeviceListsLeft    []string
	OneTimeKeyCounts   map[string]int
}

// Homeserver is how we talk to the client-server API. Implementations own
// transport concerns (auth header, JSON framing, retry with backoff); callers
// own the protocol semantics.
type Homeserver interface {
	Versions(ctx context.Context) ([]string, error)
	CanPasswordLogin(ctx context.Context) (bool, error)
	Login(ctx context.Context, username, password, deviceName string) (LoginResult, error)
	SetAccessToken(token string)

	JoinedRooms(ctx context.Context) ([]string, error)
	RoomState(ctx context.Context, roomID string) ([]json.RawMessage, error)
	JoinRoom(ctx context.Context, roomID string) error

	SendToDevice(ctx context.Context, eventType, userID, deviceID string, content any) error
	SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (string, error)

	UploadKeys(ctx context.Context, body any) (map[string]int, error)
	QueryKeys(ctx context.Context, userIDs []string, sinceToken string) (map[string]map[string]json.RawMessage, error)
	ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (json.RawMessage, error)

	Sync(ctx context.Context, since string) (SyncResponse, error)
}
