// Package homeserver implements the client-server API over HTTP.
//
// All request/response framing, bearer auth and retry behaviour lives here.
// Rate-limited and transiently failing requests are retried with exponential
// backoff before the error is surfaced to the caller.
package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pion/logging"

	"matrixchat/internal/domain"
)

const (
	prefix = "_matrix/client/r0"

	maxAttempts = 6
	retryMin    = 300 * time.Millisecond
	retryMax    = 10 * time.Second
	syncTimeout = 30 * time.Second
	httpTimeout = 60 * time.Second
)

// APIError is a structured error response from the server.
type APIError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("homeserver: %s (%s, HTTP %d)", e.Message, e.Code, e.Status)
}

// Client talks to one homeserver. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.LeveledLogger

	mu    sync.RWMutex
	token string
}

var _ domain.Homeserver = (*Client)(nil)

// New builds a client for the server at apiURL.
func New(apiURL string, lf logging.LoggerFactory) *Client {
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		http:    &http.Client{Timeout: httpTimeout},
		log:     lf.NewLogger("homeserver"),
	}
}

// SetAccessToken installs the bearer token used on authenticated calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do runs one request with retry, decoding the JSON response into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("homeserver: encode request: %w", err)
		}
	}

	bo := &backoff.Backoff{Min: retryMin, Max: retryMax, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.once(ctx, method, path, encoded, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		delay := bo.Duration()
		c.log.Debugf("%s %s failed (attempt %d/%d), retrying in %s: %v",
			method, path, attempt, maxAttempts, delay, lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return fmt.Errorf("homeserver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.accessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("homeserver: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("homeserver: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "M_UNKNOWN"
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("homeserver: decode response: %w", err)
	}
	return nil
}

// retryable reports whether an error is worth another attempt: rate limits,
// gateway failures and transport errors.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "M_LIMIT_EXCEEDED" || apiErr.Status == http.StatusTooManyRequests {
			return true
		}
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Versions lists the API versions the server supports.
func (c *Client) Versions(ctx context.Context) ([]string, error) {
	var resp struct {
		Versions []string `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, "_matrix/client/versions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// CanPasswordLogin reports whether the server offers the password login flow.
func (c *Client) CanPasswordLogin(ctx context.Context) (bool, error) {
	var resp struct {
		Flows []struct {
			Type string `json:"type"`
		} `json:"flows"`
	}
	if err := c.do(ctx, http.MethodGet, prefix+"/login", nil, &resp); err != nil {
		return false, err
	}
	for _, flow := range resp.Flows {
		if flow.Type == "m.login.password" {
			return true, nil
		}
	}
	return false, nil
}

// Login performs a password login and installs the resulting access token.
func (c *Client) Login(ctx context.Context, username, password, deviceName string) (domain.LoginResult, error) {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": username,
		},
		"password":                    password,
		"initial_device_display_name": deviceName,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
		DeviceID    string `json:"device_id"`
		HomeServer  string `json:"home_server"`
	}
	if err := c.do(ctx, http.MethodPost, prefix+"/login", body, &resp); err != nil {
		return domain.LoginResult{}, err
	}
	c.SetAccessToken(resp.AccessToken)
	return domain.LoginResult{
		AccessToken: resp.AccessToken,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		HomeServer:  resp.HomeServer,
	}, nil
}

// JoinedRooms lists the room ids this account is joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var resp struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.do(ctx, http.MethodGet, prefix+"/joined_rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

// RoomState fetches the full current state of a room.
func (c *Client) RoomState(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	var resp []json.RawMessage
	path := prefix + "/rooms/" + url.PathEscape(roomID) + "/state"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// JoinRoom accepts an invite or joins a public room.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := prefix + "/rooms/" + url.PathEscape(roomID) + "/join"
	return c.do(ctx, http.MethodPost, path, map[string]any{}, nil)
}

// SendToDevice delivers a to-device event to exactly one device.
func (c *Client) SendToDevice(ctx context.Context, eventType, userID, deviceID string, content any) error {
	body := map[string]any{
		"messages": map[string]any{
			userID: map[string]any{
				deviceID: content,
			},
		},
	}
	path := prefix + "/sendToDevice/" + url.PathEscape(eventType) + "/" + uuid.NewString()
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// SendRoomEvent posts a room event and returns its event id.
func (c *Client) SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	var resp struct {
		EventID string `json:"event_id"`
	}
	path := prefix + "/rooms/" + url.PathEscape(roomID) + "/send/" +
		url.PathEscape(eventType) + "/" + uuid.NewString()
	if err := c.do(ctx, http.MethodPut, path, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// UploadKeys publishes device keys and/or one-time keys, returning the
// server's per-algorithm one-time key counts.
func (c *Client) UploadKeys(ctx context.Context, body any) (map[string]int, error) {
	var resp struct {
		Counts map[string]int `json:"one_time_key_counts"`
	}
	if err := c.do(ctx, http.MethodPost, prefix+"/keys/upload", body, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// QueryKeys fetches device key blobs for the given users, keyed by user then
// device. The blobs are returned raw so callers can validate signatures over
// the exact bytes.
func (c *Client) QueryKeys(ctx context.Context, userIDs []string, sinceToken string) (map[string]map[string]json.RawMessage, error) {
	deviceKeys := make(map[string][]string, len(userIDs))
	for _, id := range userIDs {
		deviceKeys[id] = []string{}
	}
	body := map[string]any{"device_keys": deviceKeys}
	if sinceToken != "" {
		body["token"] = sinceToken
	}
	var resp struct {
		DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys"`
	}
	if err := c.do(ctx, http.MethodPost, prefix+"/keys/query", body, &resp); err != nil {
		return nil, err
	}
	return resp.DeviceKeys, nil
}

// ClaimOneTimeKey claims one signed one-time key for a device. The returned
// blob is the raw signed key object, or nil when the device has none left.
func (c *Client) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (json.RawMessage, error) {
	body := map[string]any{
		"one_time_keys": map[string]any{
			userID: map[string]string{deviceID: "signed_curve25519"},
		},
	}
	var resp struct {
		OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
	}
	if err := c.do(ctx, http.MethodPost, prefix+"/keys/claim", body, &resp); err != nil {
		return nil, err
	}
	for _, key := range resp.OneTimeKeys[userID][deviceID] {
		return key, nil
	}
	return nil, nil
}

type syncRoom struct {
	Timeline struct {
		Events []json.RawMessage `json:"events"`
	} `json:"timeline"`
	State struct {
		Events []json.RawMessage `json:"events"`
	} `json:"state"`
}

// Sync fetches the next batch of events after the given cursor. Passing an
// empty cursor performs an initial sync.
func (c *Client) Sync(ctx context.Context, since string) (domain.SyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprint(syncTimeout.Milliseconds()))
	if since != "" {
		q.Set("since", since)
	}

	var resp struct {
		NextBatch string `json:"next_batch"`
		Rooms     struct {
			Join   map[string]syncRoom        `json:"join"`
			Invite map[string]json.RawMessage `json:"invite"`
		} `json:"rooms"`
		ToDevice struct {
			Events []json.RawMessage `json:"events"`
		} `json:"to_device"`
		DeviceLists struct {
			Changed []string `json:"changed"`
			Left    []string `json:"left"`
		} `json:"device_lists"`
		OneTimeKeyCounts map[string]int `json:"device_one_time_keys_count"`
	}
	if err := c.do(ctx, http.MethodGet, prefix+"/sync?"+q.Encode(), nil, &resp); err != nil {
		return domain.SyncResponse{}, err
	}

	out := domain.SyncResponse{
		NextBatch:          resp.NextBatch,
		Joined:             make(map[string][]json.RawMessage, len(resp.Rooms.Join)),
		ToDevice:           resp.ToDevice.Events,
		DeviceListsChanged: resp.DeviceLists.Changed,
		DeviceListsLeft:    resp.DeviceLists.Left,
		OneTimeKeyCounts:   resp.OneTimeKeyCounts,
	}
	for roomID, room := range resp.Rooms.Join {
		events := make([]json.RawMessage, 0, len(room.State.Events)+len(room.Timeline.Events))
		events = append(events, room.State.Events...)
		events = append(events, room.Timeline.Events...)
		out.Joined[roomID] = events
	}
	for roomID := range resp.Rooms.Invite {
		out.Invited = append(out.Invited, roomID)
	}
	return out, nil
}
