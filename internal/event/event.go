// Package event maps untyped protocol events onto a closed set of typed
// variants.
//
// Parse is the single factory: it reads the wire "type" discriminator and
// builds the matching variant, inheriting room, sender and trust context from
// the parent unless the payload overrides it. Unknown state events that
// cannot affect encryption or messaging parse to no variant.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType marks a discriminator this package does not recognize at
// all. Callers log and drop these; they are never fatal.
var ErrUnknownType = errors.New("event: unknown type")

// Context carries the inherited provenance of an event: where it was seen,
// who sent it, and how much the transport is trusted. Inner events produced
// by decryption carry the trust level established by the decrypting session,
// not the outer envelope's.
type Context struct {
	RoomID            string
	UserID            string
	DeviceID          string
	Encrypted         bool
	VerificationLevel int
}

// Event is the closed variant set produced by Parse.
type Event interface {
	Ctx() Context
	isEvent()
}

// Base holds the fields shared by every variant.
type Base struct {
	Context
	Type      string
	EventID   string
	Timestamp time.Time
}

func (b Base) Ctx() Context { return b.Context }
func (b Base) isEvent()     {}

// Message is a displayable room message.
type Message struct {
	Base
	MsgType       string
	Body          string
	Format        string
	FormattedBody string
}

// EncryptionEnabled marks a room as encrypted from now on.
type EncryptionEnabled struct {
	Base
	Algorithm string
}

// Encrypted is an undecrypted envelope, room or to-device.
type Encrypted struct {
	Base
	Content map[string]any
}

// Member announces a user's membership in the room.
type Member struct {
	Base
}

// RoomKey delivers an exported group session. Only trustworthy when it
// arrived through a validated pairwise channel (Context.Encrypted).
type RoomKey struct {
	Base
	SessionID  string
	SessionKey string
	ChainIndex int
}

// RoomKeyRequest asks this account to re-share a group session it owns.
type RoomKeyRequest struct {
	Base
	Action             string
	RequestID          string
	RequestingDeviceID string
	Algorithm          string
	SenderKey          string
	SessionID          string
}

// VerificationStart opens a SAS handshake. RawContent preserves the exact
// content bytes for the commitment hash.
type VerificationStart struct {
	Base
	TransactionID              string
	FromDevice                 string
	Method                     string
	Hashes                     []string
	KeyAgreementProtocols      []string
	MessageAuthenticationCodes []string
	ShortAuthenticationString  []string
	RawContent                 json.RawMessage
}

// VerificationAccept answers a start with a commitment.
type VerificationAccept struct {
	Base
	TransactionID string
	Commitment    string
}

// VerificationKey carries the peer's ephemeral public key.
type VerificationKey struct {
	Base
	TransactionID string
	Key           string
}

// VerificationMac carries the peer's key MACs.
type VerificationMac struct {
	Base
	TransactionID string
	Keys          string
	Macs          map[string]string
}

// VerificationCancel aborts a handshake with a reason.
type VerificationCancel struct {
	Base
	TransactionID string
	Code          string
	Reason        string
}

// Recognized types that never affect messaging or encryption.
var ignoredTypes = map[string]bool{
	"m.room.create":             true,
	"m.room.guest_access":       true,
	"m.room.history_visibility": true,
	"m.room.join_rules":         true,
	"m.room.name":               true,
	"m.room.topic":              true,
	"m.room.power_levels":       true,
	"m.room.redaction":          true,
	"m.receipt":                 true,
	"m.typing":                  true,
	"m.presence":                true,
}

type wireEvent struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	UserID         string          `json:"user_id"`
	StateKey       string          `json:"state_key"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// Parse maps raw event JSON onto its variant. It returns (nil, nil) for
// recognized-but-irrelevant types and wraps ErrUnknownType for types outside
// the closed set.
func Parse(raw []byte, parent Context) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("event: parse: %w", err)
	}

	base := Base{
		Context:   parent,
		Type:      w.Type,
		EventID:   w.EventID,
		Timestamp: time.UnixMilli(w.OriginServerTS).UTC(),
	}
	if w.Sender != "" {
		base.UserID = w.Sender
	}

	switch w.Type {
	case "m.room.message":
		var c struct {
			MsgType       string `json:"msgtype"`
			Body          string `json:"body"`
			Format        string `json:"format"`
			FormattedBody string `json:"formatted_body"`
		}
		unmarshalContent(w.Content, &c)
		return &Message{Base: base, MsgType: c.MsgType, Body: c.Body, Format: c.Format, FormattedBody: c.FormattedBody}, nil

	case "m.room.encryption":
		var c struct {
			Algorithm string `json:"algorithm"`
		}
		unmarshalContent(w.Content, &c)
		return &EncryptionEnabled{Base: base, Algorithm: c.Algorithm}, nil

	case "m.room.encrypted":
		var c map[string]any
		unmarshalContent(w.Content, &c)
		return &Encrypted{Base: base, Content: c}, nil

	case "m.room.member":
		// A member event always asserts its own identity.
		m := &Member{Base: base}
		switch {
		case w.UserID != "":
			m.UserID = w.UserID
		case w.StateKey != "":
			m.UserID = w.StateKey
		default:
			m.UserID = ""
		}
		return m, nil

	case "m.room_key":
		var c struct {
			SessionID  string `json:"session_id"`
			SessionKey string `json:"session_key"`
			ChainIndex int    `json:"chain_index"`
		}
		unmarshalContent(w.Content, &c)
		return &RoomKey{Base: base, SessionID: c.SessionID, SessionKey: c.SessionKey, ChainIndex: c.ChainIndex}, nil

	case "m.room_key_request":
		var c struct {
			Action             string `json:"action"`
			RequestID          string `json:"request_id"`
			RequestingDeviceID string `json:"requesting_device_id"`
			Body               struct {
				RoomID    string `json:"room_id"`
				Algorithm string `json:"algorithm"`
				SenderKey string `json:"sender_key"`
				SessionID string `json:"session_id"`
			} `json:"body"`
		}
		unmarshalContent(w.Content, &c)
		e := &RoomKeyRequest{
			Base:               base,
			Action:             c.Action,
			RequestID:          c.RequestID,
			RequestingDeviceID: c.RequestingDeviceID,
		}
		if c.Action == "request" {
			e.RoomID = c.Body.RoomID
			e.Algorithm = c.Body.Algorithm
			e.SenderKey = c.Body.SenderKey
			e.SessionID = c.Body.SessionID
		}
		return e, nil

	case "m.key.verification.start":
		var c struct {
			FromDevice                 string   `json:"from_device"`
			TransactionID              string   `json:"transaction_id"`
			Method                     string   `json:"method"`
			Hashes                     []string `json:"hashes"`
			KeyAgreementProtocols      []string `json:"key_agreement_protocols"`
			MessageAuthenticationCodes []string `json:"message_authentication_codes"`
			ShortAuthenticationString  []string `json:"short_authentication_string"`
		}
		unmarshalContent(w.Content, &c)
		e := &VerificationStart{
			Base:                       base,
			TransactionID:              c.TransactionID,
			FromDevice:                 c.FromDevice,
			Method:                     c.Method,
			Hashes:                     c.Hashes,
			KeyAgreementProtocols:      c.KeyAgreementProtocols,
			MessageAuthenticationCodes: c.MessageAuthenticationCodes,
			ShortAuthenticationString:  c.ShortAuthenticationString,
			RawContent:                 append(json.RawMessage(nil), w.Content...),
		}
		e.DeviceID = c.FromDevice
		return e, nil

	case "m.key.verification.accept":
		var c struct {
			TransactionID string `json:"transaction_id"`
			Commitment    string `json:"commitment"`
		}
		unmarshalContent(w.Content, &c)
		return &VerificationAccept{Base: base, TransactionID: c.TransactionID, Commitment: c.Commitment}, nil

	case "m.key.verification.key":
		var c struct {
			TransactionID string `json:"transaction_id"`
			Key           string `json:"key"`
		}
		unmarshalContent(w.Content, &c)
		return &VerificationKey{Base: base, TransactionID: c.TransactionID, Key: c.Key}, nil

	case "m.key.verification.mac":
		var c struct {
			TransactionID string            `json:"transaction_id"`
			Keys          string            `json:"keys"`
			Mac           map[string]string `json:"mac"`
		}
		unmarshalContent(w.Content, &c)
		return &VerificationMac{Base: base, TransactionID: c.TransactionID, Keys: c.Keys, Macs: c.Mac}, nil

	case "m.key.verification.cancel":
		var c struct {
			TransactionID string `json:"transaction_id"`
			Code          string `json:"code"`
			Reason        string `json:"reason"`
		}
		unmarshalContent(w.Content, &c)
		return &VerificationCancel{Base: base, TransactionID: c.TransactionID, Code: c.Code, Reason: c.Reason}, nil
	}

	if ignoredTypes[w.Type] {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
}

// unmarshalContent tolerates missing or malformed content: the variant then
// carries zero values and downstream validation rejects it.
func unmarshalContent(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}
