// Package v1 defines the rtchat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for protocol v1.
const Subprotocol = "rtchat.v1"

// Type constants (wire-stable).
const (
	// TypeJoin registers a display name for the connection (client -> server).
	TypeJoin = "join"
	// TypeMessageSend requests a public broadcast (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessageSendPrivate requests point-to-point delivery (client -> server).
	TypeMessageSendPrivate = "message.send_private"
	// TypeTypingSet toggles the typing flag for the connection (client -> server).
	TypeTypingSet = "typing.set"

	// TypeWelcome tells a freshly attached connection its connection id (server -> client).
	TypeWelcome = "welcome"
	// TypePresenceList carries the full presence snapshot (server -> all clients).
	TypePresenceList = "presence.list"
	// TypePresenceJoined announces a new or re-registered participant (server -> all clients).
	TypePresenceJoined = "presence.joined"
	// TypePresenceLeft announces a departed participant (server -> all clients).
	TypePresenceLeft = "presence.left"
	// TypeMessageNew broadcasts a confirmed public message (server -> all clients, sender included).
	TypeMessageNew = "message.new"
	// TypeMessagePrivate delivers a confirmed private message (server -> recipient and sender only).
	TypeMessagePrivate = "message.private"
	// TypeTypingList carries the full typing snapshot (server -> all clients).
	TypeTypingList = "typing.list"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Delivery status values for Message.Status.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeMessageSend,
		TypeMessageSendPrivate,
		TypeTypingSet,
		TypeWelcome,
		TypePresenceList,
		TypePresenceJoined,
		TypePresenceLeft,
		TypeMessageNew,
		TypeMessagePrivate,
		TypeTypingList,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// User is a (connection id, display name) presence record.
type User struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// Message is the canonical confirmed message shape.
//
// Seq is a single global monotonic counter shared by public and private
// messages, so one total order covers both visibilities. CorrelationID links
// a server confirmation back to the client's optimistic local entry; the
// server never assigns one of its own.
type Message struct {
	ServerMsgID   string    `json:"server_msg_id,omitempty"`
	Seq           int64     `json:"seq,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SenderID      string    `json:"sender_id"`
	SenderName    string    `json:"sender_name"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
	Private       bool      `json:"private,omitempty"`
	RecipientID   string    `json:"recipient_id,omitempty"`
	Status        string    `json:"status"`
}

// ---- Payloads ----

// JoinPayload registers (or re-registers) a display name for the connection.
// Blank names are accepted as-is; the server does not substitute a label.
type JoinPayload struct {
	DisplayName string `json:"display_name"`
}

// MessageSendPayload requests a public broadcast.
type MessageSendPayload struct {
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MessageSendPrivatePayload requests point-to-point delivery.
type MessageSendPrivatePayload struct {
	RecipientID   string `json:"recipient_id"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TypingSetPayload toggles the typing flag (explicit boolean, no expiry).
type TypingSetPayload struct {
	Typing bool `json:"typing"`
}

// WelcomePayload carries the transport-assigned connection id.
type WelcomePayload struct {
	ConnectionID string `json:"connection_id"`
}

// PresenceListPayload is the full presence snapshot.
type PresenceListPayload struct {
	Users []User `json:"users"`
}

// PresenceJoinedPayload announces a join.
type PresenceJoinedPayload struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// PresenceLeftPayload announces a departure.
type PresenceLeftPayload struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// TypingListPayload is the full typing snapshot.
type TypingListPayload struct {
	Users []User `json:"users"`
}

// ErrorPayload reports a per-connection error; it is never broadcast.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
