// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/messenger/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAnnounce  = "announce"
	TypeJoinRoom  = "joinRoom"
	TypeLeaveRoom = "leaveRoom"
	TypeTyping    = "typing"
	TypeDelivered = "messageDelivered"
	TypeSeen      = "messageSeen"
	TypePing      = "ping"
)

// Server -> Client message types. typing, messageDelivered and messageSeen
// are relayed under the same type they arrive with.
const (
	TypeSessionCreated  = "sessionCreated"
	TypePresenceUpdate  = "presenceUpdate"
	TypeNewMessage      = "newMessage"
	TypeNewGroupMessage = "newGroupMessage"
	TypeChatUpdated     = "chatUpdated"
	TypeRateLimited     = "rateLimited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried in ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AnnounceMsg binds the connection to an authenticated user id. Token is the
// bearer token the HTTP API accepts; servers with socket auth enabled require it.
type AnnounceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// JoinRoomMsg subscribes the connection to a conversation room. Room is a
// namespaced key such as "chat:10" or "group:7".
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LeaveRoomMsg unsubscribes the connection from a conversation room.
type LeaveRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// TypingMsg indicates whether the user is currently typing in a conversation.
// Kind defaults to direct.
type TypingMsg struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Kind           chat.Kind `json:"kind,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	IsTyping       bool      `json:"is_typing"`
}

// DeliveredMsg acknowledges that a message reached the user's device.
type DeliveredMsg struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Kind           chat.Kind `json:"kind,omitempty"`
	MessageID      int64     `json:"message_id"`
	UserID         string    `json:"user_id,omitempty"`
}

// SeenMsg acknowledges that the user has viewed the listed messages.
type SeenMsg struct {
	Type           string  `json:"type"`
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
	UserID         string  `json:"user_id,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PresenceUpdateMsg is broadcast to every connection when a user comes online
// or goes offline.
type PresenceUpdateMsg struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"last_active"`
}

// ServerTypingMsg relays a typing indicator to the other room members.
type ServerTypingMsg struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Kind           chat.Kind `json:"kind"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
}

// ServerDeliveredMsg relays a delivery acknowledgement to the room,
// including the original sender.
type ServerDeliveredMsg struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Kind           chat.Kind `json:"kind"`
	MessageID      int64     `json:"message_id"`
	UserID         string    `json:"user_id"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// ServerSeenMsg relays a seen acknowledgement to the room.
type ServerSeenMsg struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Kind           chat.Kind `json:"kind"`
	MessageIDs     []int64   `json:"message_ids"`
	UserID         string    `json:"user_id"`
	SeenAt         time.Time `json:"seen_at"`
}

// NewMessageMsg carries a freshly persisted message to the conversation room.
// It is sent as newMessage for direct chats and newGroupMessage for groups.
type NewMessageMsg struct {
	Type    string        `json:"type"`
	Message *chat.Message `json:"message"`
}

// ChatUpdatedMsg tells every connection to refresh a conversation's summary.
type ChatUpdatedMsg struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id"`
	Kind           chat.Kind `json:"kind"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAnnounce:
		var m AnnounceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelivered:
		var m DeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSeen:
		var m SeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewErrorMessage builds an error frame. Encoding a fixed struct cannot fail,
// so the error is dropped.
func NewErrorMessage(code, message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return data
}
