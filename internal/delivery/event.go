// Package delivery turns inbound socket events and HTTP actions into state
// changes and fan-out. The Coordinator owns the per-session state machine:
//
//	connected --announce--> announced --joinRoom/leaveRoom--> announced
//	    |                       |
//	    +------disconnect-------+--> closed
//
// typing and messageDelivered are relayed without persistence; messageSeen
// and new messages go through the durable store before anything is fanned out.
package delivery

import (
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/protocol"
)

// Event is one inbound action on a session. The concrete types below form a
// closed set handled by Coordinator.Handle.
type Event interface {
	Name() string
}

// Announce binds the session to a user.
type Announce struct {
	UserID string
	Token  string
}

// JoinRoom subscribes the session to a conversation room.
type JoinRoom struct {
	Room string
}

// LeaveRoom unsubscribes the session from a conversation room.
type LeaveRoom struct {
	Room string
}

// Typing relays a typing indicator to the rest of the room.
type Typing struct {
	ConversationID int64
	Kind           chat.Kind
	UserID         string
	IsTyping       bool
}

// Delivered relays a delivery acknowledgement to the room, sender included.
type Delivered struct {
	ConversationID int64
	Kind           chat.Kind
	MessageID      int64
	UserID         string
}

// Seen marks messages seen and resets the user's unread counter.
type Seen struct {
	ConversationID int64
	MessageIDs     []int64
	UserID         string
}

// Disconnect tears the session down.
type Disconnect struct{}

func (Announce) Name() string   { return protocol.TypeAnnounce }
func (JoinRoom) Name() string   { return protocol.TypeJoinRoom }
func (LeaveRoom) Name() string  { return protocol.TypeLeaveRoom }
func (Typing) Name() string     { return protocol.TypeTyping }
func (Delivered) Name() string  { return protocol.TypeDelivered }
func (Seen) Name() string       { return protocol.TypeSeen }
func (Disconnect) Name() string { return "disconnect" }

// EventFromMessage maps a parsed client message to its event. ok is false for
// messages that carry no coordinator event, such as ping.
func EventFromMessage(msg interface{}) (Event, bool) {
	switch m := msg.(type) {
	case protocol.AnnounceMsg:
		return Announce{UserID: m.UserID, Token: m.Token}, true
	case protocol.JoinRoomMsg:
		return JoinRoom{Room: m.Room}, true
	case protocol.LeaveRoomMsg:
		return LeaveRoom{Room: m.Room}, true
	case protocol.TypingMsg:
		return Typing{ConversationID: m.ConversationID, Kind: m.Kind, UserID: m.UserID, IsTyping: m.IsTyping}, true
	case protocol.DeliveredMsg:
		return Delivered{ConversationID: m.ConversationID, Kind: m.Kind, MessageID: m.MessageID, UserID: m.UserID}, true
	case protocol.SeenMsg:
		return Seen{ConversationID: m.ConversationID, MessageIDs: m.MessageIDs, UserID: m.UserID}, true
	default:
		return nil, false
	}
}
