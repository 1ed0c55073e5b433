package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/messenger/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid messageSeen message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Seen(t *testing.T) {
	input := []byte(`{"type":"messageSeen","conversation_id":10,"message_ids":[1,2,3],"user_id":"u2"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSeen {
		t.Fatalf("expected type %q, got %q", TypeSeen, msgType)
	}

	sm, ok := msg.(SeenMsg)
	if !ok {
		t.Fatalf("expected SeenMsg, got %T", msg)
	}
	if sm.ConversationID != 10 || sm.UserID != "u2" {
		t.Errorf("unexpected fields: %+v", sm)
	}
	expected := []int64{1, 2, 3}
	if len(sm.MessageIDs) != len(expected) {
		t.Fatalf("expected %d ids, got %d", len(expected), len(sm.MessageIDs))
	}
	for i, v := range expected {
		if sm.MessageIDs[i] != v {
			t.Errorf("message_ids[%d]: expected %d, got %d", i, v, sm.MessageIDs[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a typing message with a group kind
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","conversation_id":7,"kind":"group","user_id":"u1","is_typing":true}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if tm.ConversationID != 7 || tm.Kind != chat.KindGroup || !tm.IsTyping {
		t.Errorf("unexpected fields: %+v", tm)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a presenceUpdate server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_PresenceUpdate(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypePresenceUpdate, PresenceUpdateMsg{
		UserID:     "u1",
		Online:     true,
		LastActive: at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypePresenceUpdate {
		t.Errorf("expected type %q, got %v", TypePresenceUpdate, result["type"])
	}
	if result["user_id"] != "u1" || result["online"] != true {
		t.Errorf("unexpected payload: %v", result)
	}
	if result["last_active"] != "2025-03-01T12:00:00Z" {
		t.Errorf("expected RFC3339 last_active, got %v", result["last_active"])
	}
}

// ---------------------------------------------------------------------------
// Test: newMessage keeps the envelope type separate from content_type
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	msg := &chat.Message{
		ID:             99,
		ConversationID: 10,
		Kind:           chat.KindDirect,
		SenderID:       "u1",
		ReceiverID:     "u2",
		Body:           "hi",
		ContentType:    chat.ContentText,
		Status:         chat.StatusSent,
		Unread:         true,
	}
	data, err := NewServerMessage(TypeNewMessage, NewMessageMsg{Message: msg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded NewMessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, decoded.Type)
	}
	if decoded.Message == nil || decoded.Message.ID != 99 || decoded.Message.ContentType != chat.ContentText {
		t.Errorf("unexpected message: %+v", decoded.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"userOnline","uid":"u1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "userOnline" {
		t.Errorf("expected returned type %q, got %q", "userOnline", msgType)
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	input := []byte(`{"type":"messageSeen","conversation_id":"ten"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected decode error for string conversation_id")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestNewErrorMessage(t *testing.T) {
	var decoded ErrorMsg
	if err := json.Unmarshal(NewErrorMessage(CodeParseError, "bad frame"), &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Code != CodeParseError || decoded.Message != "bad frame" {
		t.Errorf("unexpected error frame: %+v", decoded)
	}
}

func TestParseClientMessage_AnnounceToken(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"announce","user_id":"u1","token":"abc.def.ghi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, ok := msg.(AnnounceMsg)
	if !ok || a.UserID != "u1" || a.Token != "abc.def.ghi" {
		t.Errorf("unexpected announce %#v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"announce", `{"type":"announce","user_id":"u1"}`, TypeAnnounce},
		{"joinRoom", `{"type":"joinRoom","room":"chat:1"}`, TypeJoinRoom},
		{"leaveRoom", `{"type":"leaveRoom","room":"group:1"}`, TypeLeaveRoom},
		{"typing", `{"type":"typing","conversation_id":1,"is_typing":true}`, TypeTyping},
		{"messageDelivered", `{"type":"messageDelivered","conversation_id":1,"message_id":5}`, TypeDelivered},
		{"messageSeen", `{"type":"messageSeen","conversation_id":1,"message_ids":[]}`, TypeSeen},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
