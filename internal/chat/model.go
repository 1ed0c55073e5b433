// Package chat holds the durable conversation model: direct chats and groups,
// their members with per-member unread counters, and messages with their
// sent/seen lifecycle. The Postgres-backed Store lives here too.
package chat

import "time"

// Kind distinguishes direct chats from group conversations.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Valid reports whether k is a known conversation kind.
func (k Kind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

// Status is a message's position in the sent -> delivered -> seen lifecycle.
// Only sent and seen are ever persisted; delivered is a transport-level
// acknowledgement and never written to the store.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Member roles.
const (
	RoleCreator = "creator"
	RoleMember  = "member"
)

// Content types accepted for a message.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentVideo = "video"
	ContentAudio = "audio"
	ContentFile  = "file"
)

// Member is one participant of a conversation with their own unread counter.
type Member struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	Unread   int       `json:"unread"`
	JoinedAt time.Time `json:"joined_at"`
}

// Conversation is a direct chat or a group together with its summary fields.
type Conversation struct {
	ID            int64      `json:"id"`
	Kind          Kind       `json:"kind"`
	Name          string     `json:"name,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	CreatedBy     string     `json:"created_by"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastMessageBy string     `json:"last_message_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Members       []Member   `json:"members,omitempty"`
}

// Member returns the membership record for userID, if present.
func (c *Conversation) Member(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// IsMember reports whether userID participates in the conversation.
func (c *Conversation) IsMember(userID string) bool {
	_, ok := c.Member(userID)
	return ok
}

// Recipients returns every member except the sender, in member order.
func (c *Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.UserID != senderID {
			out = append(out, m.UserID)
		}
	}
	return out
}

// Message is a persisted chat message.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	Kind           Kind       `json:"kind"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id,omitempty"` // direct chats only
	Body           string     `json:"body"`
	ContentType    string     `json:"content_type"`
	MediaURL       string     `json:"media_url,omitempty"`
	Status         Status     `json:"status"`
	Unread         bool       `json:"unread"`
	SeenAt         *time.Time `json:"seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SendRequest carries the caller-supplied fields of a new message.
type SendRequest struct {
	ConversationID int64
	SenderID       string
	Body           string
	ContentType    string
	MediaURL       string
}

// Summary returns the text stored as the conversation's last message.
// Media-only messages are summarised by their content type, e.g. "[image]".
func (r SendRequest) Summary() string {
	if r.Body != "" {
		return r.Body
	}
	return "[" + r.ContentType + "]"
}

// SeenResult reports the outcome of a seen acknowledgement.
type SeenResult struct {
	ConversationID int64     `json:"conversation_id"`
	Kind           Kind      `json:"kind"`
	UserID         string    `json:"user_id"`
	MessageIDs     []int64   `json:"message_ids"`
	Updated        int64     `json:"updated"` // messages that transitioned to seen
	SeenAt         time.Time `json:"seen_at"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID            int64      `json:"id"`
	Kind          Kind       `json:"kind"`
	Name          string     `json:"name,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	PeerID        string     `json:"peer_id,omitempty"` // other participant of a direct chat
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastMessageBy string     `json:"last_message_by,omitempty"`
	Unread        int        `json:"unread"`
	Online        bool       `json:"online"`
}

// User is the locally cached profile of an identity-provider user.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	Gender    string    `json:"gender,omitempty"`
	DOB       string    `json:"dob,omitempty"` // YYYY-MM-DD
	CreatedAt time.Time `json:"created_at"`
}
