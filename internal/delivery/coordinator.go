package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/room"
)

// Events published for other services, on conversation.<id>.<event>.
const (
	PublishMessage = "message"
	PublishSeen    = "seen"
)

// Store is the durable-store surface the Coordinator needs.
type Store interface {
	Membership(ctx context.Context, conversationID int64, userID string) (chat.Kind, bool, error)
	InsertMessage(ctx context.Context, req chat.SendRequest) (*chat.Message, error)
	MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID string) (*chat.SeenResult, error)
}

// Publisher forwards durable conversation events to other services.
type Publisher interface {
	PublishConversationEvent(conversationID int64, event string, data []byte) error
}

// SessionRecorder records which user a session announced as.
type SessionRecorder interface {
	SetUser(ctx context.Context, sessionID, userID string) error
}

// TokenVerifier checks a bearer token and returns the user id it was issued to.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Coordinator applies inbound events to the presence registry, the room hub
// and the store, and fans the results out. It is safe for concurrent use;
// the transport guarantees events of one session arrive one at a time.
type Coordinator struct {
	store        Store
	presence     *presence.Registry
	hub          *room.Hub
	publisher    Publisher
	sessions     SessionRecorder
	verifier     TokenVerifier
	storeTimeout time.Duration
	locks        *keyedMutex
	now          func() time.Time
}

// NewCoordinator wires a Coordinator to its store, registry and hub.
func NewCoordinator(store Store, registry *presence.Registry, hub *room.Hub) *Coordinator {
	return &Coordinator{
		store:        store,
		presence:     registry,
		hub:          hub,
		storeTimeout: 5 * time.Second,
		locks:        newKeyedMutex(),
		now:          time.Now,
	}
}

// SetPublisher enables publishing of message and seen events. nil disables it.
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

// SetSessionRecorder sets where announced users are recorded.
func (c *Coordinator) SetSessionRecorder(r SessionRecorder) {
	c.sessions = r
}

// SetTokenVerifier makes announce require a token whose subject is the
// announced user. nil accepts any user id.
func (c *Coordinator) SetTokenVerifier(v TokenVerifier) {
	c.verifier = v
}

// SetStoreTimeout bounds every store call made by the Coordinator.
func (c *Coordinator) SetStoreTimeout(d time.Duration) {
	c.storeTimeout = d
}

// Handle applies one event for sessionID. Failures are logged, counted and
// returned; nothing is written back to the session.
func (c *Coordinator) Handle(ctx context.Context, sessionID string, ev Event) error {
	var err error
	switch e := ev.(type) {
	case Announce:
		err = c.announce(ctx, sessionID, e)
	case JoinRoom:
		err = c.joinRoom(ctx, sessionID, e)
	case LeaveRoom:
		c.hub.Leave(sessionID, e.Room)
	case Typing:
		err = c.typing(sessionID, e)
	case Delivered:
		err = c.delivered(sessionID, e)
	case Seen:
		err = c.seen(ctx, sessionID, e)
	case Disconnect:
		c.disconnect(sessionID)
	default:
		err = fmt.Errorf("delivery: unsupported event %T", ev)
	}

	name := "unknown"
	if ev != nil {
		name = ev.Name()
	}
	if err != nil {
		log.Printf("[delivery] dropped event=%s session=%s: %v", name, sessionID, err)
		metrics.EventsTotal.WithLabelValues(name, metrics.OutcomeDropped).Inc()
		return err
	}
	metrics.EventsTotal.WithLabelValues(name, metrics.OutcomeHandled).Inc()
	return nil
}

func (c *Coordinator) announce(ctx context.Context, sessionID string, e Announce) error {
	if c.verifier != nil {
		if e.Token == "" {
			return &chat.ValidationError{Field: "token", Reason: "required"}
		}
		subject, err := c.verifier.Verify(e.Token)
		if err != nil {
			return &chat.ValidationError{Field: "token", Reason: "invalid or expired"}
		}
		if e.UserID == "" {
			e.UserID = subject
		}
		if e.UserID != subject {
			return &chat.ValidationError{Field: "user_id", Reason: "does not match token"}
		}
	}
	if e.UserID == "" {
		return &chat.ValidationError{Field: "user_id", Reason: "required"}
	}
	if current, ok := c.presence.UserOf(sessionID); ok && current != e.UserID {
		return &chat.ValidationError{Field: "user_id", Reason: "session already announced as another user"}
	}

	snap, cameOnline := c.presence.Announce(e.UserID, sessionID)
	metrics.OnlineUsers.Set(float64(c.presence.OnlineCount()))

	if c.sessions != nil {
		if err := c.sessions.SetUser(ctx, sessionID, e.UserID); err != nil {
			log.Printf("[delivery] record user for session=%s failed: %v", sessionID, err)
		}
	}

	if cameOnline {
		log.Printf("[presence] user=%s online session=%s", e.UserID, sessionID)
		c.broadcastGlobal(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
			UserID:     e.UserID,
			Online:     true,
			LastActive: snap.LastActive,
		})
	}
	return nil
}

func (c *Coordinator) joinRoom(ctx context.Context, sessionID string, e JoinRoom) error {
	ns, id, err := room.ParseKey(e.Room)
	if err != nil {
		return &chat.ValidationError{Field: "room", Reason: err.Error()}
	}
	userID, ok := c.presence.UserOf(sessionID)
	if !ok {
		return &chat.ValidationError{Field: "session", Reason: "announce required before joining rooms"}
	}

	ctx, cancel := c.storeContext(ctx)
	defer cancel()
	kind, member, err := c.store.Membership(ctx, id, userID)
	if err != nil {
		return err
	}
	if !member || kindOf(ns) != kind {
		return &chat.NotFoundError{Entity: "conversation", ID: id}
	}

	c.hub.Join(sessionID, e.Room)
	return nil
}

func (c *Coordinator) typing(sessionID string, e Typing) error {
	if e.ConversationID <= 0 {
		return &chat.ValidationError{Field: "conversation_id", Reason: "required"}
	}
	userID, err := c.actingUser(sessionID, e.UserID)
	if err != nil {
		return err
	}
	kind, err := normalizeKind(e.Kind)
	if err != nil {
		return err
	}
	key := roomKey(kind, e.ConversationID)
	if !c.hub.IsMember(sessionID, key) {
		return &chat.NotFoundError{Entity: "conversation", ID: e.ConversationID}
	}

	c.broadcastRoom(key, sessionID, protocol.TypeTyping, protocol.ServerTypingMsg{
		ConversationID: e.ConversationID,
		Kind:           kind,
		UserID:         userID,
		IsTyping:       e.IsTyping,
	})
	return nil
}

func (c *Coordinator) delivered(sessionID string, e Delivered) error {
	if e.ConversationID <= 0 {
		return &chat.ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if e.MessageID <= 0 {
		return &chat.ValidationError{Field: "message_id", Reason: "required"}
	}
	userID, err := c.actingUser(sessionID, e.UserID)
	if err != nil {
		return err
	}
	kind, err := normalizeKind(e.Kind)
	if err != nil {
		return err
	}
	key := roomKey(kind, e.ConversationID)
	if !c.hub.IsMember(sessionID, key) {
		return &chat.NotFoundError{Entity: "conversation", ID: e.ConversationID}
	}

	// The original sender is in the room and needs the receipt, so nobody is excluded.
	c.broadcastRoom(key, "", protocol.TypeDelivered, protocol.ServerDeliveredMsg{
		ConversationID: e.ConversationID,
		Kind:           kind,
		MessageID:      e.MessageID,
		UserID:         userID,
		DeliveredAt:    c.now().UTC(),
	})
	return nil
}

func (c *Coordinator) seen(ctx context.Context, sessionID string, e Seen) error {
	userID, err := c.actingUser(sessionID, e.UserID)
	if err != nil {
		return err
	}
	_, err = c.MarkSeen(ctx, e.ConversationID, e.MessageIDs, userID)
	return err
}

func (c *Coordinator) disconnect(sessionID string) {
	userID, _ := c.presence.UserOf(sessionID)
	snap, wentOffline := c.presence.DropSession(sessionID)
	left := c.hub.LeaveAll(sessionID)
	metrics.OnlineUsers.Set(float64(c.presence.OnlineCount()))

	if !wentOffline {
		if userID != "" {
			log.Printf("[presence] session=%s closed user=%s rooms=%d sessions_left=%d", sessionID, userID, left, snap.Sessions)
		}
		return
	}

	log.Printf("[presence] user=%s offline session=%s rooms=%d", userID, sessionID, left)
	c.broadcastGlobal(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
		UserID:     snap.UserID,
		Online:     false,
		LastActive: snap.LastActive,
	})
}

// MarkSeen persists a seen acknowledgement and fans it out: messageSeen to
// the room, chatUpdated to everyone. Nothing is fanned out if the store fails.
func (c *Coordinator) MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID string) (*chat.SeenResult, error) {
	if err := chat.ValidateSeen(conversationID, messageIDs, userID); err != nil {
		return nil, err
	}
	if messageIDs == nil {
		messageIDs = []int64{}
	}

	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	res, err := c.store.MarkSeen(storeCtx, conversationID, messageIDs, userID)
	if err != nil {
		return nil, err
	}

	payload := protocol.ServerSeenMsg{
		ConversationID: res.ConversationID,
		Kind:           res.Kind,
		MessageIDs:     messageIDs,
		UserID:         userID,
		SeenAt:         res.SeenAt,
	}
	c.broadcastRoom(roomKey(res.Kind, conversationID), "", protocol.TypeSeen, payload)
	c.ConversationUpdated(conversationID, res.Kind)
	c.publish(conversationID, PublishSeen, payload)
	return res, nil
}

// ConversationUpdated tells every connection to refresh the conversation's
// summary and unread counters.
func (c *Coordinator) ConversationUpdated(conversationID int64, kind chat.Kind) {
	c.broadcastGlobal(protocol.TypeChatUpdated, protocol.ChatUpdatedMsg{
		ConversationID: conversationID,
		Kind:           kind,
	})
}

// MemberRemoved unsubscribes every session of userID from the group's room so
// they stop receiving its traffic.
func (c *Coordinator) MemberRemoved(conversationID int64, userID string) {
	key := room.GroupKey(conversationID)
	for _, sid := range c.presence.SessionsOf(userID) {
		c.hub.Leave(sid, key)
	}
	log.Printf("[delivery] user=%s removed from room=%s", userID, key)
}

// actingUser resolves the user an event acts for. An explicit id must match
// the announced one; an empty id falls back to it.
func (c *Coordinator) actingUser(sessionID, claimed string) (string, error) {
	announced, ok := c.presence.UserOf(sessionID)
	switch {
	case ok && claimed != "" && claimed != announced:
		return "", &chat.ValidationError{Field: "user_id", Reason: "does not match announced user"}
	case ok:
		return announced, nil
	case claimed != "":
		return claimed, nil
	default:
		return "", &chat.ValidationError{Field: "user_id", Reason: "required"}
	}
}

func (c *Coordinator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.storeTimeout)
}

func (c *Coordinator) broadcastRoom(key, exclude, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[delivery] encode %s failed: %v", msgType, err)
		return
	}
	n := c.hub.Broadcast(key, data, exclude)
	metrics.FanoutRecipients.Observe(float64(n))
}

func (c *Coordinator) broadcastGlobal(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[delivery] encode %s failed: %v", msgType, err)
		return
	}
	c.hub.BroadcastGlobal(data)
}

func (c *Coordinator) publish(conversationID int64, event string, payload interface{}) {
	if c.publisher == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[delivery] marshal %s event failed: %v", event, err)
		return
	}
	if err := c.publisher.PublishConversationEvent(conversationID, event, data); err != nil {
		log.Printf("[delivery] publish %s conversation=%d failed: %v", event, conversationID, err)
	}
}

func roomKey(kind chat.Kind, id int64) string {
	if kind == chat.KindGroup {
		return room.GroupKey(id)
	}
	return room.ChatKey(id)
}

func kindOf(namespace string) chat.Kind {
	if namespace == room.NamespaceGroup {
		return chat.KindGroup
	}
	return chat.KindDirect
}

func normalizeKind(k chat.Kind) (chat.Kind, error) {
	if k == "" {
		return chat.KindDirect, nil
	}
	if !k.Valid() {
		return "", &chat.ValidationError{Field: "kind", Reason: "must be direct or group"}
	}
	return k, nil
}
