package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
)

const testSecret = "test-secret"

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu     sync.Mutex
	convs  map[int64]*chat.Conversation
	pairs  map[[2]string]int64
	nextID int64
	users  map[string]chat.User
	err    error // returned by every call when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[int64]*chat.Conversation),
		pairs: make(map[[2]string]int64),
		users: make(map[string]chat.User),
	}
}

func (s *fakeStore) add(conv *chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == 0 {
		s.nextID++
		conv.ID = s.nextID
	} else if conv.ID > s.nextID {
		s.nextID = conv.ID
	}
	s.convs[conv.ID] = conv
}

func (s *fakeStore) GetConversation(_ context.Context, id int64) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	conv, ok := s.convs[id]
	if !ok {
		return nil, &chat.NotFoundError{Entity: "conversation", ID: id}
	}
	return conv, nil
}

func (s *fakeStore) FindOrCreateDirect(_ context.Context, a, b string) (*chat.Conversation, bool, error) {
	if a == b {
		return nil, false, &chat.ValidationError{Field: "receiver_id", Reason: "cannot start a chat with yourself"}
	}
	key := [2]string{a, b}
	if b < a {
		key = [2]string{b, a}
	}
	s.mu.Lock()
	if id, ok := s.pairs[key]; ok {
		conv := s.convs[id]
		s.mu.Unlock()
		return conv, false, nil
	}
	s.mu.Unlock()

	conv := &chat.Conversation{
		Kind:    chat.KindDirect,
		Members: []chat.Member{{UserID: a, Role: chat.RoleMember}, {UserID: b, Role: chat.RoleMember}},
	}
	s.add(conv)
	s.mu.Lock()
	s.pairs[key] = conv.ID
	s.mu.Unlock()
	return conv, true, nil
}

func (s *fakeStore) ListConversations(_ context.Context, userID string) ([]chat.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []chat.ConversationSummary
	for _, conv := range s.convs {
		if !conv.IsMember(userID) {
			continue
		}
		sum := chat.ConversationSummary{ID: conv.ID, Kind: conv.Kind, Name: conv.Name}
		if conv.Kind == chat.KindDirect {
			if peers := conv.Recipients(userID); len(peers) == 1 {
				sum.PeerID = peers[0]
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID int64, userID string, _ int64, _ int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok || !conv.IsMember(userID) {
		return nil, &chat.NotFoundError{Entity: "conversation", ID: conversationID}
	}
	return nil, nil
}

func (s *fakeStore) CreateGroup(_ context.Context, creatorID, name, avatar string, members []string) (*chat.Conversation, error) {
	if err := chat.ValidateGroup(name, members); err != nil {
		return nil, err
	}
	conv := &chat.Conversation{Kind: chat.KindGroup, Name: name, Avatar: avatar, CreatedBy: creatorID}
	conv.Members = append(conv.Members, chat.Member{UserID: creatorID, Role: chat.RoleCreator})
	for _, m := range members {
		conv.Members = append(conv.Members, chat.Member{UserID: m, Role: chat.RoleMember})
	}
	s.add(conv)
	return conv, nil
}

func (s *fakeStore) group(groupID int64, actorID string) (*chat.Conversation, error) {
	conv, ok := s.convs[groupID]
	if !ok || conv.Kind != chat.KindGroup || !conv.IsMember(actorID) {
		return nil, &chat.NotFoundError{Entity: "group", ID: groupID}
	}
	return conv, nil
}

func (s *fakeStore) AddMember(_ context.Context, groupID int64, actorID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(groupID, actorID)
	if err != nil {
		return err
	}
	if !conv.IsMember(userID) {
		conv.Members = append(conv.Members, chat.Member{UserID: userID, Role: chat.RoleMember})
	}
	return nil
}

func (s *fakeStore) RemoveMember(_ context.Context, groupID int64, actorID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(groupID, actorID)
	if err != nil {
		return err
	}
	out := conv.Members[:0]
	for _, m := range conv.Members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	conv.Members = out
	return nil
}

func (s *fakeStore) UpdateGroup(_ context.Context, groupID int64, actorID, name, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(groupID, actorID)
	if err != nil {
		return err
	}
	conv.Name = name
	return nil
}

func (s *fakeStore) UpsertUser(_ context.Context, u chat.User) error {
	if err := chat.ValidateProfile(&u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, &chat.NotFoundError{Entity: "user", ID: id}
	}
	return &u, nil
}

func (s *fakeStore) ListUsers(_ context.Context, exceptID string) ([]chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []chat.User{}
	for id, u := range s.users {
		if id != exceptID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []chat.SendRequest
	updated []int64
	removed []string // "<conversation>:<user>"
	sendErr error
}

func (m *fakeMessenger) SendMessage(_ context.Context, req chat.SendRequest) (*chat.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	if err := chat.ValidateSend(&req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sent = append(m.sent, req)
	id := int64(len(m.sent))
	m.mu.Unlock()
	return &chat.Message{ID: id, ConversationID: req.ConversationID, SenderID: req.SenderID, Body: req.Body, ContentType: req.ContentType}, nil
}

func (m *fakeMessenger) MarkSeen(_ context.Context, conversationID int64, ids []int64, userID string) (*chat.SeenResult, error) {
	if ids == nil {
		ids = []int64{}
	}
	return &chat.SeenResult{ConversationID: conversationID, Kind: chat.KindDirect, UserID: userID, MessageIDs: ids, Updated: int64(len(ids))}, nil
}

func (m *fakeMessenger) ConversationUpdated(conversationID int64, _ chat.Kind) {
	m.mu.Lock()
	m.updated = append(m.updated, conversationID)
	m.mu.Unlock()
}

func (m *fakeMessenger) MemberRemoved(conversationID int64, userID string) {
	m.mu.Lock()
	m.removed = append(m.removed, fmt.Sprintf("%d:%s", conversationID, userID))
	m.mu.Unlock()
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	router    http.Handler
	store     *fakeStore
	messenger *fakeMessenger
	registry  *presence.Registry
	auth      *Authenticator
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		messenger: &fakeMessenger{},
		registry:  presence.NewRegistry(),
		auth:      NewAuthenticator(testSecret),
	}
	handler := New(h.store, h.messenger, h.registry, limiter, ratelimit.RuleSend)
	h.router = NewRouter(handler, h.auth)
	return h
}

func (h *harness) do(t *testing.T, user, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := h.auth.Issue(user, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestAuth_MissingToken(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "", http.MethodGet, "/api/chat/list", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuth_WrongSecret(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := NewAuthenticator("other").Issue("alice", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/list", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	a := NewAuthenticator(testSecret)
	token, _ := a.Issue("alice", -time.Minute)
	if _, err := a.Verify(token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestAuth_SubjectRoundTrip(t *testing.T) {
	a := NewAuthenticator(testSecret)
	token, err := a.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	sub, err := a.Verify(token)
	if err != nil || sub != "alice" {
		t.Fatalf("Verify() = %q, %v", sub, err)
	}
}

// ---------------------------------------------------------------------------
// Direct chats
// ---------------------------------------------------------------------------

func TestStartChat_CreatesOnceThenReturnsExisting(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, "alice", http.MethodPost, "/api/chat/start", map[string]string{"receiver_id": "bob"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body)
	}
	var first chat.Conversation
	decodeBody(t, resp, &first)

	resp = h.do(t, "bob", http.MethodPost, "/api/chat/start", map[string]string{"receiver_id": "alice"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var second chat.Conversation
	decodeBody(t, resp, &second)

	if first.ID != second.ID {
		t.Errorf("expected the same conversation, got %d and %d", first.ID, second.ID)
	}
	if len(h.messenger.updated) != 1 {
		t.Errorf("expected one chatUpdated for the new conversation, got %v", h.messenger.updated)
	}
}

func TestStartChat_WithSelfIsBadRequest(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodPost, "/api/chat/start", map[string]string{"receiver_id": "alice"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListChats_MarksOnlinePeers(t *testing.T) {
	h := newHarness(t, nil)
	h.store.FindOrCreateDirect(context.Background(), "alice", "bob")
	h.store.FindOrCreateDirect(context.Background(), "alice", "carol")
	h.registry.Announce("bob", "sess-b")

	resp := h.do(t, "alice", http.MethodGet, "/api/chat/list", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var list []chat.ConversationSummary
	decodeBody(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	for _, c := range list {
		want := c.PeerID == "bob"
		if c.Online != want {
			t.Errorf("peer %s online=%v, want %v", c.PeerID, c.Online, want)
		}
	}
}

func TestListChats_EmptyIsArray(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodGet, "/api/chat/list", nil)
	if body := bytes.TrimSpace(resp.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected [], got %s", body)
	}
}

func TestListChats_StoreFailureHidesDetails(t *testing.T) {
	h := newHarness(t, nil)
	h.store.err = &chat.StoreError{Op: "list conversations", Err: errors.New("connection refused")}

	resp := h.do(t, "alice", http.MethodGet, "/api/chat/list", nil)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] != "internal server error" {
		t.Errorf("expected fixed error body, got %v", body)
	}
}

func TestListMessages_Errors(t *testing.T) {
	h := newHarness(t, nil)
	conv, _, _ := h.store.FindOrCreateDirect(context.Background(), "alice", "bob")

	tests := []struct {
		name string
		user string
		path string
		want int
	}{
		{"bad id", "alice", "/api/chat/abc/messages", http.StatusBadRequest},
		{"bad limit", "alice", "/api/chat/1/messages?limit=-1", http.StatusBadRequest},
		{"not a member", "mallory", "/api/chat/1/messages", http.StatusNotFound},
		{"ok", "alice", "/api/chat/1/messages?before=10&limit=20", http.StatusOK},
	}
	if conv.ID != 1 {
		t.Fatalf("expected conversation 1, got %d", conv.ID)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, tt.user, http.MethodGet, tt.path, nil)
			if resp.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, resp.Code, resp.Body)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Sending and receipts
// ---------------------------------------------------------------------------

func TestSend_UsesAuthenticatedSender(t *testing.T) {
	h := newHarness(t, fakeLimiter{allow: true})

	resp := h.do(t, "alice", http.MethodPost, "/api/chat/send", map[string]interface{}{
		"conversation_id": 3,
		"body":            "hi",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body)
	}
	if len(h.messenger.sent) != 1 || h.messenger.sent[0].SenderID != "alice" {
		t.Fatalf("unexpected sends: %+v", h.messenger.sent)
	}
	var msg chat.Message
	decodeBody(t, resp, &msg)
	if msg.ContentType != chat.ContentText {
		t.Errorf("expected default content type, got %q", msg.ContentType)
	}
}

func TestSend_GroupRouteSharesHandler(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodPost, "/api/group/send", map[string]interface{}{
		"conversation_id": 6,
		"body":            "hello team",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodPost, "/api/chat/send", map[string]interface{}{
		"conversation_id": 3,
		"body":            "   ",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSend_RateLimited(t *testing.T) {
	h := newHarness(t, fakeLimiter{allow: false})
	resp := h.do(t, "alice", http.MethodPost, "/api/chat/send", map[string]interface{}{
		"conversation_id": 3,
		"body":            "hi",
	})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "10" {
		t.Errorf("expected Retry-After 10, got %q", resp.Header().Get("Retry-After"))
	}
	if len(h.messenger.sent) != 0 {
		t.Error("limited send must not reach the messenger")
	}
}

func TestSend_NotMember(t *testing.T) {
	h := newHarness(t, nil)
	h.messenger.sendErr = &chat.NotFoundError{Entity: "conversation", ID: 3}
	resp := h.do(t, "alice", http.MethodPost, "/api/chat/send", map[string]interface{}{
		"conversation_id": 3,
		"body":            "hi",
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSeen_ReturnsResult(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "bob", http.MethodPost, "/api/chat/seen", map[string]interface{}{
		"conversation_id": 3,
		"message_ids":     []int64{1, 2},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var res chat.SeenResult
	decodeBody(t, resp, &res)
	if res.UserID != "bob" || len(res.MessageIDs) != 2 || res.Updated != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestBadJSONIsBadRequest(t *testing.T) {
	h := newHarness(t, nil)
	token, _ := h.auth.Issue("alice", time.Hour)
	req := httptest.NewRequest(http.MethodPost, "/api/chat/seen", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

func TestGroupLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, "alice", http.MethodPost, "/api/group/create", map[string]interface{}{
		"name":    "team",
		"members": []string{"bob"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", resp.Code, resp.Body)
	}
	var group chat.Conversation
	decodeBody(t, resp, &group)

	h.registry.Announce("bob", "sess-b")
	resp = h.do(t, "alice", http.MethodGet, "/api/group/1/members", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("members: expected 200, got %d", resp.Code)
	}
	var members []memberView
	decodeBody(t, resp, &members)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	for _, m := range members {
		if m.Online != (m.UserID == "bob") {
			t.Errorf("member %s online=%v", m.UserID, m.Online)
		}
	}

	if resp := h.do(t, "mallory", http.MethodGet, "/api/group/1/members", nil); resp.Code != http.StatusNotFound {
		t.Errorf("outsider listing members: expected 404, got %d", resp.Code)
	}

	if resp := h.do(t, "alice", http.MethodPost, "/api/group/1/members", map[string]string{"user_id": "carol"}); resp.Code != http.StatusOK {
		t.Fatalf("add: expected 200, got %d", resp.Code)
	}
	if resp := h.do(t, "alice", http.MethodPost, "/api/group/1/rename", map[string]string{"name": "crew"}); resp.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d", resp.Code)
	}
	if resp := h.do(t, "alice", http.MethodDelete, "/api/group/1/members/carol", nil); resp.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", resp.Code)
	}

	conv, _ := h.store.GetConversation(context.Background(), group.ID)
	if conv.Name != "crew" || conv.IsMember("carol") {
		t.Errorf("unexpected group state %+v", conv)
	}
	// create, add, rename, remove
	if len(h.messenger.updated) != 4 {
		t.Errorf("expected 4 chatUpdated notifications, got %v", h.messenger.updated)
	}
	if len(h.messenger.removed) != 1 || h.messenger.removed[0] != "1:carol" {
		t.Errorf("expected carol's sessions to be unsubscribed, got %v", h.messenger.removed)
	}
}

func TestRemoveMember_FailureKeepsSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, "alice", http.MethodPost, "/api/group/create", map[string]interface{}{
		"name":    "team",
		"members": []string{"bob"},
	})

	// mallory is not a member, so the store refuses and nobody is unsubscribed.
	if resp := h.do(t, "mallory", http.MethodDelete, "/api/group/1/members/bob", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if len(h.messenger.removed) != 0 {
		t.Errorf("failed removal unsubscribed sessions: %v", h.messenger.removed)
	}
}

func TestCreateGroup_Validation(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodPost, "/api/group/create", map[string]interface{}{"name": ""})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

// ---------------------------------------------------------------------------
// Presence and profile
// ---------------------------------------------------------------------------

func TestPresence(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Announce("bob", "sess-b")

	resp := h.do(t, "alice", http.MethodGet, "/api/presence/bob", nil)
	var got presenceResponse
	decodeBody(t, resp, &got)
	if !got.Online || got.LastActive == nil || got.UserID != "bob" {
		t.Errorf("unexpected presence %+v", got)
	}

	resp = h.do(t, "alice", http.MethodGet, "/api/presence/nobody", nil)
	var raw map[string]interface{}
	decodeBody(t, resp, &raw)
	if raw["online"] != false || raw["last_active"] != nil {
		t.Errorf("unknown user should be offline with null last_active, got %v", raw)
	}
}

func TestProfile_UpsertThenGet(t *testing.T) {
	h := newHarness(t, nil)

	if resp := h.do(t, "alice", http.MethodGet, "/api/users/profile", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("missing profile: expected 404, got %d", resp.Code)
	}

	resp := h.do(t, "alice", http.MethodPut, "/api/users/profile", map[string]string{
		"name":   " Alice ",
		"phone":  "555-0100",
		"bio":    "hello",
		"gender": "female",
		"dob":    "1990-04-02",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body)
	}

	resp = h.do(t, "alice", http.MethodGet, "/api/users/profile", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got chat.User
	decodeBody(t, resp, &got)
	if got.ID != "alice" || got.Name != "Alice" || got.Phone != "555-0100" || got.Bio != "hello" || got.Gender != "female" || got.DOB != "1990-04-02" {
		t.Errorf("unexpected profile %+v", got)
	}
}

func TestProfile_Validation(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodPut, "/api/users/profile", map[string]string{"dob": "2.4.1990"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if _, ok := h.store.users["alice"]; ok {
		t.Error("invalid profile was stored")
	}
}

func TestListUsers_ExcludesCallerAndMarksOnline(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"alice", "bob", "carol"} {
		h.store.UpsertUser(context.Background(), chat.User{ID: id, Name: id})
	}
	h.registry.Announce("bob", "sess-b")

	resp := h.do(t, "alice", http.MethodGet, "/api/users/all", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var users []userView
	decodeBody(t, resp, &users)
	if len(users) != 2 || users[0].ID != "bob" || users[1].ID != "carol" {
		t.Fatalf("unexpected directory %+v", users)
	}
	if !users[0].Online || users[1].Online {
		t.Errorf("online flags wrong: bob=%v carol=%v", users[0].Online, users[1].Online)
	}
}

func TestListUsers_EmptyIsArray(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, "alice", http.MethodGet, "/api/users/all", nil)
	if body := bytes.TrimSpace(resp.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected [], got %s", body)
	}
}
