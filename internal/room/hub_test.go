package room

import (
	"errors"
	"sync"
	"testing"
)

// recordingSender captures frames per connection.
type recordingSender struct {
	mu      sync.Mutex
	frames  map[string][][]byte
	global  [][]byte
	failFor map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][][]byte), failFor: make(map[string]bool)}
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[connID] {
		return errors.New("connection gone")
	}
	s.frames[connID] = append(s.frames[connID], data)
	return nil
}

func (s *recordingSender) Broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = append(s.global, data)
}

func (s *recordingSender) count(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[connID])
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func TestKeyNamespacesNeverCollide(t *testing.T) {
	if ChatKey(5) == GroupKey(5) {
		t.Fatalf("chat and group keys collide: %q", ChatKey(5))
	}
	if Key("chat", 5) != "chat:5" {
		t.Errorf("Key(chat,5) = %q, want chat:5", Key("chat", 5))
	}
	if GroupKey(5) != "group:5" {
		t.Errorf("GroupKey(5) = %q, want group:5", GroupKey(5))
	}
}

func TestParseKey(t *testing.T) {
	cases := []struct {
		key     string
		ns      string
		id      int64
		wantErr bool
	}{
		{"chat:10", NamespaceChat, 10, false},
		{"group:7", NamespaceGroup, 7, false},
		{"10", "", 0, true},
		{"dm:10", "", 0, true},
		{"chat:abc", "", 0, true},
		{"group:0", "", 0, true},
		{"group:-3", "", 0, true},
	}
	for _, tc := range cases {
		ns, id, err := ParseKey(tc.key)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseKey(%q): expected error", tc.key)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKey(%q): unexpected error %v", tc.key, err)
			continue
		}
		if ns != tc.ns || id != tc.id {
			t.Errorf("ParseKey(%q) = %q, %d; want %q, %d", tc.key, ns, id, tc.ns, tc.id)
		}
	}
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

func TestJoinLeave(t *testing.T) {
	h := NewHub(newRecordingSender())

	h.Join("s1", "chat:1")
	h.Join("s2", "chat:1")
	h.Join("s1", "group:1")

	if got := h.Members("chat:1"); len(got) != 2 {
		t.Fatalf("expected 2 members in chat:1, got %v", got)
	}
	if got := h.RoomsOf("s1"); len(got) != 2 || got[0] != "chat:1" || got[1] != "group:1" {
		t.Fatalf("RoomsOf(s1) = %v", got)
	}

	h.Leave("s1", "chat:1")
	if got := h.Members("chat:1"); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("expected only s2 left in chat:1, got %v", got)
	}
}

func TestLeaveUnjoinedIsNoop(t *testing.T) {
	h := NewHub(newRecordingSender())

	// Should not panic.
	h.Leave("nobody", "chat:99")
	h.Join("s1", "chat:1")
	h.Leave("s1", "group:1")

	if got := h.Members("chat:1"); len(got) != 1 {
		t.Errorf("unrelated leave changed membership: %v", got)
	}
}

func TestIsMember(t *testing.T) {
	h := NewHub(newRecordingSender())

	h.Join("s1", "chat:1")
	if !h.IsMember("s1", "chat:1") {
		t.Error("s1 should be a member of chat:1")
	}
	if h.IsMember("s1", "group:1") || h.IsMember("s2", "chat:1") {
		t.Error("membership leaked across sessions or rooms")
	}

	h.Leave("s1", "chat:1")
	if h.IsMember("s1", "chat:1") {
		t.Error("s1 still a member after Leave")
	}
}

func TestLeaveAll(t *testing.T) {
	h := NewHub(newRecordingSender())

	h.Join("s1", "chat:1")
	h.Join("s1", "chat:2")
	h.Join("s2", "chat:1")

	if n := h.LeaveAll("s1"); n != 2 {
		t.Errorf("LeaveAll returned %d, want 2", n)
	}
	if got := h.RoomsOf("s1"); len(got) != 0 {
		t.Errorf("s1 still in rooms %v", got)
	}
	if got := h.Members("chat:2"); len(got) != 0 {
		t.Errorf("chat:2 should be empty, got %v", got)
	}
	if got := h.Members("chat:1"); len(got) != 1 || got[0] != "s2" {
		t.Errorf("chat:1 should keep s2, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func TestBroadcastExcludesSender(t *testing.T) {
	sender := newRecordingSender()
	h := NewHub(sender)

	h.Join("s1", "chat:1")
	h.Join("s2", "chat:1")
	h.Join("s3", "chat:2")

	n := h.Broadcast("chat:1", []byte(`{"type":"typing"}`), "s1")
	if n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	if sender.count("s1") != 0 {
		t.Error("excluded session received the frame")
	}
	if sender.count("s2") != 1 {
		t.Error("s2 did not receive the frame")
	}
	if sender.count("s3") != 0 {
		t.Error("session in another room received the frame")
	}
}

func TestBroadcastSkipsFailedWrites(t *testing.T) {
	sender := newRecordingSender()
	sender.failFor["s2"] = true
	h := NewHub(sender)

	h.Join("s1", "chat:1")
	h.Join("s2", "chat:1")

	if n := h.Broadcast("chat:1", []byte("x"), ""); n != 1 {
		t.Errorf("expected 1 successful write, got %d", n)
	}
}

func TestBroadcastGlobal(t *testing.T) {
	sender := newRecordingSender()
	h := NewHub(sender)

	h.BroadcastGlobal([]byte("hello"))
	if len(sender.global) != 1 {
		t.Fatalf("expected 1 global frame, got %d", len(sender.global))
	}
}

func TestBroadcastWithoutSender(t *testing.T) {
	h := NewHub(nil)
	h.Join("s1", "chat:1")

	if n := h.Broadcast("chat:1", []byte("x"), ""); n != 0 {
		t.Errorf("expected 0 without sender, got %d", n)
	}
	h.BroadcastGlobal([]byte("x"))
}
