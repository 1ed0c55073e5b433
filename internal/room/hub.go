package room

import (
	"log"
	"sort"
	"sync"
)

// Sender is the transport the hub fans out over. ws.Server satisfies it.
type Sender interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
}

// Hub is a thread-safe registry of room memberships keyed by session id.
// It keeps both directions so that disconnect cleanup is O(rooms of session).
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // room key -> session ids
	joined map[string]map[string]struct{} // session id -> room keys
	sender Sender
}

// NewHub creates an empty hub that delivers frames through sender.
func NewHub(sender Sender) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		sender: sender,
	}
}

// SetSender assigns the transport. It supports wiring where the hub is
// created before the server it sends through.
func (h *Hub) SetSender(sender Sender) {
	h.mu.Lock()
	h.sender = sender
	h.mu.Unlock()
}

// Join subscribes a session to a room. Joining twice is harmless.
func (h *Hub) Join(sessionID, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[key]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[key] = members
	}
	members[sessionID] = struct{}{}

	keys, ok := h.joined[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		h.joined[sessionID] = keys
	}
	keys[key] = struct{}{}
}

// Leave unsubscribes a session from a room. Leaving a room the session never
// joined, or a room with no members, is a no-op.
func (h *Hub) Leave(sessionID, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, key)
}

// LeaveAll removes the session from every room it joined and returns how many
// rooms that was. Called on disconnect.
func (h *Hub) LeaveAll(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := h.joined[sessionID]
	n := len(keys)
	for key := range keys {
		h.leaveLocked(sessionID, key)
	}
	return n
}

func (h *Hub) leaveLocked(sessionID, key string) {
	if members, ok := h.rooms[key]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
	if keys, ok := h.joined[sessionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(h.joined, sessionID)
		}
	}
}

// Members returns the sessions subscribed to a room, sorted.
func (h *Hub) Members(key string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.rooms[key])
}

// IsMember reports whether the session has joined the room.
func (h *Hub) IsMember(sessionID, key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[key][sessionID]
	return ok
}

// RoomsOf returns the rooms a session is subscribed to, sorted.
func (h *Hub) RoomsOf(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.joined[sessionID])
}

// Broadcast sends data to every session in the room except exclude (pass ""
// to include everyone). It returns the number of sessions written to.
// Write failures are logged; dead connections are reaped by the transport.
func (h *Hub) Broadcast(key string, data []byte, exclude string) int {
	h.mu.RLock()
	targets := make([]string, 0, len(h.rooms[key]))
	for sid := range h.rooms[key] {
		if sid != exclude {
			targets = append(targets, sid)
		}
	}
	sender := h.sender
	h.mu.RUnlock()

	if sender == nil {
		return 0
	}

	sent := 0
	for _, sid := range targets {
		if err := sender.SendMessage(sid, data); err != nil {
			log.Printf("[room] send to session=%s room=%s failed: %v", sid, key, err)
			continue
		}
		sent++
	}
	return sent
}

// BroadcastGlobal sends data to every connected session regardless of rooms.
func (h *Hub) BroadcastGlobal(data []byte) {
	h.mu.RLock()
	sender := h.sender
	h.mu.RUnlock()

	if sender != nil {
		sender.Broadcast(data)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
