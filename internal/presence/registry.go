// Package presence tracks which users are connected right now. A user may hold
// several live sessions at once (multiple devices or tabs); the user is online
// for as long as at least one of them is alive.
//
// The registry is pure in-process state. It never emits anything itself:
// callers inspect the transition flags returned by Announce and DropSession
// and broadcast presence changes on their own.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of one user's presence record.
type Snapshot struct {
	UserID     string
	Online     bool
	LastActive time.Time // zero if the user was never seen
	Sessions   int
}

// record is the per-user presence state. online always equals
// len(sessions) > 0; it is stored explicitly so that a reclaimed-but-retained
// record still reports offline.
type record struct {
	sessions   map[string]struct{}
	online     bool
	lastActive time.Time
}

// Registry maps user ids to their live session ids. It is safe for concurrent
// use; connect and disconnect handlers run on different worker goroutines.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]*record // user_id -> record
	sessions map[string]string  // session_id -> user_id
	now      func() time.Time
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock creates an empty registry with an injectable clock.
func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		users:    make(map[string]*record),
		sessions: make(map[string]string),
		now:      now,
	}
}

// Announce binds sessionID to userID, marks the user online and stamps its
// last-active time. Repeating the same pair is harmless. The returned bool is
// true only when the user's session set went from empty to non-empty.
//
// If sessionID was previously bound to another user it is moved; the caller
// is expected to reject that case before calling if it matters.
func (r *Registry) Announce(userID, sessionID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if prev, ok := r.sessions[sessionID]; ok && prev != userID {
		r.detachLocked(prev, sessionID, now)
	}

	rec, ok := r.users[userID]
	if !ok {
		rec = &record{sessions: make(map[string]struct{})}
		r.users[userID] = rec
	}

	cameOnline := len(rec.sessions) == 0
	rec.sessions[sessionID] = struct{}{}
	rec.online = true
	rec.lastActive = now
	r.sessions[sessionID] = userID

	return snapshotOf(userID, rec), cameOnline
}

// DropSession removes a session. A session that never announced is a no-op
// and yields a zero Snapshot. The returned bool is true only when the owning
// user's last session went away.
func (r *Registry) DropSession(sessionID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	wentOffline := r.detachLocked(userID, sessionID, r.now())
	return snapshotOf(userID, r.users[userID]), wentOffline
}

// detachLocked removes sessionID from userID's set. Caller holds r.mu.
func (r *Registry) detachLocked(userID, sessionID string, now time.Time) bool {
	delete(r.sessions, sessionID)

	rec, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, had := rec.sessions[sessionID]; !had {
		return false
	}
	delete(rec.sessions, sessionID)

	if len(rec.sessions) == 0 {
		rec.online = false
		rec.lastActive = now
		return true
	}
	return false
}

// UserOf returns the user a session announced as, if any.
func (r *Registry) UserOf(sessionID string) (string, bool) {
	r.mu.RLock()
	userID, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return userID, ok
}

// IsOnline reports whether the user has at least one live session. Unknown
// users are offline.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	return ok && rec.online
}

// LastActive returns the user's last-active timestamp, or false if the user
// was never seen by this process.
func (r *Registry) LastActive(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastActive, true
}

// SessionsOf returns the user's live session ids in sorted order.
func (r *Registry) SessionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.sessions))
	for id := range rec.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the presence record for a user. Unknown users yield an
// offline snapshot with a zero LastActive.
func (r *Registry) Snapshot(userID string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.users[userID]
	if !ok {
		return Snapshot{UserID: userID}
	}
	return snapshotOf(userID, rec)
}

// OnlineCount returns the number of users with at least one live session.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.users {
		if rec.online {
			n++
		}
	}
	return n
}

func snapshotOf(userID string, rec *record) Snapshot {
	if rec == nil {
		return Snapshot{UserID: userID}
	}
	return Snapshot{
		UserID:     userID,
		Online:     rec.online,
		LastActive: rec.lastActive,
		Sessions:   len(rec.sessions),
	}
}
