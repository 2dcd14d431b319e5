// Package session tracks live chat sessions: which connection belongs to which
// user, which room each user occupies, who is typing, and per-connection
// request rate windows.
package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Session is the live binding between a transport connection, an
// authenticated user, and a room.
type Session struct {
	ConnectionID   string
	UserID         string
	DisplayName    string
	RoomID         string
	JoinedAt       time.Time
	LastActivityAt time.Time
}

// Registry owns every Session. Other components refer to sessions by
// connection or user id only and receive copies.
// All methods are safe for concurrent use.
//
// Invariant: at most one session per connection and at most one per user.
type Registry struct {
	mu     sync.RWMutex
	logger *zap.Logger
	now    func() time.Time

	byConn  map[string]*Session        // connectionID → session
	byUser  map[string]string          // userID → connectionID
	members map[string]map[string]bool // roomID → set of userIDs
	typing  map[string]map[string]bool // roomID → set of userIDs
	windows map[string][]time.Time     // connectionID → request timestamps, oldest first
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger,
		now:     time.Now,
		byConn:  make(map[string]*Session),
		byUser:  make(map[string]string),
		members: make(map[string]map[string]bool),
		typing:  make(map[string]map[string]bool),
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// recoverFault turns a bookkeeping panic into a logged no-op so presence
// tracking can never take down the message path.
func (r *Registry) recoverFault(op string) {
	if p := recover(); p != nil {
		r.logger.Error("session registry fault",
			zap.String("op", op),
			zap.Any("panic", p),
		)
	}
}

// Join binds connID to userID in roomID.
//
// Any session the user holds on another connection is evicted first. Joining
// again on the same connection is idempotent; joining a different room moves
// the session. Returns a copy of the displaced session (the other connection's
// session, or this connection's binding to a different room), or nil.
//
// Precondition: all arguments must be non-empty.
func (r *Registry) Join(connID, userID, displayName, roomID string) (displaced *Session) {
	defer r.recoverFault("join")

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if prevConn, ok := r.byUser[userID]; ok && prevConn != connID {
		if prev := r.removeLocked(prevConn); prev != nil {
			displaced = prev
		}
	}

	if cur, ok := r.byConn[connID]; ok {
		if cur.UserID == userID && cur.RoomID == roomID {
			cur.DisplayName = displayName
			cur.LastActivityAt = now
			return displaced
		}
		prev := r.removeLocked(connID)
		if displaced == nil {
			displaced = prev
		}
	}

	sess := &Session{
		ConnectionID:   connID,
		UserID:         userID,
		DisplayName:    displayName,
		RoomID:         roomID,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	r.byConn[connID] = sess
	r.byUser[userID] = connID
	if r.members[roomID] == nil {
		r.members[roomID] = make(map[string]bool)
	}
	r.members[roomID][userID] = true

	return displaced
}

// Leave removes the session bound to connID.
//
// Postcondition: Returns (copy, true) if a session was removed; (nil, false)
// with no mutation otherwise.
func (r *Registry) Leave(connID string) (*Session, bool) {
	defer r.recoverFault("leave")

	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.removeLocked(connID)
	return sess, sess != nil
}

// removeLocked drops the session for connID along with its membership and
// typing entries. Returns a copy of the removed session or nil.
// Must be called with mu held.
func (r *Registry) removeLocked(connID string) *Session {
	sess, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	if r.byUser[sess.UserID] == connID {
		delete(r.byUser, sess.UserID)
	}
	deleteFromSet(r.members, sess.RoomID, sess.UserID)
	deleteFromSet(r.typing, sess.RoomID, sess.UserID)

	out := *sess
	return &out
}

func deleteFromSet(sets map[string]map[string]bool, key, member string) {
	set, ok := sets[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(sets, key)
	}
}

// ByConnection returns a copy of the session bound to connID.
func (r *Registry) ByConnection(connID string) (*Session, bool) {
	defer r.recoverFault("by_connection")

	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	out := *sess
	return &out, true
}

// ByUser returns a copy of the active session for userID.
func (r *Registry) ByUser(userID string) (*Session, bool) {
	defer r.recoverFault("by_user")

	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	sess, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	out := *sess
	return &out, true
}

// RoomMemberCount returns the number of users currently in roomID.
func (r *Registry) RoomMemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomID])
}

// RoomMembers returns the sessions of all users in roomID, ordered by join time.
func (r *Registry) RoomMembers(roomID string) []Session {
	defer r.recoverFault("room_members")

	r.mu.RLock()
	defer r.mu.RUnlock()

	users := r.members[roomID]
	out := make([]Session, 0, len(users))
	for userID := range users {
		if sess, ok := r.byConn[r.byUser[userID]]; ok {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// SessionCount returns the total number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// SetTyping marks userID as typing in roomID.
func (r *Registry) SetTyping(roomID, userID string) {
	defer r.recoverFault("set_typing")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typing[roomID] == nil {
		r.typing[roomID] = make(map[string]bool)
	}
	r.typing[roomID][userID] = true
}

// ClearTyping removes userID from roomID's typing set. Clearing an absent
// entry is a no-op.
func (r *Registry) ClearTyping(roomID, userID string) {
	defer r.recoverFault("clear_typing")

	r.mu.Lock()
	defer r.mu.Unlock()
	deleteFromSet(r.typing, roomID, userID)
}

// TypingUsers returns the sorted ids of users typing in roomID.
func (r *Registry) TypingUsers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.typing[roomID]))
	for userID := range r.typing[roomID] {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// TouchActivity refreshes the last-activity time of userID's session.
func (r *Registry) TouchActivity(userID string) {
	defer r.recoverFault("touch_activity")

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.byConn[r.byUser[userID]]; ok {
		sess.LastActivityAt = r.now()
	}
}
