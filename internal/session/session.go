// Package session implements the session table described in spec §3/§4.3:
// a per-user session cap enforced atomically under a single writer guard,
// with reader-parallel lookups.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"chatring/internal/chaterr"
)

// Session is a live client connection authenticated as a (user, group)
// pair, owned exclusively by the replica terminating its socket.
type Session struct {
	ID            string
	Username      string
	Groupname     string
	ReplicaID     uint32
	Conn          net.Conn // nil for sessions reconstructed from replication events on a follower
	ReconnectAddr string   // client's "ip:listen_port" for COORDINATOR_ANNOUNCE delivery
	OpenedAt      time.Time
}

type user struct {
	username       string
	activeSessions int
	lastSeen       time.Time
	sessionIDs     map[string]struct{}
}

// Table maps usernames to their active sessions and enforces MaxSessions.
type Table struct {
	mu          sync.RWMutex
	maxSessions int
	users       map[string]*user
	sessions    map[string]*Session
}

// New creates a Table that refuses a user's (maxSessions+1)-th concurrent
// session.
func New(maxSessions int) *Table {
	return &Table{
		maxSessions: maxSessions,
		users:       make(map[string]*user),
		sessions:    make(map[string]*Session),
	}
}

// Open admits a new session for username in groupname. The cap check and
// the increment happen atomically under the table's writer lock so
// concurrent logins can never exceed MaxSessions (I2).
func (t *Table) Open(username, groupname string, replicaID uint32, conn net.Conn, reconnectAddr string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[username]
	if !ok {
		u = &user{username: username, sessionIDs: make(map[string]struct{})}
		t.users[username] = u
	}
	if u.activeSessions >= t.maxSessions {
		return nil, &chaterr.AdmissionRejected{Reason: chaterr.SessionCap, Username: username}
	}

	s := &Session{
		ID:            xid.New().String(),
		Username:      username,
		Groupname:     groupname,
		ReplicaID:     replicaID,
		Conn:          conn,
		ReconnectAddr: reconnectAddr,
		OpenedAt:      time.Now(),
	}
	u.activeSessions++
	u.lastSeen = s.OpenedAt
	u.sessionIDs[s.ID] = struct{}{}
	t.sessions[s.ID] = s
	return s, nil
}

// OpenWithID re-creates a session with a caller-supplied id and reconnect
// address, used by followers applying a SessionOpen replication event and
// by the client failover path re-identifying after a reconnect. It
// performs the same cap check as Open.
func (t *Table) OpenWithID(id, username, groupname string, replicaID uint32, reconnectAddr string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[username]
	if !ok {
		u = &user{username: username, sessionIDs: make(map[string]struct{})}
		t.users[username] = u
	}
	if u.activeSessions >= t.maxSessions {
		return nil, &chaterr.AdmissionRejected{Reason: chaterr.SessionCap, Username: username}
	}

	s := &Session{ID: id, Username: username, Groupname: groupname, ReplicaID: replicaID, ReconnectAddr: reconnectAddr, OpenedAt: time.Now()}
	u.activeSessions++
	u.lastSeen = s.OpenedAt
	u.sessionIDs[id] = struct{}{}
	t.sessions[id] = s
	return s, nil
}

// Close removes sessionID, decrementing its user's count and deleting the
// user entry entirely once the count reaches zero.
func (t *Table) Close(sessionID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(t.sessions, sessionID)

	u, ok := t.users[s.Username]
	if ok {
		delete(u.sessionIDs, sessionID)
		u.activeSessions--
		if u.activeSessions <= 0 {
			delete(t.users, s.Username)
		}
	}
	return s, true
}

// Lookup finds a session by id. Readers may proceed in parallel.
func (t *Table) Lookup(sessionID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	return s, ok
}

// SessionsOf returns every active session belonging to username.
func (t *Table) SessionsOf(username string) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.users[username]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(u.sessionIDs))
	for id := range u.sessionIDs {
		if s, ok := t.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Touch advances last_seen for username, e.g. on KEEP_ALIVE receipt (§9).
func (t *Table) Touch(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[username]; ok {
		u.lastSeen = time.Now()
	}
}

// All returns every active session, for broadcasting a COORDINATOR_ANNOUNCE
// to every known reconnect address after a failover.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveSessionCount reports the current session count for username.
func (t *Table) ActiveSessionCount(username string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if u, ok := t.users[username]; ok {
		return u.activeSessions
	}
	return 0
}

// Snapshot returns (username, active_sessions, last_seen) for every known
// user, for STATE_SNAPSHOT transfer and the `list users` admin command.
type UserSnapshot struct {
	Username       string
	ActiveSessions int
	LastSeen       time.Time
}

func (t *Table) Snapshot() []UserSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]UserSnapshot, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, UserSnapshot{Username: u.username, ActiveSessions: u.activeSessions, LastSeen: u.lastSeen})
	}
	return out
}
