// Package group implements the group table and fan-out described in spec
// §4.4: a group is created on first join and destroyed when its last
// member leaves, membership snapshots are taken under a read lock and then
// sent to without holding it (to avoid head-of-line blocking behind a slow
// peer), and a post is appended to the group's bounded history before
// delivery.
package group

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatring/internal/history"
	"chatring/internal/wire"
)

// Member is anything a group can fan a packet out to: in production a
// session's connection, in tests a recorder. Send must not block
// indefinitely; a slow or dead member is evicted rather than allowed to
// stall delivery to everyone else.
type Member interface {
	SessionID() string
	Send(pkt *wire.Packet) error
}

type entry struct {
	mu      sync.RWMutex
	members map[string]Member
	hist    *history.Store
}

// Table maps groupnames to their member set and bounded history.
type Table struct {
	mu          sync.RWMutex
	groups      map[string]*entry
	historySize int
	mirrorDir   string // empty disables the on-disk history mirror
}

// New creates a Table whose groups retain up to historySize history records.
func New(historySize int) *Table {
	return &Table{groups: make(map[string]*entry), historySize: historySize}
}

// WithMirrorDir enables a best-effort append-only file mirror per group
// under dir (one file per groupname), per spec.md §1/§6's treatment of
// durability as opaque and non-load-bearing for correctness.
func (t *Table) WithMirrorDir(dir string) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mirrorDir = dir
	return t
}

// Join inserts m into groupname's member set, creating the group if this is
// its first member. Returns whether the group was newly created.
func (t *Table) Join(groupname string, m Member) bool {
	g, created := t.getOrCreate(groupname)
	g.mu.Lock()
	g.members[m.SessionID()] = m
	g.mu.Unlock()
	return created
}

func (t *Table) getOrCreate(groupname string) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[groupname]; ok {
		return g, false
	}
	hist := history.New(t.historySize)
	if t.mirrorDir != "" {
		path := filepath.Join(t.mirrorDir, fmt.Sprintf("%s.jsonl", groupname))
		if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			hist = hist.WithMirror(f)
		}
	}
	g := &entry{members: make(map[string]Member), hist: hist}
	t.groups[groupname] = g
	return g, true
}

// Leave removes sessionID from groupname. When the member set becomes
// empty, the group (and its history store) is destroyed. Returns whether
// the group was destroyed.
func (t *Table) Leave(groupname, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[groupname]
	if !ok {
		return false
	}
	g.mu.Lock()
	delete(g.members, sessionID)
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(t.groups, groupname)
		return true
	}
	return false
}

// Post appends rec to groupname's history then delivers a MESSAGE packet to
// every member, including the sender (the client rewrites the sender's own
// name to "You"; the wire form always carries the original username).
// Members whose Send fails are evicted from the group and returned so the
// caller can also close their underlying sessions.
func (t *Table) Post(groupname string, rec wire.MessageRecord) (delivered int, evicted []string) {
	g := t.get(groupname)
	if g == nil {
		return 0, nil
	}
	g.hist.Append(rec)

	pkt, err := wire.NewPacket(wire.TypeMessage, wire.MessagePayload{
		Timestamp: rec.Timestamp,
		Kind:      rec.Kind,
		Sender:    rec.Sender,
		Body:      rec.Body,
	})
	if err != nil {
		return 0, nil
	}

	g.mu.RLock()
	snapshot := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		snapshot = append(snapshot, m)
	}
	g.mu.RUnlock()

	for _, m := range snapshot {
		if sendErr := m.Send(pkt); sendErr != nil {
			evicted = append(evicted, m.SessionID())
			continue
		}
		delivered++
	}

	if len(evicted) > 0 {
		g.mu.Lock()
		for _, id := range evicted {
			delete(g.members, id)
		}
		g.mu.Unlock()
	}
	return delivered, evicted
}

// Tail returns up to the last n history records for groupname, oldest
// first, used for history replay on join (§4.4).
func (t *Table) Tail(groupname string, n int) []wire.MessageRecord {
	g := t.get(groupname)
	if g == nil {
		return nil
	}
	return g.hist.Tail(n)
}

// RecordHistory appends rec to groupname's history without delivering it
// live; used by followers applying a replicated Message event, where local
// fan-out already happened at the coordinator.
func (t *Table) RecordHistory(groupname string, rec wire.MessageRecord) {
	g, _ := t.getOrCreate(groupname)
	g.hist.Append(rec)
}

func (t *Table) get(groupname string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.groups[groupname]
}

// MemberCount reports the current member count of groupname.
func (t *Table) MemberCount(groupname string) int {
	g := t.get(groupname)
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// GroupSnapshot describes one group for `list groups` and STATE_SNAPSHOT.
type GroupSnapshot struct {
	Groupname string
	Members   []string
	History   []wire.MessageRecord
}

// Snapshots returns every active group's membership and full retained
// history, used to build a STATE_SNAPSHOT for a follower that needs a full
// transfer (§4.5).
func (t *Table) Snapshots() []GroupSnapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.groups))
	entries := make([]*entry, 0, len(t.groups))
	for name, g := range t.groups {
		names = append(names, name)
		entries = append(entries, g)
	}
	t.mu.RUnlock()

	out := make([]GroupSnapshot, 0, len(names))
	for i, name := range names {
		g := entries[i]
		g.mu.RLock()
		members := make([]string, 0, len(g.members))
		for id := range g.members {
			members = append(members, id)
		}
		g.mu.RUnlock()
		out = append(out, GroupSnapshot{Groupname: name, Members: members, History: g.hist.Tail(0)})
	}
	return out
}

// Now is a seam for tests; production code always calls time.Now directly
// when building a MessageRecord (see internal/server).
var Now = time.Now
