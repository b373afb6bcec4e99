package replication

import (
	"sync"

	"go.uber.org/zap"

	"chatring/internal/wire"
)

// followerQueueDepth bounds how many unacknowledged events the coordinator
// will buffer per follower before demoting it to "needs snapshot" (§4.5).
const followerQueueDepth = 256

// FollowerSender delivers a REPL_EVENT or STATE_SNAPSHOT packet to one
// connected follower. Implementations must not block the coordinator's
// event loop indefinitely; a slow follower falls behind and eventually
// overflows its queue rather than stalling every other follower.
type FollowerSender interface {
	Send(pkt *wire.Packet) error
}

type followerState struct {
	id            uint32
	sender        FollowerSender
	queue         chan Event
	nextSeq       uint64
	acked         uint64
	needsSnapshot bool
}

// Coordinator is the coordinator side of the replication engine: a
// monotonic per-view seq counter, an in-memory event log, and one cursor
// plus bounded queue per follower.
type Coordinator struct {
	mu        sync.Mutex
	view      uint32
	seq       uint64
	log       []Event
	followers map[uint32]*followerState
	logger    *zap.Logger
}

// NewCoordinator creates a Coordinator for the given view.
func NewCoordinator(view uint32, logger *zap.Logger) *Coordinator {
	return &Coordinator{view: view, followers: make(map[uint32]*followerState), logger: logger}
}

// View reports the coordinator's current view number.
func (c *Coordinator) View() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Seq reports the coordinator's current (highest-assigned) sequence
// number, used as the Seq a STATE_SNAPSHOT hands a follower.
func (c *Coordinator) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// AddFollower registers a follower connection and starts draining its
// outbound event queue in a dedicated goroutine, matching the teacher's
// writePump-per-connection shape (client.go) generalized to the
// replica<->replica plane.
func (c *Coordinator) AddFollower(id uint32, sender FollowerSender) {
	c.mu.Lock()
	fs := &followerState{id: id, sender: sender, queue: make(chan Event, followerQueueDepth)}
	c.followers[id] = fs
	c.mu.Unlock()

	go c.drainLoop(fs)
}

// RemoveFollower unregisters a follower and stops its drain goroutine. Any
// events still queued for it are dropped.
func (c *Coordinator) RemoveFollower(id uint32) {
	c.mu.Lock()
	fs, ok := c.followers[id]
	if ok {
		delete(c.followers, id)
	}
	c.mu.Unlock()
	if ok {
		close(fs.queue)
	}
}

func (c *Coordinator) drainLoop(fs *followerState) {
	for ev := range fs.queue {
		pkt, err := wire.NewPacket(wire.TypeReplEvent, ev.ToPayload())
		if err != nil {
			continue
		}
		if err := fs.sender.Send(pkt); err != nil {
			c.demote(fs.id)
			return
		}
	}
}

// demote marks a follower as needing a resync; Emit stops queuing events
// for it while the flag is set. The follower's queue is left as it is.
func (c *Coordinator) demote(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fs, ok := c.followers[id]; ok {
		fs.needsSnapshot = true
	}
}

// MarkNeedsSnapshot flags a freshly attached follower as needing a resync
// before it receives any new events, so a follower that just reconnected
// doesn't miss the state that existed before it attached. The caller
// clears the flag once it has replied to the follower's first REPL_ACK
// with either a suffix or a STATE_SNAPSHOT.
func (c *Coordinator) MarkNeedsSnapshot(id uint32) { c.demote(id) }

// NeedsSnapshot reports whether a follower has been demoted and must
// receive a STATE_SNAPSHOT before it can resume incremental replication.
func (c *Coordinator) NeedsSnapshot(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs, ok := c.followers[id]
	return ok && fs.needsSnapshot
}

// ClearSnapshotFlag is called once a STATE_SNAPSHOT has been delivered to
// id, re-enabling incremental delivery from nextSeq onward.
func (c *Coordinator) ClearSnapshotFlag(id uint32, nextSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fs, ok := c.followers[id]; ok {
		fs.needsSnapshot = false
		fs.nextSeq = nextSeq
		fs.acked = nextSeq
	}
}

// Emit appends a new event to the log at the next seq in the current view
// and pushes it to every follower that isn't waiting on a snapshot. The
// caller is responsible for applying the mutation to local state before
// calling Emit, matching the teacher's "broadcast first, persist async"
// ordering (server.go handleChat) adapted so the durable side (replication)
// still proceeds independently of the fast fan-out path.
func (c *Coordinator) Emit(kind wire.ReplEventKind, body []byte) Event {
	c.mu.Lock()
	c.seq++
	ev := newEvent(c.view, c.seq, kind, body)
	c.log = append(c.log, ev)

	for _, fs := range c.followers {
		if fs.needsSnapshot {
			continue
		}
		select {
		case fs.queue <- ev:
		default:
			fs.needsSnapshot = true
			c.drainAndDrop(fs)
		}
	}
	c.mu.Unlock()
	return ev
}

// drainAndDrop empties fs.queue without sending; called with c.mu held.
func (c *Coordinator) drainAndDrop(fs *followerState) {
	for {
		select {
		case <-fs.queue:
		default:
			return
		}
	}
}

// Ack records that follower id has applied up through (view, seq).
func (c *Coordinator) Ack(id uint32, view uint32, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if view != c.view {
		return
	}
	if fs, ok := c.followers[id]; ok && seq > fs.acked {
		fs.acked = seq
	}
}

// Committed reports whether seq has been acknowledged by a strict majority
// of live (non-snapshot-pending) followers, counting the coordinator
// itself as always having applied its own events immediately.
func (c *Coordinator) Committed(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 1 // the coordinator
	acked := 1
	for _, fs := range c.followers {
		if fs.needsSnapshot {
			continue
		}
		total++
		if fs.acked >= seq {
			acked++
		}
	}
	return acked*2 > total
}

// Suffix returns every logged event with Seq > afterSeq, for a follower
// reconnecting with a gap small enough to close incrementally.
func (c *Coordinator) Suffix(afterSeq uint64) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.log {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// HasSeq reports whether afterSeq still exists in the in-memory log (i.e.
// whether a follower reconnecting at that cursor can be caught up via
// Suffix rather than needing a full STATE_SNAPSHOT).
func (c *Coordinator) HasSeq(afterSeq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if afterSeq == 0 {
		return true
	}
	for _, ev := range c.log {
		if ev.Seq == afterSeq {
			return true
		}
	}
	return false
}

// Shutdown stops every follower's drain goroutine.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.followers))
	for id := range c.followers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.RemoveFollower(id)
	}
}
