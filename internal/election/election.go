// Package election implements the bully-style leader election protocol of
// spec §4.6: on coordinator-loss timeout a replica becomes a candidate,
// sends ELECTION to every higher-id peer, and either receives an ANSWER
// (meaning a higher replica will take over) or times out and declares
// itself coordinator, announcing via COORDINATOR to the rest of the
// replica set. Split-brain is resolved when a replica observes a higher
// (view, id) COORDINATOR announcement and steps down.
package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatring/internal/wire"
)

// Role is a replica's current place in the election protocol.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleCoordinator:
		return "coordinator"
	default:
		return "unknown"
	}
}

// Peer sends an ELECTION/ANSWER/COORDINATOR packet to one other replica.
type Peer interface {
	ID() uint32
	Send(pkt *wire.Packet) error
}

// Callbacks are invoked on role transitions so the owning server can switch
// between coordinator and follower behavior; both are optional.
type Callbacks struct {
	// OnBecomeCoordinator fires once this replica declares itself
	// coordinator for view.
	OnBecomeCoordinator func(view uint32)
	// OnFollowCoordinator fires once this replica adopts id/addr as the
	// coordinator for view, whether from a COORDINATOR announcement or a
	// split-brain step-down.
	OnFollowCoordinator func(view uint32, id uint32, addr string)
}

// Engine runs the bully protocol for one replica.
type Engine struct {
	selfID        uint32
	answerTimeout time.Duration
	peers         map[uint32]Peer
	logger        *zap.Logger
	callbacks     Callbacks

	mu               sync.Mutex
	view             uint32
	role             Role
	coordinatorID    uint32
	coordinatorAddr  string
	pendingAnswerCh  chan struct{}
	pendingView      uint32
}

// NewEngine creates an Engine for selfID, with peers addressable by the
// current replica set (including ids both above and below selfID; only
// higher ids are contacted by StartElection, per the bully rule).
func NewEngine(selfID uint32, peers map[uint32]Peer, answerTimeout time.Duration, logger *zap.Logger, cb Callbacks) *Engine {
	return &Engine{
		selfID:        selfID,
		answerTimeout: answerTimeout,
		peers:         peers,
		logger:        logger,
		callbacks:     cb,
		role:          RoleFollower,
	}
}

// Role reports the engine's current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// View reports the engine's current view number.
func (e *Engine) View() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// CoordinatorAddr reports the last-known coordinator address, valid once
// Role() == RoleFollower.
func (e *Engine) CoordinatorAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinatorAddr
}

// CoordinatorID reports the last-known coordinator replica id.
func (e *Engine) CoordinatorID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinatorID
}

// AddPeer registers or replaces a peer, for when a replica-plane
// connection attaches after the engine was constructed.
func (e *Engine) AddPeer(id uint32, p Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[id] = p
}

// RemovePeer drops a peer, e.g. when its connection is lost.
func (e *Engine) RemovePeer(id uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, id)
}

// higherPeers returns every registered peer with id > selfID.
func (e *Engine) higherPeers() []Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Peer, 0, len(e.peers))
	for id, p := range e.peers {
		if id > e.selfID {
			out = append(out, p)
		}
	}
	return out
}

// StartElection runs one round of the bully protocol: increment view,
// become candidate, send ELECTION to every higher-id peer, and either wait
// for an ANSWER or time out and self-declare coordinator.
func (e *Engine) StartElection(ctx context.Context) {
	e.mu.Lock()
	e.view++
	myView := e.view
	e.role = RoleCandidate
	answerCh := make(chan struct{}, 1)
	e.pendingAnswerCh = answerCh
	e.pendingView = myView
	e.mu.Unlock()

	peers := e.higherPeers()
	if len(peers) == 0 {
		e.becomeCoordinator(myView)
		return
	}

	g, _ := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			pkt, err := wire.NewPacket(wire.TypeElection, wire.ElectionPayload{View: myView, FromID: e.selfID})
			if err != nil {
				return err
			}
			return p.Send(pkt)
		})
	}
	go func() {
		if err := g.Wait(); err != nil && e.logger != nil {
			e.logger.Warn("election: failed to reach some higher-id peers", zap.Error(err))
		}
	}()

	select {
	case <-answerCh:
		// A higher-id replica will take over; stay candidate/follower and
		// wait for its COORDINATOR announcement.
	case <-time.After(e.answerTimeout):
		e.becomeCoordinator(myView)
	case <-ctx.Done():
	}
}

func (e *Engine) becomeCoordinator(view uint32) {
	e.mu.Lock()
	if view < e.view {
		e.mu.Unlock()
		return
	}
	e.view = view
	e.role = RoleCoordinator
	e.coordinatorID = e.selfID
	e.mu.Unlock()

	if e.callbacks.OnBecomeCoordinator != nil {
		e.callbacks.OnBecomeCoordinator(view)
	}
}

// HandleElection processes an incoming ELECTION(view, from). If from is
// lower than selfID it answers and, unless already a candidate in that
// view, starts its own election. Returns the ANSWER payload to send back
// (nil if this replica should not answer) and whether the caller should
// launch a new StartElection goroutine.
func (e *Engine) HandleElection(ctx context.Context, view uint32, from uint32) (answer *wire.ElectionPayload, startOwn bool) {
	if from >= e.selfID {
		return nil, false
	}

	e.mu.Lock()
	alreadyCandidateInView := e.role == RoleCandidate && e.view == view
	if view > e.view {
		e.view = view
	}
	e.mu.Unlock()

	answer = &wire.ElectionPayload{View: view, FromID: e.selfID}
	return answer, !alreadyCandidateInView
}

// HandleAnswer processes an incoming ANSWER(view, from) by releasing the
// pending election wait for that view, if one is outstanding.
func (e *Engine) HandleAnswer(view uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingAnswerCh != nil && view == e.pendingView {
		select {
		case e.pendingAnswerCh <- struct{}{}:
		default:
		}
	}
}

// HandleCoordinator processes an incoming COORDINATOR(view, id, addr).
// Ties on view are broken by larger id (§4.6). A stale announcement (lower
// (view, id) than what's already known) is ignored. Returns whether this
// replica adopted the announcement.
func (e *Engine) HandleCoordinator(view uint32, id uint32, addr string) bool {
	e.mu.Lock()
	higher := view > e.view || (view == e.view && id >= e.coordinatorID)
	if e.role == RoleCoordinator && (view < e.view || (view == e.view && id <= e.selfID)) {
		higher = false
	}
	if !higher {
		e.mu.Unlock()
		return false
	}
	e.view = view
	e.role = RoleFollower
	e.coordinatorID = id
	e.coordinatorAddr = addr
	e.mu.Unlock()

	if e.callbacks.OnFollowCoordinator != nil {
		e.callbacks.OnFollowCoordinator(view, id, addr)
	}
	return true
}

// AddrString formats an (ip, port) pair the way COORDINATOR/COORDINATOR_ANNOUNCE
// payloads carry it.
func AddrString(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
