package replication

import (
	"sync"

	"go.uber.org/zap"

	"chatring/internal/chaterr"
)

// Applier mutates local state for one replicated event. Returning an error
// aborts Apply without advancing appliedSeq.
type Applier func(Event) error

// Follower applies coordinator events in seq order and deduplicates on
// (view, seq) so that re-delivery after a reconnect is a no-op (R2).
type Follower struct {
	mu         sync.Mutex
	view       uint32
	appliedSeq uint64
	apply      Applier
	logger     *zap.Logger
}

// NewFollower creates a Follower that calls apply for each newly-applied
// event.
func NewFollower(apply Applier, logger *zap.Logger) *Follower {
	return &Follower{apply: apply, logger: logger}
}

// HighestApplied returns the (view, seq) a reconnecting follower reports to
// the coordinator so it can be sent the missing suffix or a snapshot.
func (f *Follower) HighestApplied() (view uint32, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, f.appliedSeq
}

// Apply applies ev if it is the next expected event in the current view.
// A duplicate (ev.Seq <= appliedSeq in the same view) is silently ignored
// (R2). A gap (ev.Seq > appliedSeq+1) returns ErrFollowerBehind so the
// caller can request a snapshot or the missing suffix.
func (f *Follower) Apply(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.View != f.view {
		return chaterr.ErrFollowerBehind
	}
	if ev.Seq <= f.appliedSeq {
		return nil // duplicate, no-op
	}
	if ev.Seq != f.appliedSeq+1 {
		return chaterr.ErrFollowerBehind
	}
	if err := f.apply(ev); err != nil {
		return err
	}
	f.appliedSeq = ev.Seq
	return nil
}

// AdoptSnapshot resets the follower to the (view, seq) carried by a
// STATE_SNAPSHOT, per §4.5/I5: the applied-sequence resets on a view
// change after state transfer.
func (f *Follower) AdoptSnapshot(view uint32, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = view
	f.appliedSeq = seq
}
