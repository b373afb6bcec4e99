package replication

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"chatring/internal/chaterr"
	"chatring/internal/wire"
)

type captureSender struct {
	sent []*wire.Packet
	fail bool
}

func (s *captureSender) Send(pkt *wire.Packet) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, pkt)
	return nil
}

func TestEmitDeliversToEveryFollower(t *testing.T) {
	c := NewCoordinator(1, zaptest.NewLogger(t))
	s1 := &captureSender{}
	s2 := &captureSender{}
	c.AddFollower(1, s1)
	c.AddFollower(2, s2)

	c.Emit(wire.EventMessage, []byte("payload"))

	waitFor(t, func() bool { return len(s1.sent) == 1 && len(s2.sent) == 1 })
}

func TestCommittedRequiresMajority(t *testing.T) {
	c := NewCoordinator(1, zaptest.NewLogger(t))
	c.AddFollower(1, &captureSender{})
	c.AddFollower(2, &captureSender{})

	ev := c.Emit(wire.EventMessage, []byte("x"))

	if c.Committed(ev.Seq) {
		t.Fatal("should not be committed before any acks (coordinator alone is 1 of 3)")
	}

	c.Ack(1, 1, ev.Seq)
	if !c.Committed(ev.Seq) {
		t.Fatal("should be committed once coordinator + one follower (2 of 3) acked")
	}
}

func TestFollowerAppliesInOrderAndDedupes(t *testing.T) {
	var applied []uint64
	f := NewFollower(func(ev Event) error {
		applied = append(applied, ev.Seq)
		return nil
	}, zaptest.NewLogger(t))
	f.AdoptSnapshot(1, 0)

	e1 := Event{View: 1, Seq: 1, Kind: wire.EventMessage}
	e2 := Event{View: 1, Seq: 2, Kind: wire.EventMessage}

	if err := f.Apply(e1); err != nil {
		t.Fatalf("apply e1: %v", err)
	}
	if err := f.Apply(e2); err != nil {
		t.Fatalf("apply e2: %v", err)
	}
	// Re-applying e1 (a duplicate delivery) must be a no-op, not an error.
	if err := f.Apply(e1); err != nil {
		t.Fatalf("re-apply e1 should be a no-op: %v", err)
	}

	if len(applied) != 2 {
		t.Fatalf("applied = %v, want exactly [1 2]", applied)
	}
}

func TestFollowerGapRequestsSnapshot(t *testing.T) {
	f := NewFollower(func(Event) error { return nil }, zaptest.NewLogger(t))
	f.AdoptSnapshot(1, 0)

	gap := Event{View: 1, Seq: 5, Kind: wire.EventMessage}
	if err := f.Apply(gap); !errors.Is(err, chaterr.ErrFollowerBehind) {
		t.Fatalf("Apply with gap = %v, want ErrFollowerBehind", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}
