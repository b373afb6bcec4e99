package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"chatring/internal/wire"
)

type recordingPeer struct {
	id   uint32
	mu   sync.Mutex
	sent []*wire.Packet
}

func (p *recordingPeer) ID() uint32 { return p.id }

func (p *recordingPeer) Send(pkt *wire.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, pkt)
	return nil
}

func TestHighestReplicaBecomesCoordinatorWhenAlone(t *testing.T) {
	var became uint32
	var mu sync.Mutex
	e := NewEngine(3, map[uint32]Peer{1: &recordingPeer{id: 1}, 2: &recordingPeer{id: 2}}, 10*time.Millisecond, zaptest.NewLogger(t), Callbacks{
		OnBecomeCoordinator: func(view uint32) {
			mu.Lock()
			became = view
			mu.Unlock()
		},
	})

	e.StartElection(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if became == 0 {
		t.Fatal("highest-id replica with no higher peers should self-declare coordinator immediately")
	}
	if e.Role() != RoleCoordinator {
		t.Fatalf("Role() = %v, want RoleCoordinator", e.Role())
	}
}

func TestLowerReplicaWaitsForAnswerThenTimesOut(t *testing.T) {
	higher := &recordingPeer{id: 2}
	var became uint32
	e := NewEngine(1, map[uint32]Peer{2: higher}, 20*time.Millisecond, zaptest.NewLogger(t), Callbacks{
		OnBecomeCoordinator: func(view uint32) { became = view },
	})

	e.StartElection(context.Background())

	if len(higher.sent) != 1 {
		t.Fatalf("expected exactly one ELECTION sent to the higher-id peer, got %d", len(higher.sent))
	}
	if became == 0 {
		t.Fatal("replica should self-declare coordinator after the answer timeout elapses with no ANSWER")
	}
}

func TestAnswerSuppressesSelfDeclaration(t *testing.T) {
	higher := &recordingPeer{id: 2}
	e := NewEngine(1, map[uint32]Peer{2: higher}, 50*time.Millisecond, zaptest.NewLogger(t), Callbacks{
		OnBecomeCoordinator: func(view uint32) { t.Fatal("should not self-declare once answered") },
	})

	done := make(chan struct{})
	go func() {
		e.StartElection(context.Background())
		close(done)
	}()

	// Give StartElection time to register the pending view, then answer it.
	time.Sleep(5 * time.Millisecond)
	e.HandleAnswer(e.View())

	<-done
	if e.Role() == RoleCoordinator {
		t.Fatal("replica should not be coordinator after receiving an ANSWER")
	}
}

func TestHandleElectionAnswersOnlyToLowerFromID(t *testing.T) {
	e := NewEngine(5, nil, time.Second, zaptest.NewLogger(t), Callbacks{})

	ans, startOwn := e.HandleElection(context.Background(), 1, 2)
	if ans == nil || ans.FromID != 5 {
		t.Fatalf("expected an ANSWER from self(5) to a lower from_id(2), got %+v", ans)
	}
	_ = startOwn

	ans2, _ := e.HandleElection(context.Background(), 1, 9)
	if ans2 != nil {
		t.Fatal("should not answer an ELECTION from a higher from_id")
	}
}

func TestHandleCoordinatorStepsDownOnHigherView(t *testing.T) {
	var followed string
	e := NewEngine(2, nil, time.Second, zaptest.NewLogger(t), Callbacks{
		OnFollowCoordinator: func(view uint32, id uint32, addr string) { followed = addr },
	})
	e.becomeCoordinator(1)

	adopted := e.HandleCoordinator(5, 3, "10.0.0.3:9000")
	if !adopted {
		t.Fatal("should adopt a COORDINATOR announcement with a higher view")
	}
	if e.Role() != RoleFollower {
		t.Fatalf("Role() = %v, want RoleFollower after stepping down", e.Role())
	}
	if followed != "10.0.0.3:9000" {
		t.Fatalf("followed = %q, want the new coordinator's address", followed)
	}
}
