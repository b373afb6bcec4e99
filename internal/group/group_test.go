package group

import (
	"errors"
	"testing"

	"chatring/internal/wire"
)

type recordingMember struct {
	id       string
	received []*wire.Packet
	fail     bool
}

func (m *recordingMember) SessionID() string { return m.id }

func (m *recordingMember) Send(pkt *wire.Packet) error {
	if m.fail {
		return errors.New("send failed")
	}
	m.received = append(m.received, pkt)
	return nil
}

func TestJoinCreatesGroupOnlyOnce(t *testing.T) {
	tbl := New(10)
	a := &recordingMember{id: "s1"}
	b := &recordingMember{id: "s2"}

	if created := tbl.Join("g1", a); !created {
		t.Fatal("first join should report group created")
	}
	if created := tbl.Join("g1", b); created {
		t.Fatal("second join should not report group created")
	}
	if n := tbl.MemberCount("g1"); n != 2 {
		t.Fatalf("MemberCount = %d, want 2", n)
	}
}

func TestLeaveDestroysEmptyGroup(t *testing.T) {
	tbl := New(10)
	a := &recordingMember{id: "s1"}
	tbl.Join("g1", a)

	if destroyed := tbl.Leave("g1", "s1"); !destroyed {
		t.Fatal("leaving the last member should destroy the group")
	}
	if n := tbl.MemberCount("g1"); n != 0 {
		t.Fatalf("MemberCount after destroy = %d, want 0", n)
	}
}

func TestPostDeliversToEveryMemberIncludingSender(t *testing.T) {
	tbl := New(10)
	alice := &recordingMember{id: "s-alice"}
	bob := &recordingMember{id: "s-bob"}
	tbl.Join("g1", alice)
	tbl.Join("g1", bob)

	rec := wire.MessageRecord{Timestamp: 1, Sender: "alice", Kind: wire.KindUser, Body: "hi"}
	delivered, evicted := tbl.Post("g1", rec)

	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	if len(evicted) != 0 {
		t.Fatalf("evicted = %v, want none", evicted)
	}
	if len(alice.received) != 1 || len(bob.received) != 1 {
		t.Fatalf("alice=%d bob=%d messages, want 1 each", len(alice.received), len(bob.received))
	}
}

func TestPostEvictsFailingMember(t *testing.T) {
	tbl := New(10)
	good := &recordingMember{id: "s-good"}
	bad := &recordingMember{id: "s-bad", fail: true}
	tbl.Join("g1", good)
	tbl.Join("g1", bad)

	delivered, evicted := tbl.Post("g1", wire.MessageRecord{Sender: "x", Body: "hi"})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(evicted) != 1 || evicted[0] != "s-bad" {
		t.Fatalf("evicted = %v, want [s-bad]", evicted)
	}
	if n := tbl.MemberCount("g1"); n != 1 {
		t.Fatalf("MemberCount after eviction = %d, want 1", n)
	}
}

func TestTailReplaysHistoryInOrder(t *testing.T) {
	tbl := New(3)
	tbl.Join("g1", &recordingMember{id: "s1"})
	for i := 1; i <= 5; i++ {
		tbl.Post("g1", wire.MessageRecord{Sender: "x", Body: string(rune('a' + i - 1))})
	}

	tail := tbl.Tail("g1", 3)
	if len(tail) != 3 {
		t.Fatalf("Tail(3) len = %d, want 3", len(tail))
	}
	want := []string{"c", "d", "e"}
	for i, r := range tail {
		if r.Body != want[i] {
			t.Fatalf("Tail(3)[%d] = %q, want %q", i, r.Body, want[i])
		}
	}
}
