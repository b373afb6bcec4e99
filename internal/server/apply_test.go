package server

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap/zaptest"

	"chatring/internal/replication"
	"chatring/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{
		ReplicaID:   1,
		ClientAddr:  "127.0.0.1:0",
		ReplicaAddr: "127.0.0.1:0",
		MaxSessions: 2,
		HistorySize: 10,
	}, zaptest.NewLogger(t))
}

func TestApplierSessionOpenJoinsGroup(t *testing.T) {
	s := newTestServer(t)
	apply := s.applier()

	body, _ := json.Marshal(wire.EventSessionOpenBody{
		SessionID: "sess-1", Username: "alice", Groupname: "g1", ReplicaID: 2, ListenAddr: "10.0.0.5:9001",
	})
	ev := replication.Event{View: 1, Seq: 1, Kind: wire.EventSessionOpen, Body: body}

	if err := apply(ev); err != nil {
		t.Fatalf("apply session open: %v", err)
	}
	if got := s.groups.MemberCount("g1"); got != 1 {
		t.Fatalf("MemberCount(g1) = %d, want 1", got)
	}
	if got := s.sessions.ActiveSessionCount("alice"); got != 1 {
		t.Fatalf("ActiveSessionCount(alice) = %d, want 1", got)
	}
}

func TestApplierMessageRecordsHistoryOnly(t *testing.T) {
	s := newTestServer(t)
	apply := s.applier()

	rec := wire.MessageRecord{Timestamp: 100, Sender: "alice", Kind: wire.KindUser, Body: "hi"}
	body, _ := json.Marshal(wire.EventMessageBody{Groupname: "g1", Record: rec})
	ev := replication.Event{View: 1, Seq: 1, Kind: wire.EventMessage, Body: body}

	if err := apply(ev); err != nil {
		t.Fatalf("apply message: %v", err)
	}
	tail := s.groups.Tail("g1", 10)
	if len(tail) != 1 || tail[0].Body != "hi" {
		t.Fatalf("Tail = %+v, want one record with body %q", tail, "hi")
	}
}

func TestApplierSessionCloseLeavesGroup(t *testing.T) {
	s := newTestServer(t)
	apply := s.applier()

	openBody, _ := json.Marshal(wire.EventSessionOpenBody{SessionID: "sess-1", Username: "alice", Groupname: "g1", ReplicaID: 2})
	if err := apply(replication.Event{View: 1, Seq: 1, Kind: wire.EventSessionOpen, Body: openBody}); err != nil {
		t.Fatalf("apply open: %v", err)
	}

	closeBody, _ := json.Marshal(wire.EventSessionCloseBody{SessionID: "sess-1", Username: "alice", Groupname: "g1"})
	if err := apply(replication.Event{View: 1, Seq: 2, Kind: wire.EventSessionClose, Body: closeBody}); err != nil {
		t.Fatalf("apply close: %v", err)
	}

	if got := s.groups.MemberCount("g1"); got != 0 {
		t.Fatalf("MemberCount(g1) after close = %d, want 0", got)
	}
	if got := s.sessions.ActiveSessionCount("alice"); got != 0 {
		t.Fatalf("ActiveSessionCount(alice) after close = %d, want 0", got)
	}
}

func TestApplierSessionOpenRespectsSessionCap(t *testing.T) {
	s := newTestServer(t) // MaxSessions: 2
	apply := s.applier()

	for i, id := range []string{"s1", "s2", "s3"} {
		body, _ := json.Marshal(wire.EventSessionOpenBody{SessionID: id, Username: "alice", Groupname: "g1", ReplicaID: 2})
		if err := apply(replication.Event{View: 1, Seq: uint64(i + 1), Kind: wire.EventSessionOpen, Body: body}); err != nil {
			t.Fatalf("apply open %d: %v", i, err)
		}
	}
	// The cap rejects the third OpenWithID, but Apply itself never errors
	// (a replayed rejection is logged, not fatal) so replication keeps flowing.
	if got := s.sessions.ActiveSessionCount("alice"); got != 2 {
		t.Fatalf("ActiveSessionCount(alice) = %d, want 2 (cap enforced)", got)
	}
}
