package session

import "testing"

func TestOpenEnforcesSessionCap(t *testing.T) {
	tbl := New(2)

	s1, err := tbl.Open("alice.x", "g1", 1, nil, "127.0.0.1:9001")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := tbl.Open("alice.x", "g1", 1, nil, "127.0.0.1:9002"); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if _, err := tbl.Open("alice.x", "g1", 1, nil, "127.0.0.1:9003"); err == nil {
		t.Fatal("third open should have been rejected by session cap")
	}

	if n := tbl.ActiveSessionCount("alice.x"); n != 2 {
		t.Fatalf("ActiveSessionCount = %d, want 2", n)
	}

	tbl.Close(s1.ID)
	if n := tbl.ActiveSessionCount("alice.x"); n != 1 {
		t.Fatalf("ActiveSessionCount after close = %d, want 1", n)
	}
	if _, err := tbl.Open("alice.x", "g1", 1, nil, "127.0.0.1:9004"); err != nil {
		t.Fatalf("open after close freed a slot: %v", err)
	}
}

func TestCloseLastSessionRemovesUser(t *testing.T) {
	tbl := New(3)
	s, _ := tbl.Open("bob.y", "g1", 1, nil, "")
	if _, ok := tbl.Close(s.ID); !ok {
		t.Fatal("Close reported not-found for an open session")
	}
	if n := tbl.ActiveSessionCount("bob.y"); n != 0 {
		t.Fatalf("ActiveSessionCount after last close = %d, want 0", n)
	}
	if sessions := tbl.SessionsOf("bob.y"); len(sessions) != 0 {
		t.Fatalf("SessionsOf after last close = %+v, want empty", sessions)
	}
}

func TestLookupAndSessionsOf(t *testing.T) {
	tbl := New(5)
	a, _ := tbl.Open("carol.z", "g1", 1, nil, "")
	b, _ := tbl.Open("carol.z", "g2", 1, nil, "")

	if got, ok := tbl.Lookup(a.ID); !ok || got.Groupname != "g1" {
		t.Fatalf("Lookup(%s) = %+v, %v", a.ID, got, ok)
	}

	sessions := tbl.SessionsOf("carol.z")
	if len(sessions) != 2 {
		t.Fatalf("SessionsOf = %d sessions, want 2", len(sessions))
	}
	_ = b
}
