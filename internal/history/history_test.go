package history

import (
	"testing"

	"chatring/internal/wire"
)

func rec(body string) wire.MessageRecord {
	return wire.MessageRecord{Sender: "alice", Kind: wire.KindUser, Body: body}
}

func TestTailReturnsLastNInOrder(t *testing.T) {
	s := New(3)
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		s.Append(rec(body))
	}

	got := s.Tail(3)
	if len(got) != 3 {
		t.Fatalf("Tail(3) returned %d records, want 3", len(got))
	}
	want := []string{"m3", "m4", "m5"}
	for i, r := range got {
		if r.Body != want[i] {
			t.Fatalf("Tail(3)[%d] = %q, want %q", i, r.Body, want[i])
		}
	}
}

func TestRetentionBoundHolds(t *testing.T) {
	s := New(1)
	s.Append(rec("only"))
	s.Append(rec("latest"))

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got := s.Tail(10)
	if len(got) != 1 || got[0].Body != "latest" {
		t.Fatalf("Tail(10) = %+v, want single record %q", got, "latest")
	}
}

func TestTailZeroRecords(t *testing.T) {
	s := New(5)
	if got := s.Tail(5); len(got) != 0 {
		t.Fatalf("Tail(5) on empty store = %+v, want empty", got)
	}
}
