// Package replication implements the coordinator-side event stream and
// follower-side applicator described in spec §4.5: the coordinator applies
// a state mutation locally, appends it to an in-memory log, and pushes it
// to every follower; an event commits once a strict majority of live
// followers (including the coordinator itself) have acknowledged it.
// Followers apply events in seq order, dedup on (view, seq), and request a
// full snapshot whenever a gap can't be closed incrementally.
package replication

import (
	"github.com/google/uuid"

	"chatring/internal/wire"
)

// Event is one state-mutating operation streamed from coordinator to
// followers. ID is a random uuid carried alongside the (View, Seq) ordering
// pair; follower deduplication uses (View, Seq), not ID.
type Event struct {
	ID   string
	View uint32
	Seq  uint64
	Kind wire.ReplEventKind
	Body []byte
}

func newEvent(view uint32, seq uint64, kind wire.ReplEventKind, body []byte) Event {
	return Event{ID: uuid.NewString(), View: view, Seq: seq, Kind: kind, Body: body}
}

// ToPayload converts ev to the wire envelope sent in a REPL_EVENT packet.
func (ev Event) ToPayload() wire.ReplEventPayload {
	return wire.ReplEventPayload{View: ev.View, Seq: ev.Seq, ID: ev.ID, Kind: ev.Kind, Body: ev.Body}
}

// FromPayload reconstructs an Event from a received REPL_EVENT payload.
func FromPayload(p wire.ReplEventPayload) Event {
	return Event{ID: p.ID, View: p.View, Seq: p.Seq, Kind: p.Kind, Body: p.Body}
}
