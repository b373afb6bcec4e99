package wire

import "time"

// LoginPayload opens a session: join groupname as username, and remember
// listen_port so the coordinator (or its successor) can reach this client's
// COORDINATOR_ANNOUNCE listener after a failover.
type LoginPayload struct {
	Username   string `json:"username"`
	Groupname  string `json:"groupname"`
	ListenPort uint16 `json:"listen_port"`
}

// LogoutPayload carries nothing beyond the packet type; the session is
// identified by the connection it arrives on.
type LogoutPayload struct{}

// MessageKind distinguishes a user-authored chat line from a server notice.
type MessageKind uint8

const (
	KindUser MessageKind = iota
	KindServer
)

// MessagePayload is both the client->coordinator chat submission and the
// coordinator->client delivery (sender is ignored on submission and filled
// in by the coordinator before fan-out).
type MessagePayload struct {
	Timestamp int64       `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
	Sender    string      `json:"sender"`
	Body      string      `json:"body"`
}

// ServerBroadcastPayload carries a server-authored notice (join/leave,
// history replay framing) delivered the same way a MESSAGE is.
type ServerBroadcastPayload struct {
	Timestamp int64  `json:"timestamp"`
	Body      string `json:"body"`
}

// KeepAlivePayload is empty: KEEP_ALIVE is strictly a liveness timer reset,
// never a data carrier (§9).
type KeepAlivePayload struct{}

// DisconnectPayload carries a human-readable reason, e.g. a session-cap
// rejection.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ReplEventKind selects which state-mutating event a REPL_EVENT carries.
type ReplEventKind uint8

const (
	EventSessionOpen ReplEventKind = iota
	EventSessionClose
	EventMessage
	EventMembershipChange
	EventCoordinatorUpdate
)

// ReplEventPayload is the envelope the coordinator streams to followers.
// Body is the JSON encoding of one of the Event* payload types below,
// selected by Kind.
type ReplEventPayload struct {
	View uint32        `json:"view"`
	Seq  uint64        `json:"seq"`
	ID   string        `json:"id"` // a uuid per event
	Kind ReplEventKind `json:"kind"`
	Body []byte        `json:"body"`
}

// ReplAckPayload acknowledges application of events up to (View, Seq).
type ReplAckPayload struct {
	View uint32 `json:"view"`
	Seq  uint64 `json:"seq"`
}

// EventSessionOpenBody / EventSessionCloseBody mirror session.Table mutations.
type EventSessionOpenBody struct {
	SessionID  string `json:"session_id"`
	Username   string `json:"username"`
	Groupname  string `json:"groupname"`
	ReplicaID  uint32 `json:"replica_id"`
	ListenAddr string `json:"listen_addr"`
}

type EventSessionCloseBody struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	Groupname string `json:"groupname"`
}

// EventMessageBody mirrors a MessageRecord appended to a group's history.
type EventMessageBody struct {
	Groupname string      `json:"groupname"`
	Record    MessageRecord `json:"record"`
}

// EventMembershipChangeBody records a join or leave independent of the
// session lifecycle event (used for replica bookkeeping of group size).
type EventMembershipChangeBody struct {
	Groupname string `json:"groupname"`
	SessionID string `json:"session_id"`
	Joined    bool   `json:"joined"`
}

// EventCoordinatorUpdateBody maps previous session identifiers to the new
// session ids clients were given when they reconnected, so followers keep
// the session table coherent across a failover (§4.6).
type EventCoordinatorUpdateBody struct {
	View          uint32            `json:"view"`
	CoordinatorID uint32            `json:"coordinator_id"`
	Reassigned    map[string]string `json:"reassigned"` // old session id -> new session id
}

// MessageRecord is the immutable unit stored in a group's history.
type MessageRecord struct {
	Timestamp int64       `json:"timestamp"`
	Sender    string      `json:"sender"`
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body"`
}

// ElectionPayload carries the bully protocol's ELECTION/ANSWER messages.
type ElectionPayload struct {
	View   uint32 `json:"view"`
	FromID uint32 `json:"from_id"`
}

// CoordinatorPayload announces a new coordinator to the replica set.
type CoordinatorPayload struct {
	View uint32 `json:"view"`
	ID   uint32 `json:"id"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// StateSnapshotPayload is a full transfer of coordinator state to a
// follower that fell too far behind for incremental catch-up.
type StateSnapshotPayload struct {
	View    uint32              `json:"view"`
	Seq     uint64              `json:"seq"`
	Users   []SnapshotUser       `json:"users"`
	Groups  []SnapshotGroup      `json:"groups"`
}

type SnapshotUser struct {
	Username       string    `json:"username"`
	ActiveSessions int       `json:"active_sessions"`
	LastSeen       time.Time `json:"last_seen"`
}

type SnapshotGroup struct {
	Groupname string          `json:"groupname"`
	Members   []string        `json:"members"` // session ids
	History   []MessageRecord `json:"history"`
}

// CoordinatorAnnouncePayload is broadcast to the client reconnect plane,
// telling a stranded client where the new coordinator lives.
type CoordinatorAnnouncePayload struct {
	View uint32 `json:"view"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}
