package server

import (
	"net"
	"sync"
	"time"

	"chatring/internal/session"
	"chatring/internal/wire"
)

const writeTimeout = 10 * time.Second

// clientConn adapts one client-plane socket to group.Member. Writes are
// serialized by mu so a group fan-out and a direct reply to this client
// never interleave their frames, matching the teacher's per-client
// writePump discipline generalized to a synchronous write instead of a
// buffered channel, since wire.WritePacket is already a single atomic
// write.
type clientConn struct {
	session *session.Session
	conn    net.Conn
	mu      sync.Mutex
}

func newClientConn(s *session.Session, conn net.Conn) *clientConn {
	return &clientConn{session: s, conn: conn}
}

func (c *clientConn) SessionID() string { return c.session.ID }

func (c *clientConn) Send(pkt *wire.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WritePacket(c.conn, pkt)
}

func (c *clientConn) Close() error { return c.conn.Close() }

// replicaConn adapts one replica-plane socket to both election.Peer and
// replication.FollowerSender (both need only ID()/Send()), mirroring a
// single persistent mesh link between two replicas carrying election and
// replication traffic alike.
type replicaConn struct {
	id   uint32
	conn net.Conn
	mu   sync.Mutex
}

func newReplicaConn(id uint32, conn net.Conn) *replicaConn {
	return &replicaConn{id: id, conn: conn}
}

func (r *replicaConn) ID() uint32 { return r.id }

func (r *replicaConn) Send(pkt *wire.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WritePacket(r.conn, pkt)
}

func (r *replicaConn) Close() error { return r.conn.Close() }

// ghostMember stands in for a group member reconstructed purely from
// replication events on a follower, where no live client socket exists.
// A follower never calls group.Table.Post, only RecordHistory, so Send is
// not reached while following. Ghosts stay in their groups when the replica
// becomes coordinator; a Post that reaches one there gets an error from
// Send, and the ghost is evicted like any other failed member.
type ghostMember struct{ id string }

func (g ghostMember) SessionID() string { return g.id }

func (g ghostMember) Send(*wire.Packet) error {
	return &net.OpError{Op: "send", Err: net.ErrClosed}
}
