// Package server orchestrates session, group, history, replication and
// election into one replica process: a coordinator accepting client
// connections and driving replication, or a follower applying the
// coordinator's event stream and standing ready to win the next election.
// Grounded directly on the teacher's internal/server/server.go
// New/ListenAndServe/Shutdown/serveConn/handlePacket shape, with the
// teacher's single global Hub replaced by the coordinator/follower role
// switch and per-group fan-out described in §5.8.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"chatring/internal/election"
	"chatring/internal/group"
	"chatring/internal/replication"
	"chatring/internal/session"
	"chatring/internal/wire"
)

// Config is everything a replica needs before it opens a socket.
type Config struct {
	ReplicaID     uint32
	ClientAddr    string            // where this replica listens for clients, active only while coordinator
	ReplicaAddr   string            // where this replica listens for peer replicas
	Peers         map[uint32]string // replica_id -> replica-plane address, for the initial mesh dial
	MaxSessions   int
	HistorySize   int
	DataDir       string // optional on-disk history mirror directory; empty disables it
	AnswerTimeout time.Duration // T_answer
	Timeout       time.Duration // T_timeout: coordinator liveness
	SessionGrace  time.Duration // T_session_grace
}

// Server is one replica process.
type Server struct {
	cfg    Config
	logger *zap.Logger

	sessions *session.Table
	groups   *group.Table

	electionEngine *election.Engine

	mu        sync.RWMutex
	coord     *replication.Coordinator
	follower  *replication.Follower
	isCoord   bool
	peerConns map[uint32]*replicaConn
	clientCCs map[string]*clientConn // session id -> clientConn, coordinator only

	clientLn  net.Listener
	replicaLn net.Listener

	stopCh chan struct{}
}

// New builds a Server. The election engine's peer map is filled in lazily
// as replica connections are established (Run dials cfg.Peers and also
// accepts incoming replica connections before any id is known).
func New(cfg Config, logger *zap.Logger) *Server {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.SessionGrace <= 0 {
		cfg.SessionGrace = 3 * time.Second
	}

	groups := group.New(cfg.HistorySize)
	if cfg.DataDir != "" {
		groups = groups.WithMirrorDir(cfg.DataDir)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		sessions:  session.New(cfg.MaxSessions),
		groups:    groups,
		peerConns: make(map[uint32]*replicaConn),
		clientCCs: make(map[string]*clientConn),
		stopCh:    make(chan struct{}),
	}

	s.electionEngine = election.NewEngine(cfg.ReplicaID, s.peerView(), cfg.AnswerTimeout, logger, election.Callbacks{
		OnBecomeCoordinator: s.becomeCoordinator,
		OnFollowCoordinator: s.becomeFollower,
	})
	return s
}

// peerView returns a copy of the current peer map as the election.Peer
// interface. New hands it to the election engine once; peers that attach or
// drop later reach the engine through AddPeer/RemovePeer.
func (s *Server) peerView() map[uint32]election.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]election.Peer, len(s.peerConns))
	for id, rc := range s.peerConns {
		out[id] = rc
	}
	return out
}

// Run starts both listeners, dials the configured peer mesh, and runs the
// bootstrap election. It blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	rln, err := net.Listen("tcp", s.cfg.ReplicaAddr)
	if err != nil {
		return fmt.Errorf("server: listen replica plane: %w", err)
	}
	s.replicaLn = rln
	go s.acceptReplicaLoop(ctx)

	// Only dial peers with a higher replica_id; a lower-id peer dials us.
	// Bully guarantees the eventual coordinator always has the highest id
	// among the replicas still reachable, so this one-directional mesh
	// never leaves a live pair without a link.
	for id, addr := range s.cfg.Peers {
		if id <= s.cfg.ReplicaID {
			continue
		}
		id, addr := id, addr
		go s.dialPeer(ctx, id, addr)
	}

	// Give the mesh a moment to connect before the bootstrap election so a
	// freshly started cohort elects the true highest id rather than
	// whichever replica happened to start first.
	time.Sleep(150 * time.Millisecond)
	s.electionEngine.StartElection(ctx)

	go s.coordinatorHeartbeatLoop(ctx)

	<-ctx.Done()
	s.Shutdown()
	return nil
}

// Shutdown closes every listener and replica connection, aggregating
// whatever close errors surface instead of losing all but the last.
func (s *Server) Shutdown() {
	close(s.stopCh)
	var err error
	if s.clientLn != nil {
		err = multierr.Append(err, s.clientLn.Close())
	}
	if s.replicaLn != nil {
		err = multierr.Append(err, s.replicaLn.Close())
	}
	s.mu.Lock()
	for _, rc := range s.peerConns {
		err = multierr.Append(err, rc.Close())
	}
	if s.coord != nil {
		s.coord.Shutdown()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("server: errors while closing connections on shutdown", zap.Error(err))
	}
}

func (s *Server) acceptReplicaLoop(ctx context.Context) {
	for {
		conn, err := s.replicaLn.Accept()
		if err != nil {
			return
		}
		go s.handshakeIncomingReplica(ctx, conn)
	}
}

// handshakeIncomingReplica reads the 4-byte big-endian replica_id every
// dialer writes immediately after connecting, ahead of any framed packet.
// This is a bare identification preamble, not a wire.Packet: the mesh link
// direction (lower id dials higher id) means the accepting side otherwise
// has no way to tell which configured peer just connected before seeing
// its first application frame, and that frame may legitimately be any of
// ELECTION, REPL_ACK, COORDINATOR depending on why the link was opened.
func (s *Server) handshakeIncomingReplica(ctx context.Context, conn net.Conn) {
	id, err := readPeerID(conn)
	if err != nil {
		conn.Close()
		return
	}
	rc := newReplicaConn(id, conn)
	s.registerPeerConn(rc)
	s.readReplicaLoop(ctx, rc)
}

func readPeerID(conn net.Conn) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

func writePeerID(conn net.Conn, id uint32) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], id)
	_, err := conn.Write(hdr[:])
	return err
}

func (s *Server) dialPeer(ctx context.Context, id uint32, addr string) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		if err := writePeerID(conn, s.cfg.ReplicaID); err != nil {
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		rc := newReplicaConn(id, conn)
		s.registerPeerConn(rc)
		s.readReplicaLoop(ctx, rc)
		// Connection dropped; retry the mesh link until shutdown.
		s.unregisterPeerConn(id)
		select {
		case <-s.stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Server) registerPeerConn(rc *replicaConn) {
	s.mu.Lock()
	s.peerConns[rc.id] = rc
	isCoord := s.isCoord
	coord := s.coord
	s.mu.Unlock()

	s.electionEngine.AddPeer(rc.id, rc)

	if isCoord && coord != nil {
		coord.AddFollower(rc.id, rc)
		coord.MarkNeedsSnapshot(rc.id)
		// A peer that meshes in after the coordinator was already elected
		// missed the original broadcastCoordinator fan-out; re-announce so
		// its election.Engine still learns who to follow (§4.6 step 3).
		go s.broadcastCoordinatorTo(rc)
	}
}

// broadcastCoordinatorTo sends a single COORDINATOR(view, id, listen_addr)
// packet to rc, for late-joining peers (see registerPeerConn).
func (s *Server) broadcastCoordinatorTo(rc *replicaConn) {
	host, port, ok := s.clientAddrParts()
	if !ok {
		return
	}
	view := s.electionEngine.View()
	pkt, err := wire.NewPacket(wire.TypeCoordinator, wire.CoordinatorPayload{
		View: view, ID: s.cfg.ReplicaID, IP: host, Port: port,
	})
	if err != nil {
		return
	}
	if err := rc.Send(pkt); err != nil {
		s.logger.Warn("server: failed to send COORDINATOR to new peer", zap.Uint32("peer_id", rc.id), zap.Error(err))
	}
}

func (s *Server) unregisterPeerConn(id uint32) {
	s.mu.Lock()
	delete(s.peerConns, id)
	coord := s.coord
	s.mu.Unlock()
	s.electionEngine.RemovePeer(id)
	if coord != nil {
		coord.RemoveFollower(id)
	}
}

func (s *Server) readReplicaLoop(ctx context.Context, rc *replicaConn) {
	for {
		rc.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		pkt, err := wire.ReadPacket(rc.conn)
		if err != nil {
			s.onReplicaLinkDown(ctx, rc)
			return
		}
		s.handleReplicaPacket(ctx, rc, pkt)
	}
}

// onReplicaLinkDown reacts to a dead or timed-out replica connection. If
// the peer was this replica's coordinator, that's coordinator loss: start
// an election (§4.6 step 1).
func (s *Server) onReplicaLinkDown(ctx context.Context, rc *replicaConn) {
	s.mu.RLock()
	wasCoordinator := !s.isCoord && s.follower != nil && rc.id == s.electionEngine.CoordinatorID()
	s.mu.RUnlock()
	s.unregisterPeerConn(rc.id)
	if wasCoordinator {
		s.logger.Warn("server: lost coordinator link, starting election", zap.Uint32("replica_id", s.cfg.ReplicaID))
		s.electionEngine.StartElection(ctx)
	}
}

// coordinatorHeartbeatLoop keeps the replica plane busy enough that a
// live coordinator never looks idle-timed-out to its followers: an empty
// CoordinatorUpdate event is a legitimate, idempotent no-op event.
func (s *Server) coordinatorHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			coord := s.coord
			view := s.electionEngine.View()
			s.mu.RUnlock()
			if coord == nil {
				continue
			}
			payload, err := json.Marshal(wire.EventCoordinatorUpdateBody{
				View:          view,
				CoordinatorID: s.cfg.ReplicaID,
				Reassigned:    map[string]string{},
			})
			if err != nil {
				continue
			}
			coord.Emit(wire.EventCoordinatorUpdate, payload)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
