package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"chatring/internal/replication"
	"chatring/internal/wire"
)

// becomeCoordinator is the election engine's OnBecomeCoordinator callback:
// stand up a fresh Coordinator over every currently attached peer
// connection (each starts needing a snapshot, since we don't yet know
// what each follower last applied) and start accepting client connections.
func (s *Server) becomeCoordinator(view uint32) {
	s.mu.Lock()
	if s.follower != nil {
		s.follower = nil
	}
	coord := replication.NewCoordinator(view, s.logger)
	for id, rc := range s.peerConns {
		coord.AddFollower(id, rc)
		coord.MarkNeedsSnapshot(id)
	}
	s.coord = coord
	s.isCoord = true
	s.mu.Unlock()

	s.logger.Info("server: became coordinator", zap.Uint32("replica_id", s.cfg.ReplicaID), zap.Uint32("view", view))
	go s.startClientListener()
	go s.broadcastCoordinator(view)
	go s.announceToStrandedClients(view)
}

// clientAddrParts splits cfg.ClientAddr into the (ip, port) pair that
// COORDINATOR and COORDINATOR_ANNOUNCE payloads carry.
func (s *Server) clientAddrParts() (host string, port uint16, ok bool) {
	h, portStr, err := net.SplitHostPort(s.cfg.ClientAddr)
	if err != nil {
		return "", 0, false
	}
	var p uint16
	if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil {
		return "", 0, false
	}
	return h, p, true
}

// broadcastCoordinator fans a COORDINATOR(view, id, listen_addr) packet out
// to every peer replica currently meshed in, per §4.6 step 3: this is the
// only announcement that lets a lower-id replica's election.Engine call
// HandleCoordinator and transition into becomeFollower, so skipping it
// leaves every other replica stuck waiting for an ANSWER that never
// resolves into a coordinator and replication never starts.
func (s *Server) broadcastCoordinator(view uint32) {
	host, port, ok := s.clientAddrParts()
	if !ok {
		s.logger.Error("server: could not parse client addr for COORDINATOR broadcast", zap.String("client_addr", s.cfg.ClientAddr))
		return
	}
	pkt, err := wire.NewPacket(wire.TypeCoordinator, wire.CoordinatorPayload{
		View: view, ID: s.cfg.ReplicaID, IP: host, Port: port,
	})
	if err != nil {
		return
	}

	s.mu.RLock()
	peers := make([]*replicaConn, 0, len(s.peerConns))
	for _, rc := range s.peerConns {
		peers = append(peers, rc)
	}
	s.mu.RUnlock()

	for _, rc := range peers {
		if err := rc.Send(pkt); err != nil {
			s.logger.Warn("server: failed to send COORDINATOR", zap.Uint32("peer_id", rc.id), zap.Error(err))
		}
	}
}

// announceToStrandedClients tells every session carried over by
// replication where to find the new coordinator, so a client that was
// talking to the old coordinator redirects without waiting for its
// T_reconnect poll of the configured replica list (§4.6/§4.7).
func (s *Server) announceToStrandedClients(view uint32) {
	host, port, ok := s.clientAddrParts()
	if !ok {
		return
	}

	for _, sess := range s.sessions.All() {
		pkt, err := wire.NewPacket(wire.TypeCoordinatorAnnounce, wire.CoordinatorAnnouncePayload{
			View: view, IP: host, Port: port,
		})
		if err != nil {
			continue
		}
		go sendAnnounce(sess.ReconnectAddr, pkt, s.logger)
	}
}

func sendAnnounce(addr string, pkt *wire.Packet, logger *zap.Logger) {
	if addr == "" {
		return
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		logger.Debug("server: could not reach client listen socket", zap.String("addr", addr), zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	wire.WritePacket(conn, pkt)
}

// becomeFollower is the election engine's OnFollowCoordinator callback:
// stop accepting new client connections (existing ones fail over on their
// own per §4.7), tear down any coordinator state, and start applying the
// new coordinator's event stream.
func (s *Server) becomeFollower(view uint32, id uint32, addr string) {
	s.mu.Lock()
	if s.clientLn != nil {
		s.clientLn.Close()
		s.clientLn = nil
	}
	if s.coord != nil {
		s.coord.Shutdown()
		s.coord = nil
	}
	s.isCoord = false
	s.follower = replication.NewFollower(s.applier(), s.logger)
	// A fresh coordinator's seq counter restarts at 0 for its view (I5), so
	// the follower's baseline must track the new view before any REPL_EVENT
	// can be accepted; otherwise Apply would reject every event forever.
	s.follower.AdoptSnapshot(view, 0)
	rc := s.peerConns[id]
	s.mu.Unlock()

	s.logger.Info("server: following new coordinator", zap.Uint32("replica_id", s.cfg.ReplicaID),
		zap.Uint32("coordinator_id", id), zap.Uint32("view", view), zap.String("addr", addr))

	if rc == nil {
		// Not already meshed with the new coordinator (can happen if cfg.Peers
		// omitted them); dial directly so replication can resume.
		go s.dialPeer(context.Background(), id, addr)
		return
	}
	s.reportHighestApplied(rc)
}

// reportHighestApplied sends the initial REPL_ACK a (re)connecting
// follower owes its coordinator so the coordinator can decide between a
// suffix catch-up and a full STATE_SNAPSHOT (§4.5).
func (s *Server) reportHighestApplied(rc *replicaConn) {
	s.mu.RLock()
	f := s.follower
	s.mu.RUnlock()
	if f == nil {
		return
	}
	view, seq := f.HighestApplied()
	s.sendReplAck(rc, view, seq)
}

// startClientListener opens the client plane. Called only while
// coordinator; closed again the moment this replica steps down.
func (s *Server) startClientListener() {
	ln, err := net.Listen("tcp", s.cfg.ClientAddr)
	if err != nil {
		s.logger.Error("server: could not open client plane", zap.Error(err))
		return
	}
	s.mu.Lock()
	if !s.isCoord {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.clientLn = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Time{})
		go s.serveClientConn(conn)
	}
}
