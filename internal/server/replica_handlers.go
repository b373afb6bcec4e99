package server

import (
	"context"

	"go.uber.org/zap"

	"chatring/internal/election"
	"chatring/internal/replication"
	"chatring/internal/wire"
)

// handleReplicaPacket dispatches one packet arriving on the replica plane,
// whether this replica is currently coordinator, follower or candidate.
// Both election and replication traffic share the same connection per
// peer, so every packet type must be handled here regardless of role.
func (s *Server) handleReplicaPacket(ctx context.Context, rc *replicaConn, pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypeElection:
		var p wire.ElectionPayload
		if err := pkt.Decode(&p); err != nil {
			return
		}
		ans, startOwn := s.electionEngine.HandleElection(ctx, p.View, p.FromID)
		if ans != nil {
			s.sendElectionAnswer(rc, *ans)
		}
		if startOwn {
			go s.electionEngine.StartElection(ctx)
		}

	case wire.TypeAnswer:
		var p wire.ElectionPayload
		if err := pkt.Decode(&p); err != nil {
			return
		}
		s.electionEngine.HandleAnswer(p.View)

	case wire.TypeCoordinator:
		var p wire.CoordinatorPayload
		if err := pkt.Decode(&p); err != nil {
			return
		}
		s.electionEngine.HandleCoordinator(p.View, p.ID, election.AddrString(p.IP, p.Port))

	case wire.TypeReplEvent:
		s.handleReplEvent(rc, pkt)

	case wire.TypeReplAck:
		s.handleReplAck(rc, pkt)

	case wire.TypeStateSnapshot:
		s.handleStateSnapshot(pkt)

	default:
		s.logger.Warn("server: unexpected packet on replica plane", zap.String("type", pkt.Type.String()))
	}
}

func (s *Server) sendElectionAnswer(rc *replicaConn, p wire.ElectionPayload) {
	pkt, err := wire.NewPacket(wire.TypeAnswer, p)
	if err != nil {
		return
	}
	if err := rc.Send(pkt); err != nil {
		s.logger.Debug("server: could not send ANSWER", zap.Uint32("to", rc.id), zap.Error(err))
	}
}

func (s *Server) handleReplEvent(rc *replicaConn, pkt *wire.Packet) {
	var p wire.ReplEventPayload
	if err := pkt.Decode(&p); err != nil {
		return
	}
	s.mu.RLock()
	f := s.follower
	s.mu.RUnlock()
	if f == nil {
		return
	}
	ev := replication.FromPayload(p)
	if err := f.Apply(ev); err != nil {
		// Gap or view mismatch: re-report our highest applied so the
		// coordinator can resend a suffix or a full snapshot.
		view, seq := f.HighestApplied()
		s.sendReplAck(rc, view, seq)
		return
	}
	view, seq := f.HighestApplied()
	s.sendReplAck(rc, view, seq)
}

func (s *Server) sendReplAck(rc *replicaConn, view uint32, seq uint64) {
	pkt, err := wire.NewPacket(wire.TypeReplAck, wire.ReplAckPayload{View: view, Seq: seq})
	if err != nil {
		return
	}
	if err := rc.Send(pkt); err != nil {
		s.logger.Debug("server: could not send REPL_ACK", zap.Uint32("to", rc.id), zap.Error(err))
	}
}

// handleReplAck processes a follower's applied-sequence report. It both
// tracks commit progress (when we are coordinator) and, for a follower's
// first ack after attaching, decides whether an incremental suffix or a
// full STATE_SNAPSHOT is needed to bring it current.
func (s *Server) handleReplAck(rc *replicaConn, pkt *wire.Packet) {
	var p wire.ReplAckPayload
	if err := pkt.Decode(&p); err != nil {
		return
	}
	s.mu.RLock()
	coord := s.coord
	s.mu.RUnlock()
	if coord == nil {
		return
	}
	coord.Ack(rc.id, p.View, p.Seq)

	if !coord.NeedsSnapshot(rc.id) {
		return
	}
	if coord.HasSeq(p.Seq) {
		for _, ev := range coord.Suffix(p.Seq) {
			pkt, err := wire.NewPacket(wire.TypeReplEvent, ev.ToPayload())
			if err != nil {
				continue
			}
			rc.Send(pkt)
		}
		coord.ClearSnapshotFlag(rc.id, coord.Seq())
		return
	}
	s.sendStateSnapshot(rc)
}

func (s *Server) sendStateSnapshot(rc *replicaConn) {
	s.mu.RLock()
	coord := s.coord
	s.mu.RUnlock()
	if coord == nil {
		return
	}

	snap := wire.StateSnapshotPayload{View: coord.View(), Seq: coord.Seq()}
	for _, u := range s.sessions.Snapshot() {
		snap.Users = append(snap.Users, wire.SnapshotUser{
			Username:       u.Username,
			ActiveSessions: u.ActiveSessions,
			LastSeen:       u.LastSeen,
		})
	}
	for _, g := range s.groups.Snapshots() {
		snap.Groups = append(snap.Groups, wire.SnapshotGroup{
			Groupname: g.Groupname,
			Members:   g.Members,
			History:   g.History,
		})
	}

	pkt, err := wire.NewPacket(wire.TypeStateSnapshot, snap)
	if err != nil {
		return
	}
	if err := rc.Send(pkt); err != nil {
		s.logger.Warn("server: could not send STATE_SNAPSHOT", zap.Uint32("to", rc.id), zap.Error(err))
		return
	}
	coord.ClearSnapshotFlag(rc.id, snap.Seq)
}

// handleStateSnapshot applies a full transfer received from the
// coordinator, replacing this follower's session/group state wholesale.
func (s *Server) handleStateSnapshot(pkt *wire.Packet) {
	var snap wire.StateSnapshotPayload
	if err := pkt.Decode(&snap); err != nil {
		return
	}
	s.mu.RLock()
	f := s.follower
	s.mu.RUnlock()
	if f == nil {
		return
	}

	for _, g := range snap.Groups {
		for _, id := range g.Members {
			s.groups.Join(g.Groupname, ghostMember{id: id})
		}
		for _, rec := range g.History {
			s.groups.RecordHistory(g.Groupname, rec)
		}
	}
	f.AdoptSnapshot(snap.View, snap.Seq)
	s.logger.Info("server: adopted STATE_SNAPSHOT", zap.Uint32("view", snap.View), zap.Uint64("seq", snap.Seq))
}
