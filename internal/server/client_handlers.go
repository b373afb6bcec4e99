package server

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatring/internal/validate"
	"chatring/internal/wire"
)

// serveClientConn owns one client-plane socket for its whole lifetime:
// the first packet must be LOGIN, after which it dispatches MESSAGE,
// KEEP_ALIVE and LOGOUT until the socket errors or the client logs out.
// Grounded on the teacher's Server.serveConn/Client.readPump pair,
// collapsed into one goroutine since wire packets are read synchronously
// here rather than bridged through a channel (§5.8).
func (s *Server) serveClientConn(conn net.Conn) {
	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return
	}
	if pkt.Type != wire.TypeLogin {
		conn.Close()
		return
	}
	var login wire.LoginPayload
	if err := pkt.Decode(&login); err != nil {
		conn.Close()
		return
	}

	cc, ok := s.handleLogin(conn, login)
	if !ok {
		conn.Close()
		return
	}
	defer s.closeClientConn(cc)

	for {
		pkt, err := wire.ReadPacket(conn)
		if err != nil {
			return
		}
		switch pkt.Type {
		case wire.TypeMessage:
			s.handleMessage(cc, pkt)
		case wire.TypeKeepAlive:
			s.sessions.Touch(cc.session.Username)
		case wire.TypeLogout:
			return
		default:
			s.logger.Debug("server: unexpected packet on client plane", zap.String("type", pkt.Type.String()))
		}
	}
}

// handleLogin validates the LOGIN payload, admits a new session (subject
// to MAX_SESSIONS), joins the requested group, replicates the admission,
// and replays up to the last N history records. Returns ok=false if the
// connection should be closed (validation failure or session cap).
func (s *Server) handleLogin(conn net.Conn, login wire.LoginPayload) (*clientConn, bool) {
	if err := validate.Name("username", login.Username); err != nil {
		s.sendDisconnect(conn, err.Error())
		return nil, false
	}
	if err := validate.Name("groupname", login.Groupname); err != nil {
		s.sendDisconnect(conn, err.Error())
		return nil, false
	}

	reconnectAddr := reconnectAddrOf(conn, login.ListenPort)

	// A client re-identifying after a failover still owns the ghost session
	// this replica applied from the old coordinator's replication stream
	// (Conn == nil, never a live socket here). Reclaim it before the cap
	// check in sessions.Open, or the ghost and the reconnecting client would
	// double-count against MaxSessions and wrongly trip SessionCap (I1).
	staleID, hadStale := s.reclaimStaleSession(login.Username, login.Groupname)

	sess, err := s.sessions.Open(login.Username, login.Groupname, s.cfg.ReplicaID, conn, reconnectAddr)
	if err != nil {
		s.sendDisconnect(conn, err.Error())
		return nil, false
	}

	cc := newClientConn(sess, conn)
	s.groups.Join(login.Groupname, cc)

	s.mu.Lock()
	s.clientCCs[sess.ID] = cc
	coord := s.coord
	s.mu.Unlock()

	if coord != nil {
		if hadStale {
			body, _ := json.Marshal(wire.EventCoordinatorUpdateBody{
				View:          s.electionEngine.View(),
				CoordinatorID: s.cfg.ReplicaID,
				Reassigned:    map[string]string{staleID: sess.ID},
			})
			coord.Emit(wire.EventCoordinatorUpdate, body)
		} else {
			body, _ := json.Marshal(wire.EventSessionOpenBody{
				SessionID: sess.ID, Username: sess.Username, Groupname: sess.Groupname,
				ReplicaID: sess.ReplicaID, ListenAddr: reconnectAddr,
			})
			coord.Emit(wire.EventSessionOpen, body)
		}
	}

	for _, rec := range s.groups.Tail(login.Groupname, s.cfg.HistorySize) {
		pkt, err := wire.NewPacket(wire.TypeMessage, wire.MessagePayload{
			Timestamp: rec.Timestamp, Kind: rec.Kind, Sender: rec.Sender, Body: rec.Body,
		})
		if err != nil {
			continue
		}
		cc.Send(pkt)
	}

	s.logger.Info("server: client joined", zap.String("username", sess.Username), zap.String("group", sess.Groupname))
	return cc, true
}

// reclaimStaleSession looks for an existing session for username in
// groupname that this replica only carries as a ghost member (Conn == nil),
// the remnant of a SessionOpen applied from a previous coordinator's
// replication stream before the client reconnected here. It evicts that
// ghost immediately so the caller's subsequent sessions.Open cap check
// doesn't count it alongside the reconnecting client.
func (s *Server) reclaimStaleSession(username, groupname string) (staleID string, ok bool) {
	for _, sess := range s.sessions.SessionsOf(username) {
		if sess.Conn != nil || sess.Groupname != groupname {
			continue
		}
		s.sessions.Close(sess.ID)
		s.groups.Leave(sess.Groupname, sess.ID)
		return sess.ID, true
	}
	return "", false
}

func reconnectAddrOf(conn net.Conn, listenPort uint16) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", host, listenPort)
}

func (s *Server) sendDisconnect(conn net.Conn, reason string) {
	pkt, err := wire.NewPacket(wire.TypeDisconnect, wire.DisconnectPayload{Reason: reason})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	wire.WritePacket(conn, pkt)
}

// handleMessage posts a chat line to the sender's group: immediate
// fan-out to every joined member, plus a replication event so followers
// record the same line in their own copy of the group's history (§4.4,
// §4.5's "fan-out proceeds immediately, AP-biased" rule).
func (s *Server) handleMessage(cc *clientConn, pkt *wire.Packet) {
	var p wire.MessagePayload
	if err := pkt.Decode(&p); err != nil {
		return
	}
	body := strings.TrimSpace(p.Body)
	if body == "" {
		return
	}

	rec := wire.MessageRecord{
		Timestamp: time.Now().UTC().Unix(),
		Sender:    cc.session.Username,
		Kind:      wire.KindUser,
		Body:      body,
	}
	_, evicted := s.groups.Post(cc.session.Groupname, rec)

	s.mu.RLock()
	coord := s.coord
	s.mu.RUnlock()
	if coord != nil {
		evBody, _ := json.Marshal(wire.EventMessageBody{Groupname: cc.session.Groupname, Record: rec})
		coord.Emit(wire.EventMessage, evBody)
	}

	for _, id := range evicted {
		s.evictSession(id, cc.session.Groupname)
	}
}

// closeClientConn runs when serveClientConn's loop returns for any reason
// (read error, explicit LOGOUT). A brief grace window lets a client whose
// socket merely dropped reconnect (with a fresh LOGIN) before the session
// is torn down and announced as closed (§4.3/§9 T_session_grace).
func (s *Server) closeClientConn(cc *clientConn) {
	sessID := cc.session.ID
	group := cc.session.Groupname
	go func() {
		time.Sleep(s.cfg.SessionGrace)
		s.evictSession(sessID, group)
	}()
}

func (s *Server) evictSession(sessID, groupname string) {
	s.mu.Lock()
	delete(s.clientCCs, sessID)
	coord := s.coord
	s.mu.Unlock()

	sess, ok := s.sessions.Close(sessID)
	if !ok {
		return
	}
	s.groups.Leave(groupname, sessID)

	if coord != nil {
		body, _ := json.Marshal(wire.EventSessionCloseBody{SessionID: sessID, Username: sess.Username, Groupname: groupname})
		coord.Emit(wire.EventSessionClose, body)
	}
}
