package server

import (
	"encoding/json"

	"go.uber.org/zap"

	"chatring/internal/replication"
	"chatring/internal/wire"
)

// applier builds the follower-side state mutation function a
// replication.Follower calls for each event it applies in order. The
// coordinator never calls this: it mutates session/group state directly
// in its client-packet handlers and only uses Emit to stream the already-
// applied change to followers (§4.5's "apply locally, then replicate").
func (s *Server) applier() replication.Applier {
	return func(ev replication.Event) error {
		switch ev.Kind {
		case wire.EventSessionOpen:
			var body wire.EventSessionOpenBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				return err
			}
			if _, err := s.sessions.OpenWithID(body.SessionID, body.Username, body.Groupname, body.ReplicaID, body.ListenAddr); err != nil {
				s.logger.Info("follower: session open replay rejected", zap.String("session_id", body.SessionID), zap.Error(err))
			}
			s.groups.Join(body.Groupname, ghostMember{id: body.SessionID})

		case wire.EventSessionClose:
			var body wire.EventSessionCloseBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				return err
			}
			s.sessions.Close(body.SessionID)
			s.groups.Leave(body.Groupname, body.SessionID)

		case wire.EventMessage:
			var body wire.EventMessageBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				return err
			}
			s.groups.RecordHistory(body.Groupname, body.Record)

		case wire.EventMembershipChange:
			var body wire.EventMembershipChangeBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				return err
			}
			if body.Joined {
				s.groups.Join(body.Groupname, ghostMember{id: body.SessionID})
			} else {
				s.groups.Leave(body.Groupname, body.SessionID)
			}

		case wire.EventCoordinatorUpdate:
			var body wire.EventCoordinatorUpdateBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				return err
			}
			for oldID, newID := range body.Reassigned {
				old, ok := s.sessions.Lookup(oldID)
				if !ok {
					continue
				}
				s.sessions.Close(oldID)
				s.groups.Leave(old.Groupname, oldID)
				if _, err := s.sessions.OpenWithID(newID, old.Username, old.Groupname, body.CoordinatorID, old.ReconnectAddr); err != nil {
					s.logger.Info("follower: coordinator update reassignment rejected",
						zap.String("old_session_id", oldID), zap.String("new_session_id", newID), zap.Error(err))
					continue
				}
				s.groups.Join(old.Groupname, ghostMember{id: newID})
			}

		default:
			s.logger.Warn("follower: unknown replication event kind", zap.Uint8("kind", uint8(ev.Kind)))
		}
		return nil
	}
}
