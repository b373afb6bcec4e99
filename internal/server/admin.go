package server

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// RunAdmin reads line-oriented commands from r and writes responses to w
// until r is exhausted. Only "list users" and "list groups" are
// recognized, grounded on
// original_source/src/Server.cpp's handleCommands dispatch.
func (s *Server) RunAdmin(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "list users":
			s.printUsers(w)
		case "list groups":
			s.printGroups(w)
		case "":
		default:
			fmt.Fprintf(w, "unknown command %q (try \"list users\" or \"list groups\")\n", line)
		}
	}
}

func (s *Server) printUsers(w io.Writer) {
	users := s.sessions.Snapshot()
	if len(users) == 0 {
		fmt.Fprintln(w, "no users online")
		return
	}
	for _, u := range users {
		fmt.Fprintf(w, "%s\tsessions=%d\tlast_seen=%s\n", u.Username, u.ActiveSessions, u.LastSeen.Format("15:04:05"))
	}
}

func (s *Server) printGroups(w io.Writer) {
	groups := s.groups.Snapshots()
	if len(groups) == 0 {
		fmt.Fprintln(w, "no active groups")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(w, "%s\tmembers=%d\thistory=%d\n", g.Groupname, len(g.Members), len(g.History))
	}
}
