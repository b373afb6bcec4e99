// Package validate checks user-supplied identifiers and addresses before
// any socket is opened, per spec §6: a client or server constructed with
// invalid arguments must fail immediately with an ArgumentError.
package validate

import (
	"net"
	"regexp"

	"chatring/internal/chaterr"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9.]{4,20}$`)

// Name validates a username or groupname against the shared charset and
// length rule: [A-Za-z0-9.]{4,20}.
func Name(field, value string) error {
	if !nameRe.MatchString(value) {
		return &chaterr.ArgumentError{Field: field, Reason: "must match [A-Za-z0-9.]{4,20}"}
	}
	return nil
}

// IPv4 validates a dotted-quad IPv4 address string.
func IPv4(field, value string) error {
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return &chaterr.ArgumentError{Field: field, Reason: "must be a dotted-quad IPv4 address"}
	}
	return nil
}

// Port validates a TCP port number is in the usable range.
func Port(field string, value int) error {
	if value <= 0 || value > 65535 {
		return &chaterr.ArgumentError{Field: field, Reason: "must be between 1 and 65535"}
	}
	return nil
}

// HistorySize validates the server's N (history replay window) argument.
func HistorySize(n int) error {
	if n <= 0 {
		return &chaterr.ArgumentError{Field: "N", Reason: "must be > 0"}
	}
	return nil
}
