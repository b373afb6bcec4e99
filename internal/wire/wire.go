// Package wire implements the framed packet transport shared by every plane
// of the protocol: client<->coordinator, replica<->replica and the client's
// reconnect listener. A packet is a fixed six-byte header followed by a
// JSON-encoded payload:
//
//	type uint16 | length uint32 | payload[length]byte
//
// Framing is binary and fixed-width (grounded on the spec's PACKET_MAX
// contract); the payload itself stays JSON, the same encoding the teacher
// repo used for its newline-delimited packets. A short read or short write
// always fails the connection — no partial packet is ever handed upstream.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"chatring/internal/chaterr"
)

// PacketType identifies the payload shape carried by a packet.
type PacketType uint16

const (
	// Client <-> coordinator plane.
	TypeLogin PacketType = iota + 1
	TypeLogout
	TypeMessage
	TypeServerBroadcast
	TypeKeepAlive
	TypeDisconnect

	// Replica <-> replica plane.
	TypeReplEvent
	TypeReplAck
	TypeElection
	TypeAnswer
	TypeCoordinator
	TypeStateSnapshot

	// Client reconnect plane.
	TypeCoordinatorAnnounce
)

func (t PacketType) String() string {
	switch t {
	case TypeLogin:
		return "LOGIN"
	case TypeLogout:
		return "LOGOUT"
	case TypeMessage:
		return "MESSAGE"
	case TypeServerBroadcast:
		return "SERVER_BROADCAST"
	case TypeKeepAlive:
		return "KEEP_ALIVE"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeReplEvent:
		return "REPL_EVENT"
	case TypeReplAck:
		return "REPL_ACK"
	case TypeElection:
		return "ELECTION"
	case TypeAnswer:
		return "ANSWER"
	case TypeCoordinator:
		return "COORDINATOR"
	case TypeStateSnapshot:
		return "STATE_SNAPSHOT"
	case TypeCoordinatorAnnounce:
		return "COORDINATOR_ANNOUNCE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// PacketMax bounds the total size (header + payload) of a single frame.
const PacketMax = 1 << 20 // 1 MiB

// headerSize is the length in bytes of the fixed {type, length} header.
const headerSize = 2 + 4

// Packet is the decoded wire form: a type tag plus raw JSON payload bytes.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// NewPacket marshals payload as JSON and returns a ready-to-send Packet.
func NewPacket(t PacketType, payload any) (*Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload for %s: %w", t, err)
	}
	return &Packet{Type: t, Payload: raw}, nil
}

// Decode unmarshals the packet's payload into v.
func (p *Packet) Decode(v any) error {
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return &chaterr.TransportError{Kind: chaterr.DecodeError, Err: err}
	}
	return nil
}

// WritePacket writes pkt to w as a single framed write. Writes on one
// connection must be serialized by the caller (§5: a per-socket writer
// guard).
func WritePacket(w io.Writer, pkt *Packet) error {
	if len(pkt.Payload) > PacketMax-headerSize {
		return &chaterr.TransportError{Kind: chaterr.DecodeError, Err: fmt.Errorf("payload exceeds PACKET_MAX")}
	}
	buf := make([]byte, headerSize+len(pkt.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(pkt.Type))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(pkt.Payload)))
	copy(buf[headerSize:], pkt.Payload)

	n, err := w.Write(buf)
	if err != nil {
		return &chaterr.TransportError{Kind: classifyWriteErr(err), Err: err}
	}
	if n != len(buf) {
		return &chaterr.TransportError{Kind: chaterr.PeerReset, Err: io.ErrShortWrite}
	}
	return nil
}

// ReadPacket reads one framed packet from r. Any short read fails the
// connection; callers must not retry on the same reader after an error.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &chaterr.TransportError{Kind: classifyReadErr(err), Err: err}
	}
	t := PacketType(binary.BigEndian.Uint16(hdr[0:2]))
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > PacketMax-headerSize {
		return nil, &chaterr.TransportError{Kind: chaterr.DecodeError, Err: fmt.Errorf("frame length %d exceeds PACKET_MAX", length)}
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &chaterr.TransportError{Kind: classifyReadErr(err), Err: err}
		}
	}
	return &Packet{Type: t, Payload: payload}, nil
}

func classifyReadErr(err error) chaterr.TransportKind {
	switch {
	case err == io.EOF:
		return chaterr.PeerClosed
	case err == io.ErrUnexpectedEOF:
		return chaterr.PeerReset
	default:
		return chaterr.Timeout
	}
}

func classifyWriteErr(err error) chaterr.TransportKind {
	if err == io.ErrShortWrite {
		return chaterr.PeerReset
	}
	return chaterr.Timeout
}
