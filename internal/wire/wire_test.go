package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	pkt, err := NewPacket(TypeMessage, MessagePayload{Timestamp: 42, Kind: KindUser, Sender: "alice", Body: "hi"})
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}

	var buf bytes.Buffer
	if err := WritePacket(&buf, pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	got, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if got.Type != TypeMessage {
		t.Fatalf("Type = %v, want %v", got.Type, TypeMessage)
	}

	var p MessagePayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Sender != "alice" || p.Body != "hi" || p.Timestamp != 42 {
		t.Fatalf("Decode = %+v, want sender=alice body=hi timestamp=42", p)
	}
}

func TestReadPacketShortHeaderFails(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 1, 0})
	if _, err := ReadPacket(buf); err == nil {
		t.Fatal("ReadPacket with truncated header: want error, got nil")
	}
}

func TestReadPacketRejectsOversizedFrame(t *testing.T) {
	var hdr [headerSize]byte
	hdr[0], hdr[1] = 0, byte(TypeMessage)
	// length field claims more than PacketMax allows.
	hdr[2], hdr[3], hdr[4], hdr[5] = 0xFF, 0xFF, 0xFF, 0xFF
	buf := bytes.NewReader(hdr[:])
	if _, err := ReadPacket(buf); err == nil {
		t.Fatal("ReadPacket with oversized length: want error, got nil")
	}
}

func TestWritePacketRejectsOversizedPayload(t *testing.T) {
	pkt := &Packet{Type: TypeMessage, Payload: make([]byte, PacketMax)}
	var buf bytes.Buffer
	if err := WritePacket(&buf, pkt); err == nil {
		t.Fatal("WritePacket with oversized payload: want error, got nil")
	}
}

type errWriter struct{}

func (errWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWritePacketPropagatesWriteError(t *testing.T) {
	pkt, _ := NewPacket(TypeKeepAlive, KeepAlivePayload{})
	if err := WritePacket(errWriter{}, pkt); err == nil {
		t.Fatal("WritePacket over a failing writer: want error, got nil")
	}
}

func TestPacketTypeStringKnownAndUnknown(t *testing.T) {
	if got := TypeLogin.String(); got != "LOGIN" {
		t.Fatalf("TypeLogin.String() = %q, want LOGIN", got)
	}
	if got := PacketType(999).String(); got == "" {
		t.Fatal("unknown PacketType.String() returned empty string")
	}
}
