package client

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"chatring/internal/wire"
)

func startFakeCoordinator(t *testing.T) (addr string, accept func() net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- conn
	}()

	return ln.Addr().String(), func() net.Conn {
		select {
		case c := <-connCh:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for client to connect")
			return nil
		}
	}
}

func TestConnectInitialSendsLogin(t *testing.T) {
	addr, accept := startFakeCoordinator(t)

	c := New(Config{Username: "alice", Groupname: "lobby"}, zaptest.NewLogger(t))
	defer c.Stop()

	if err := c.ConnectInitial(addr); err != nil {
		t.Fatalf("ConnectInitial: %v", err)
	}

	conn := accept()
	defer conn.Close()

	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != wire.TypeLogin {
		t.Fatalf("Type = %v, want LOGIN", pkt.Type)
	}
	var login wire.LoginPayload
	if err := pkt.Decode(&login); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if login.Username != "alice" || login.Groupname != "lobby" {
		t.Fatalf("login = %+v, want username=alice groupname=lobby", login)
	}
	if c.State() != StateConnected {
		t.Fatalf("State() = %v, want Connected", c.State())
	}
}

func TestPacketsDeliversServerMessages(t *testing.T) {
	addr, accept := startFakeCoordinator(t)

	c := New(Config{Username: "alice", Groupname: "lobby"}, zaptest.NewLogger(t))
	defer c.Stop()

	if err := c.ConnectInitial(addr); err != nil {
		t.Fatalf("ConnectInitial: %v", err)
	}
	conn := accept()
	defer conn.Close()

	// Drain the LOGIN the client just sent.
	if _, err := wire.ReadPacket(conn); err != nil {
		t.Fatalf("ReadPacket(login): %v", err)
	}

	pkt, _ := wire.NewPacket(wire.TypeMessage, wire.MessagePayload{Sender: "bob", Body: "hello"})
	if err := wire.WritePacket(conn, pkt); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	select {
	case got := <-c.Packets():
		var p wire.MessagePayload
		if err := got.Decode(&p); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if p.Sender != "bob" || p.Body != "hello" {
			t.Fatalf("payload = %+v, want sender=bob body=hello", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestStopClosesPacketsChannel(t *testing.T) {
	addr, accept := startFakeCoordinator(t)

	c := New(Config{Username: "alice", Groupname: "lobby"}, zaptest.NewLogger(t))
	if err := c.ConnectInitial(addr); err != nil {
		t.Fatalf("ConnectInitial: %v", err)
	}
	conn := accept()
	defer conn.Close()

	c.Stop()

	select {
	case _, ok := <-c.Packets():
		if ok {
			t.Fatal("Packets() channel delivered a value after Stop, want closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Packets() channel to close")
	}
}
