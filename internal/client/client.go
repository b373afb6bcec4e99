// Package client implements the client-side failover protocol of spec
// §4.7: detecting coordinator loss, reconnecting to a newly announced
// coordinator (or polling a configured replica list when no announcement
// arrives), and re-identifying with a fresh LOGIN so the new coordinator's
// session table and history replay pick the client back up.
//
// This mirrors the teacher's cmd/client/main.go reader-goroutine-to-channel
// bridge (a background goroutine turns socket reads into values a
// consumer, e.g. a Bubbletea program, drains one at a time) generalized
// with a second listener goroutine for COORDINATOR_ANNOUNCE and a
// keep-alive ticker goroutine.
package client

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chatring/internal/chaterr"
	"chatring/internal/validate"
	"chatring/internal/wire"
)

// State is the client's current place in the failover state machine.
type State int32

const (
	StateConnected State = iota
	StateServerDown
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateServerDown:
		return "server_down"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config carries the identity and timing parameters a Client re-sends on
// every (re)connect.
type Config struct {
	Username         string
	Groupname        string
	ListenPort       uint16
	ReplicaList      []string      // configured fallback addresses (§4.7/§9)
	SleepTime        time.Duration // KEEP_ALIVE interval
	ReconnectTimeout time.Duration // T_reconnect: how long to wait for an announcement before polling the replica list
}

// Client holds one logical chat session across however many physical TCP
// connections failover requires.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	conn  net.Conn
	state State

	stopIssued atomic.Bool
	stopCh     chan struct{}

	announceLn net.Listener
	announced  chan string
	incoming   chan *wire.Packet
}

// New creates a Client. Call ConnectInitial to perform the first LOGIN.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.SleepTime <= 0 {
		cfg.SleepTime = 5 * time.Second
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 3 * time.Second
	}
	return &Client{
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		announced: make(chan string, 1),
		incoming:  make(chan *wire.Packet, 64),
	}
}

// Packets returns the channel a consumer (the TUI event loop) drains one
// packet at a time. It is closed when Stop is called and the underlying
// reader goroutine has exited.
func (c *Client) Packets() <-chan *wire.Packet { return c.incoming }

// State reports the client's current failover state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ConnectInitial validates the configured username and groupname (an
// invalid one returns an ArgumentError before any socket is opened), then
// dials addr, sends the first LOGIN, and starts the keep-alive loop, the
// read loop, and (if ListenPort != 0) the COORDINATOR_ANNOUNCE listener.
func (c *Client) ConnectInitial(addr string) error {
	if err := validate.Name("username", c.cfg.Username); err != nil {
		return err
	}
	if err := validate.Name("groupname", c.cfg.Groupname); err != nil {
		return err
	}
	if err := c.dialAndLogin(addr); err != nil {
		return err
	}
	go c.keepAliveLoop()
	if c.cfg.ListenPort != 0 {
		if err := c.startAnnounceListener(); err != nil {
			c.logger.Warn("client: could not start announce listener", zap.Error(err))
		} else {
			go c.announceLoop()
		}
	}
	return nil
}

func (c *Client) dialAndLogin(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return &chaterr.TransportError{Kind: chaterr.PeerClosed, Err: err}
	}

	pkt, err := wire.NewPacket(wire.TypeLogin, wire.LoginPayload{
		Username:   c.cfg.Username,
		Groupname:  c.cfg.Groupname,
		ListenPort: c.cfg.ListenPort,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := wire.WritePacket(conn, pkt); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send transmits one application packet over the current connection.
func (c *Client) Send(t wire.PacketType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &chaterr.TransportError{Kind: chaterr.PeerClosed}
	}
	pkt, err := wire.NewPacket(t, payload)
	if err != nil {
		return err
	}
	return wire.WritePacket(conn, pkt)
}

// Stop sets the cancellation flag and closes the server connection and the
// announce listener so blocked reads and accepts unblock promptly (§4.7
// cancellation semantics).
func (c *Client) Stop() {
	if !c.stopIssued.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)

	c.mu.Lock()
	conn := c.conn
	ln := c.announceLn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		pkt, err := wire.ReadPacket(conn)
		if err != nil {
			if c.stopIssued.Load() {
				close(c.incoming)
				return
			}
			c.handleServerDown()
			return
		}
		select {
		case c.incoming <- pkt:
		case <-c.stopCh:
			close(c.incoming)
			return
		}
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.SleepTime)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(wire.TypeKeepAlive, wire.KeepAlivePayload{}); err != nil {
				c.handleServerDown()
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) startAnnounceListener() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ListenPort))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.announceLn = ln
	c.mu.Unlock()
	return nil
}

func (c *Client) announceLoop() {
	for {
		conn, err := c.announceLn.Accept()
		if err != nil {
			return // listener closed on Stop
		}
		pkt, err := wire.ReadPacket(conn)
		conn.Close()
		if err != nil || pkt.Type != wire.TypeCoordinatorAnnounce {
			continue
		}
		var ann wire.CoordinatorAnnouncePayload
		if err := pkt.Decode(&ann); err != nil {
			continue
		}
		addr := fmt.Sprintf("%s:%d", ann.IP, ann.Port)
		select {
		case c.announced <- addr:
		default:
		}
	}
}

// handleServerDown transitions to ServerDown, suppresses UI input (the
// caller checks State()), and starts the reconnect loop.
func (c *Client) handleServerDown() {
	c.setState(StateServerDown)
	if c.stopIssued.Load() {
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop implements §4.7 redirection: wait for a
// COORDINATOR_ANNOUNCE up to T_reconnect, otherwise poll the configured
// replica list for a coordinator willing to accept the re-LOGIN.
func (c *Client) reconnectLoop() {
	c.setState(StateReconnecting)

	select {
	case addr := <-c.announced:
		if c.tryReconnect(addr) {
			return
		}
	case <-time.After(c.cfg.ReconnectTimeout):
	case <-c.stopCh:
		return
	}

	for _, addr := range c.cfg.ReplicaList {
		if c.stopIssued.Load() {
			return
		}
		if c.tryReconnect(addr) {
			return
		}
	}

	// Nothing reachable yet; try again after another reconnect window.
	time.Sleep(c.cfg.ReconnectTimeout)
	if !c.stopIssued.Load() {
		go c.reconnectLoop()
	}
}

func (c *Client) tryReconnect(addr string) bool {
	if err := c.dialAndLogin(addr); err != nil {
		c.logger.Info("client: reconnect attempt failed", zap.String("addr", addr), zap.Error(err))
		return false
	}
	c.logger.Info("client: reconnected", zap.String("addr", addr))
	return true
}
