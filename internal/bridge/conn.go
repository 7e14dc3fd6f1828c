package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnet/udp-bridge/internal/gw"
	"github.com/fieldnet/udp-bridge/internal/metrics"
	"github.com/fieldnet/udp-bridge/internal/semtech"
)

// ServerConfig describes one upstream network server.
type ServerConfig struct {
	// Server is the host:port of the network server. The hostname is
	// re-resolved on every (re)connect.
	Server string
	// KeepaliveInterval is the PULL_DATA cadence.
	KeepaliveInterval time.Duration
	// KeepaliveMaxFailures is the number of consecutive unacknowledged
	// keepalives that triggers a reconnect. 0 disables reconnects.
	KeepaliveMaxFailures int
	// Forwarding policy per CRC status of the uplink frame.
	ForwardCRCOK      bool
	ForwardCRCInvalid bool
	ForwardCRCMissing bool
}

// ConnState is the keepalive state machine state.
type ConnState int

const (
	StateConnected ConnState = iota
	StateAwaitingReconnect
)

func (s ConnState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "awaiting-reconnect"
}

// netConn is the subset of *net.UDPConn the connection uses. Tests supply
// a fake.
type netConn interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc resolves a server address and opens a connected UDP socket.
// Resolution happens on every call so DNS changes are picked up on
// reconnect.
type DialFunc func(server string) (netConn, error)

func dialUDP(server string) (netConn, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}
	sock, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	return sock, nil
}

// TokenFunc generates request tokens. Injected so correlation tests can
// supply deterministic sequences.
type TokenFunc func() uint16

func randomToken() uint16 {
	return uint16(rand.Uint32())
}

// A PUSH_DATA is expected to be acknowledged promptly; entries older than
// this are aged out of the correlation table.
const pushAckTimeout = 2 * time.Second

// readTimeout bounds each blocking socket read so the read loop notices
// socket replacement and shutdown.
const readTimeout = 100 * time.Millisecond

// Downlink is a PULL_RESP routed up to the bridge loop together with the
// connection it arrived on.
type Downlink struct {
	Conn   *Conn
	Packet semtech.Packet
}

// Conn owns one UDP socket to one network server, its correlation table
// and its keepalive state machine. All mutable state is guarded by mu; the
// socket is never shared across servers.
type Conn struct {
	cfg       ServerConfig
	gatewayID [8]byte
	dial      DialFunc
	token     TokenFunc

	mu             sync.Mutex
	sock           netConn
	state          ConnState
	pending        *PendingTable
	failures       int
	lastKeepalive  uint16
	prevKeepalive  uint16
	keepalivesSent int
	nextKeepalive  time.Time
	session        string // regenerated per socket, for log correlation

	// per-server stats counters, drained into the next stat push
	pushSent  uint32
	pushAcked uint32
	rxfw      uint32

	downlinks chan<- Downlink
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewConn creates a connection for one server. Connect must be called
// before packets can flow.
func NewConn(cfg ServerConfig, gatewayID [8]byte) *Conn {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 5 * time.Second
	}
	return &Conn{
		cfg:       cfg,
		gatewayID: gatewayID,
		dial:      dialUDP,
		token:     randomToken,
		state:     StateAwaitingReconnect,
		pending:   NewPendingTable(),
		done:      make(chan struct{}),
	}
}

// Server returns the configured host:port.
func (c *Conn) Server() string {
	return c.cfg.Server
}

// State returns the current state machine state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect resolves the server address and opens the socket. On failure the
// connection stays in AwaitingReconnect and the next keepalive tick
// retries.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Conn) connectLocked() error {
	sock, err := c.dial(c.cfg.Server)
	if err != nil {
		c.state = StateAwaitingReconnect
		return err
	}
	if c.sock != nil {
		c.sock.Close()
	}
	c.sock = sock
	c.state = StateConnected
	c.session = uuid.NewString()[:8]
	metrics.IncrConnect(c.cfg.Server)
	log.Printf("Connected to server, server: %s, session: %s", c.cfg.Server, c.session)
	return nil
}

// Start launches the read loop delivering PULL_RESP packets to downlinks.
func (c *Conn) Start(downlinks chan<- Downlink) {
	c.downlinks = downlinks
	c.wg.Add(1)
	go c.readLoop()
}

// Close stops the read loop and closes the socket.
func (c *Conn) Close() {
	close(c.done)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.pending.Reset()
}

// ShouldForward reports whether the forwarding policy admits a frame with
// the given CRC status.
func (c *Conn) ShouldForward(status gw.CRCStatus) bool {
	switch status {
	case gw.CRCStatus_CRC_OK:
		return c.cfg.ForwardCRCOK
	case gw.CRCStatus_BAD_CRC:
		return c.cfg.ForwardCRCInvalid
	default:
		return c.cfg.ForwardCRCMissing
	}
}

// SendPushData encodes and sends a PUSH_DATA with a fresh token and
// registers it in the correlation table. typeLabel distinguishes rxpk and
// stat pushes in the metrics.
func (c *Conn) SendPushData(payload []byte, typeLabel string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock == nil {
		return fmt.Errorf("no socket, server: %s", c.cfg.Server)
	}

	token := c.token()
	b := semtech.Encode(semtech.Packet{
		Type:      semtech.PushData,
		Token:     token,
		GatewayID: c.gatewayID,
		Payload:   payload,
	})
	if _, err := c.sock.Write(b); err != nil {
		return fmt.Errorf("udp send error: %w", err)
	}

	c.pending.Register(token, KindUplinkPush, now, now.Add(pushAckTimeout))
	c.pushSent++
	metrics.IncrUDPSent(c.cfg.Server, typeLabel, len(b))
	return nil
}

// IncrRxFw counts a forwarded radio frame for the next stat push.
func (c *Conn) IncrRxFw() {
	c.mu.Lock()
	c.rxfw++
	c.mu.Unlock()
}

// TakeStats drains the forwarded-frame counter and the upstream ack ratio,
// resetting both for the next stats window.
func (c *Conn) TakeStats() (rxfw uint32, ackr float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rxfw = c.rxfw
	if c.pushSent != 0 {
		ackr = float32(c.pushAcked) / float32(c.pushSent) * 100
	}
	c.rxfw = 0
	c.pushSent = 0
	c.pushAcked = 0
	return rxfw, ackr
}

// SendTxAck reports the outcome of a downlink back to the server that
// requested it, echoing the PULL_RESP token. errCode is empty on success.
func (c *Conn) SendTxAck(token uint16, errCode string, now time.Time) error {
	payload, err := json.Marshal(semtech.TxAckPayload{
		TxPkAck: semtech.TxPkAck{Error: errCode},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock == nil {
		return fmt.Errorf("no socket, server: %s", c.cfg.Server)
	}

	b := semtech.Encode(semtech.Packet{
		Type:      semtech.TxAck,
		Token:     token,
		GatewayID: c.gatewayID,
		Payload:   payload,
	})
	if _, err := c.sock.Write(b); err != nil {
		return fmt.Errorf("udp send error: %w", err)
	}

	typeLabel := "TX_ACK_OK"
	if errCode != "" {
		typeLabel = "TX_ACK_ERROR_" + errCode
	}
	metrics.IncrUDPSent(c.cfg.Server, typeLabel, len(b))
	return nil
}

// TickKeepalive advances the keepalive state machine. Called on the bridge
// loop's base cadence; the per-server interval gates how often a
// PULL_DATA actually goes out.
func (c *Conn) TickKeepalive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Before(c.nextKeepalive) {
		return
	}
	c.nextKeepalive = now.Add(c.cfg.KeepaliveInterval)

	if c.state == StateAwaitingReconnect {
		if err := c.connectLocked(); err != nil {
			log.Printf("Reconnect failed, retrying next tick, server: %s, error: %v", c.cfg.Server, err)
			return
		}
		c.sendKeepaliveLocked(now)
		return
	}

	for _, req := range c.pending.Sweep(now) {
		switch req.Kind {
		case KindKeepalive:
			c.failures++
			metrics.IncrKeepaliveFailure(c.cfg.Server)
			log.Printf("Server did not acknowledge PULL_DATA, server: %s, token: %d, failures: %d",
				c.cfg.Server, req.Token, c.failures)
		case KindUplinkPush:
			log.Printf("PUSH_DATA was not acknowledged, server: %s, token: %d", c.cfg.Server, req.Token)
		}
	}

	if c.cfg.KeepaliveMaxFailures != 0 && c.failures >= c.cfg.KeepaliveMaxFailures {
		log.Printf("Max keepalive failures reached, reconnecting, server: %s, session: %s",
			c.cfg.Server, c.session)
		if c.sock != nil {
			c.sock.Close()
			c.sock = nil
		}
		c.pending.Reset()
		c.failures = 0
		c.state = StateAwaitingReconnect
		if err := c.connectLocked(); err != nil {
			log.Printf("Reconnect failed, retrying next tick, server: %s, error: %v", c.cfg.Server, err)
			return
		}
	}

	c.sendKeepaliveLocked(now)
}

func (c *Conn) sendKeepaliveLocked(now time.Time) {
	token := c.token()
	b := semtech.Encode(semtech.Packet{
		Type:      semtech.PullData,
		Token:     token,
		GatewayID: c.gatewayID,
	})
	if _, err := c.sock.Write(b); err != nil {
		log.Printf("UDP send error: %v, server: %s", err, c.cfg.Server)
	}
	c.pending.Register(token, KindKeepalive, now, now.Add(c.cfg.KeepaliveInterval))
	c.prevKeepalive = c.lastKeepalive
	c.lastKeepalive = token
	c.keepalivesSent++
	metrics.IncrUDPSent(c.cfg.Server, "PULL_DATA", len(b))
}

// HandlePacket processes one decoded inbound packet. PULL_RESP packets are
// handed to the bridge loop via the downlink channel; acks only resolve
// the correlation table.
func (c *Conn) HandlePacket(pkt semtech.Packet, now time.Time) {
	switch pkt.Type {
	case semtech.PushAck:
		c.mu.Lock()
		req, ok := c.pending.Resolve(pkt.Token)
		if ok && req.Kind == KindUplinkPush {
			c.pushAcked++
		}
		c.mu.Unlock()
		if !ok {
			log.Printf("PUSH_ACK for unknown token, server: %s, token: %d", c.cfg.Server, pkt.Token)
		}

	case semtech.PullAck:
		c.mu.Lock()
		_, ok := c.pending.Resolve(pkt.Token)
		// A late ack for the current or previous keepalive is still
		// evidence of liveness, even after the sweep already counted the
		// cycle as missed.
		live := (c.keepalivesSent >= 1 && pkt.Token == c.lastKeepalive) ||
			(c.keepalivesSent >= 2 && pkt.Token == c.prevKeepalive)
		if live {
			c.failures = 0
		}
		c.mu.Unlock()
		if !ok && !live {
			log.Printf("PULL_ACK for unknown token, server: %s, token: %d", c.cfg.Server, pkt.Token)
		}

	case semtech.PullResp:
		select {
		case c.downlinks <- Downlink{Conn: c, Packet: pkt}:
		case <-c.done:
		}

	default:
		log.Printf("Ignoring unexpected packet, type: %s, server: %s", pkt.Type, c.cfg.Server)
	}
}

// readLoop drains the socket, decodes datagrams and dispatches them. A
// malformed datagram is dropped after logging; it never terminates the
// connection.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65535)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock == nil {
			time.Sleep(readTimeout)
			continue
		}

		sock.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := sock.Read(buf)
		if err != nil {
			// timeout, or the socket was replaced by a reconnect
			continue
		}

		pkt, err := semtech.Decode(buf[:n])
		if err != nil {
			metrics.IncrUDPMalformed(c.cfg.Server)
			metrics.IncrUDPReceived(c.cfg.Server, "UNKNOWN", n)
			log.Printf("Dropping malformed datagram, server: %s, error: %v", c.cfg.Server, err)
			continue
		}

		metrics.IncrUDPReceived(c.cfg.Server, pkt.Type.String(), n)
		c.HandlePacket(pkt, time.Now())
	}
}
