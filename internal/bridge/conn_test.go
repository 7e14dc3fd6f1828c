package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldnet/udp-bridge/internal/gw"
	"github.com/fieldnet/udp-bridge/internal/semtech"
)

var testGatewayID = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

// fakeSock records written datagrams. Reads always time out; the read
// loop is not started in these tests.
type fakeSock struct {
	mu     sync.Mutex
	wrote  [][]byte
	closed bool
}

func (f *fakeSock) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeSock) Read(b []byte) (int, error) {
	return 0, errors.New("read timeout")
}

func (f *fakeSock) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeSock) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// packets decodes everything written to the socket.
func (f *fakeSock) packets(t *testing.T) []semtech.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var pkts []semtech.Packet
	for _, b := range f.wrote {
		pkt, err := semtech.Decode(b)
		if err != nil {
			t.Fatalf("socket carried an undecodable datagram: %v", err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func (f *fakeSock) lastPacket(t *testing.T) semtech.Packet {
	t.Helper()
	pkts := f.packets(t)
	if len(pkts) == 0 {
		t.Fatal("no datagrams written")
	}
	return pkts[len(pkts)-1]
}

// fakeDialer hands out fake sockets and can be scripted to fail.
type fakeDialer struct {
	socks []*fakeSock
	fails int // fail this many upcoming dials
	dials int
}

func (d *fakeDialer) dial(server string) (netConn, error) {
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("name resolution failed")
	}
	s := &fakeSock{}
	d.socks = append(d.socks, s)
	return s, nil
}

// tokenSeq yields 1, 2, 3, ...
func tokenSeq() TokenFunc {
	var n uint16
	return func() uint16 {
		n++
		return n
	}
}

func newTestConn(t *testing.T, cfg ServerConfig) (*Conn, *fakeDialer) {
	t.Helper()
	if cfg.Server == "" {
		cfg.Server = "ns.example.com:1700"
	}
	d := &fakeDialer{}
	c := NewConn(cfg, testGatewayID)
	c.dial = d.dial
	c.token = tokenSeq()
	return c, d
}

var keepaliveCfg = ServerConfig{
	KeepaliveInterval:    10 * time.Second,
	KeepaliveMaxFailures: 3,
	ForwardCRCOK:         true,
}

func TestConnectTransitionsToConnected(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if c.State() != StateAwaitingReconnect {
		t.Fatalf("initial state = %s, want awaiting-reconnect", c.State())
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1", d.dials)
	}
}

func TestConnectFailureStaysAwaitingReconnect(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	d.fails = 1
	if err := c.Connect(); err == nil {
		t.Fatal("Connect() = nil, want error")
	}
	if c.State() != StateAwaitingReconnect {
		t.Errorf("state = %s, want awaiting-reconnect", c.State())
	}
}

func TestKeepaliveAcknowledgedStaysConnected(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * keepaliveCfg.KeepaliveInterval)
		c.TickKeepalive(now)

		pkt := d.socks[0].lastPacket(t)
		if pkt.Type != semtech.PullData {
			t.Fatalf("tick %d sent %s, want PULL_DATA", i, pkt.Type)
		}
		if pkt.GatewayID != testGatewayID {
			t.Fatalf("tick %d gateway id = %v", i, pkt.GatewayID)
		}
		c.HandlePacket(semtech.Packet{Type: semtech.PullAck, Token: pkt.Token}, now.Add(time.Second))
	}

	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect)", d.dials)
	}
	if got := len(d.socks[0].packets(t)); got != 5 {
		t.Errorf("sent %d keepalives, want 5", got)
	}
}

func TestKeepaliveIntervalGatesTicks(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// ticks arrive every second, keepalives only every interval
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		c.TickKeepalive(t0.Add(time.Duration(i) * time.Second))
	}
	if got := len(d.socks[0].packets(t)); got != 2 {
		t.Errorf("sent %d PULL_DATA over 20s at a 10s interval, want 2", got)
	}
}

func TestKeepaliveReconnectAfterMaxFailures(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.TickKeepalive(t0) // sends keepalive 1, never acked

	// two missed keepalives: still connected on the original socket
	c.TickKeepalive(t0.Add(10 * time.Second))
	c.TickKeepalive(t0.Add(20 * time.Second))
	if d.dials != 1 {
		t.Fatalf("dials = %d after 2 misses, want 1", d.dials)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %s after 2 misses, want connected", c.State())
	}

	// third miss crosses the threshold: exactly one reconnect
	c.TickKeepalive(t0.Add(30 * time.Second))
	if d.dials != 2 {
		t.Fatalf("dials = %d after 3rd miss, want 2", d.dials)
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s after reconnect, want connected", c.State())
	}
	if !d.socks[0].closed {
		t.Error("original socket was not closed on reconnect")
	}

	// the new socket got a fresh keepalive and the counter restarted:
	// one more missed tick must not reconnect again
	c.TickKeepalive(t0.Add(40 * time.Second))
	if d.dials != 2 {
		t.Errorf("dials = %d one tick after reconnect, want 2", d.dials)
	}
	if pkt := d.socks[1].lastPacket(t); pkt.Type != semtech.PullData {
		t.Errorf("new socket sent %s, want PULL_DATA", pkt.Type)
	}
}

func TestKeepaliveReconnectRetriesAfterDialFailure(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.TickKeepalive(t0)

	d.fails = 1 // the reconnect dial will fail
	c.TickKeepalive(t0.Add(10 * time.Second))
	c.TickKeepalive(t0.Add(20 * time.Second))
	c.TickKeepalive(t0.Add(30 * time.Second))
	if c.State() != StateAwaitingReconnect {
		t.Fatalf("state = %s after failed redial, want awaiting-reconnect", c.State())
	}
	if d.dials != 2 {
		t.Fatalf("dials = %d, want 2", d.dials)
	}

	// next tick retries the dial and resumes keepalives
	c.TickKeepalive(t0.Add(40 * time.Second))
	if c.State() != StateConnected {
		t.Errorf("state = %s after retry, want connected", c.State())
	}
	if d.dials != 3 {
		t.Errorf("dials = %d after retry, want 3", d.dials)
	}
	if pkt := d.socks[1].lastPacket(t); pkt.Type != semtech.PullData {
		t.Errorf("recovered socket sent %s, want PULL_DATA", pkt.Type)
	}
}

func TestKeepaliveLateAckResetsFailures(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.TickKeepalive(t0)
	first := d.socks[0].lastPacket(t).Token

	// the sweep at t0+10 counts the first keepalive as missed before the
	// ack straggles in
	c.TickKeepalive(t0.Add(10 * time.Second))
	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()
	if failures != 1 {
		t.Fatalf("failures = %d after sweep, want 1", failures)
	}

	c.HandlePacket(semtech.Packet{Type: semtech.PullAck, Token: first}, t0.Add(11*time.Second))
	c.mu.Lock()
	failures = c.failures
	c.mu.Unlock()
	if failures != 0 {
		t.Fatalf("failures = %d after late ack, want 0", failures)
	}

	// with the counter reset, two further misses stay under the limit
	c.TickKeepalive(t0.Add(20 * time.Second))
	c.TickKeepalive(t0.Add(30 * time.Second))
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1 (late ack prevented the reconnect)", d.dials)
	}
}

func TestKeepaliveDisabledWhenMaxFailuresZero(t *testing.T) {
	cfg := keepaliveCfg
	cfg.KeepaliveMaxFailures = 0
	c, d := newTestConn(t, cfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		c.TickKeepalive(t0.Add(time.Duration(i) * 10 * time.Second))
	}
	if d.dials != 1 {
		t.Errorf("dials = %d with reconnects disabled, want 1", d.dials)
	}
}

func TestReconnectClearsPendingRequests(t *testing.T) {
	c, _ := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.TickKeepalive(t0)
	if err := c.SendPushData([]byte(`{"rxpk":[]}`), "PUSH_DATA_RXPK", t0.Add(29*time.Second)); err != nil {
		t.Fatalf("SendPushData() error: %v", err)
	}

	c.TickKeepalive(t0.Add(10 * time.Second))
	c.TickKeepalive(t0.Add(20 * time.Second))
	c.TickKeepalive(t0.Add(30 * time.Second)) // reconnects

	// only the keepalive sent on the fresh socket may remain
	c.mu.Lock()
	pending := c.pending.Len()
	c.mu.Unlock()
	if pending != 1 {
		t.Errorf("pending = %d after reconnect, want 1", pending)
	}
}

func TestPushDataCorrelation(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"rxpk":[]}`)
	if err := c.SendPushData(payload, "PUSH_DATA_RXPK", t0); err != nil {
		t.Fatalf("SendPushData() error: %v", err)
	}

	pkt := d.socks[0].lastPacket(t)
	if pkt.Type != semtech.PushData {
		t.Fatalf("sent %s, want PUSH_DATA", pkt.Type)
	}
	if string(pkt.Payload) != string(payload) {
		t.Errorf("payload = %s, want %s", pkt.Payload, payload)
	}

	c.HandlePacket(semtech.Packet{Type: semtech.PushAck, Token: pkt.Token}, t0.Add(time.Second))

	rxfw, ackr := c.TakeStats()
	if rxfw != 0 {
		t.Errorf("rxfw = %d, want 0", rxfw)
	}
	if ackr != 100 {
		t.Errorf("ackr = %v, want 100", ackr)
	}
}

func TestPushDataAgesOutOfCorrelationTable(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := c.SendPushData([]byte(`{"rxpk":[]}`), "PUSH_DATA_RXPK", t0); err != nil {
		t.Fatalf("SendPushData() error: %v", err)
	}
	token := d.socks[0].lastPacket(t).Token

	// the sweep runs on the keepalive tick, well past the ack timeout
	c.TickKeepalive(t0.Add(10 * time.Second))

	// a straggling ack no longer matches anything
	c.HandlePacket(semtech.Packet{Type: semtech.PushAck, Token: token}, t0.Add(11*time.Second))
	if _, ackr := c.TakeStats(); ackr != 0 {
		t.Errorf("ackr = %v after aged-out ack, want 0", ackr)
	}

	// aged-out pushes never bump the failure counter
	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()
	if failures != 0 {
		t.Errorf("failures = %d, want 0 (push expiry is not a keepalive miss)", failures)
	}
}

func TestTakeStatsAckRatio(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := c.SendPushData([]byte(`{"rxpk":[]}`), "PUSH_DATA_RXPK", t0); err != nil {
			t.Fatalf("SendPushData() error: %v", err)
		}
		c.IncrRxFw()
	}
	// ack only the first two
	for _, pkt := range d.socks[0].packets(t)[:2] {
		c.HandlePacket(semtech.Packet{Type: semtech.PushAck, Token: pkt.Token}, t0)
	}

	rxfw, ackr := c.TakeStats()
	if rxfw != 4 {
		t.Errorf("rxfw = %d, want 4", rxfw)
	}
	if ackr != 50 {
		t.Errorf("ackr = %v, want 50", ackr)
	}

	// counters are drained per stats window
	rxfw, ackr = c.TakeStats()
	if rxfw != 0 || ackr != 0 {
		t.Errorf("second TakeStats() = %d, %v, want 0, 0", rxfw, ackr)
	}
}

func TestSendPushDataWithoutSocket(t *testing.T) {
	c, _ := newTestConn(t, keepaliveCfg)
	if err := c.SendPushData([]byte(`{}`), "PUSH_DATA_RXPK", time.Now()); err == nil {
		t.Error("SendPushData() = nil without a socket, want error")
	}
}

func TestSendTxAck(t *testing.T) {
	c, d := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := c.SendTxAck(4242, "TOO_LATE", now); err != nil {
		t.Fatalf("SendTxAck() error: %v", err)
	}

	pkt := d.socks[0].lastPacket(t)
	if pkt.Type != semtech.TxAck {
		t.Fatalf("sent %s, want TX_ACK", pkt.Type)
	}
	if pkt.Token != 4242 {
		t.Errorf("token = %d, want 4242", pkt.Token)
	}
	if got, want := string(pkt.Payload), `{"txpk_ack":{"error":"TOO_LATE"}}`; got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
}

func TestHandlePacketRoutesPullResp(t *testing.T) {
	c, _ := newTestConn(t, keepaliveCfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	ch := make(chan Downlink, 1)
	c.downlinks = ch

	pkt := semtech.Packet{Type: semtech.PullResp, Token: 77, Payload: []byte(`{"txpk":{}}`)}
	c.HandlePacket(pkt, time.Now())

	select {
	case dl := <-ch:
		if dl.Conn != c {
			t.Error("downlink not tagged with the originating connection")
		}
		if dl.Packet.Token != 77 {
			t.Errorf("token = %d, want 77", dl.Packet.Token)
		}
	default:
		t.Fatal("PULL_RESP was not routed to the downlink channel")
	}
}

func TestShouldForward(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		crc  gw.CRCStatus
		want bool
	}{
		{"ok admitted", ServerConfig{ForwardCRCOK: true}, gw.CRCStatus_CRC_OK, true},
		{"ok filtered", ServerConfig{ForwardCRCInvalid: true}, gw.CRCStatus_CRC_OK, false},
		{"invalid admitted", ServerConfig{ForwardCRCInvalid: true}, gw.CRCStatus_BAD_CRC, true},
		{"invalid filtered", ServerConfig{ForwardCRCOK: true}, gw.CRCStatus_BAD_CRC, false},
		{"missing admitted", ServerConfig{ForwardCRCMissing: true}, gw.CRCStatus_NO_CRC, true},
		{"missing filtered", ServerConfig{ForwardCRCOK: true, ForwardCRCInvalid: true}, gw.CRCStatus_NO_CRC, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConn(tt.cfg, testGatewayID)
			if got := c.ShouldForward(tt.crc); got != tt.want {
				t.Errorf("ShouldForward(%s) = %v, want %v", tt.crc, got, tt.want)
			}
		})
	}
}
