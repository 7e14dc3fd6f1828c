package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/fieldnet/udp-bridge/internal/gw"
)

// Pool owns one Conn per configured server, fans uplink frames out to all
// of them and funnels inbound PULL_RESP packets to a single channel.
type Pool struct {
	conns     []*Conn
	downlinks chan Downlink
}

// NewPool creates connections for all configured servers.
func NewPool(configs []ServerConfig, gatewayID [8]byte) *Pool {
	p := &Pool{downlinks: make(chan Downlink, 16)}
	for _, cfg := range configs {
		p.conns = append(p.conns, NewConn(cfg, gatewayID))
	}
	return p
}

// Start opens all sockets and launches the read loops. A server that
// cannot be reached stays in AwaitingReconnect and is retried by the
// keepalive cadence; only a total failure (no socket at all) is an error.
func (p *Pool) Start() error {
	if len(p.conns) == 0 {
		return fmt.Errorf("no servers configured")
	}

	connected := 0
	for _, c := range p.conns {
		if err := c.Connect(); err != nil {
			log.Printf("Initial connect failed, server: %s, error: %v", c.Server(), err)
		} else {
			connected++
		}
		c.Start(p.downlinks)
	}
	if connected == 0 {
		return fmt.Errorf("could not open a socket to any of the %d configured servers", len(p.conns))
	}
	return nil
}

// Stop closes all connections.
func (p *Pool) Stop() {
	for _, c := range p.conns {
		c.Close()
	}
}

// Downlinks returns the merged stream of PULL_RESP packets from all
// servers.
func (p *Pool) Downlinks() <-chan Downlink {
	return p.downlinks
}

// Conns returns the owned connections.
func (p *Pool) Conns() []*Conn {
	return p.conns
}

// BroadcastUplink forwards one uplink frame to every server whose policy
// admits its CRC status, each with an independently generated token. A
// send failure on one server does not block the others.
func (p *Pool) BroadcastUplink(up *gw.UplinkFrame, now time.Time) {
	rx, err := rxPkFromUplink(up)
	if err != nil {
		log.Printf("Cannot map uplink frame: %v", err)
		return
	}

	payload, err := json.Marshal(pushDataPayload(rx))
	if err != nil {
		log.Printf("Marshal rxpk payload error: %v", err)
		return
	}

	var crc gw.CRCStatus
	if up.RxInfo != nil {
		crc = up.RxInfo.CrcStatus
	}

	for _, c := range p.conns {
		if !c.ShouldForward(crc) {
			continue
		}
		if err := c.SendPushData(payload, "PUSH_DATA_RXPK", now); err != nil {
			log.Printf("Uplink push failed, server: %s, error: %v", c.Server(), err)
			continue
		}
		c.IncrRxFw()
	}
}

// BroadcastStats forwards a gateway stats event to every server, filling
// in the per-server forwarded count and ack ratio.
func (p *Pool) BroadcastStats(stats *gw.GatewayStats, now time.Time) {
	base := statFromStats(stats)

	for _, c := range p.conns {
		stat := base
		stat.RxFw, stat.AckR = c.TakeStats()

		payload, err := json.Marshal(statPayload(stat))
		if err != nil {
			log.Printf("Marshal stat payload error: %v", err)
			return
		}
		if err := c.SendPushData(payload, "PUSH_DATA_STATS", now); err != nil {
			log.Printf("Stats push failed, server: %s, error: %v", c.Server(), err)
		}
	}
}

// TickKeepalives advances every connection's keepalive state machine.
func (p *Pool) TickKeepalives(now time.Time) {
	for _, c := range p.conns {
		c.TickKeepalive(now)
	}
}
