package bridge

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/fieldnet/udp-bridge/internal/gw"
	"github.com/fieldnet/udp-bridge/internal/semtech"
)

// Concentrator is the IPC collaborator: a stream of gateway events and a
// command sink for downlink transmission.
type Concentrator interface {
	Events() <-chan *gw.Event
	SendDownlink(frame *gw.DownlinkFrame) (*gw.DownlinkTxAck, error)
}

// baseTick is the control loop cadence. Per-server keepalive intervals are
// multiples of this resolution.
const baseTick = time.Second

// Bridge is the top-level coordinator: uplink events flow from the
// concentrator into the pool, downlinks from the pool back into the
// concentrator, keepalives tick on a fixed cadence.
type Bridge struct {
	pool      *Pool
	conc      Concentrator
	gatewayID [8]byte
}

// New creates a bridge over an already constructed pool.
func New(pool *Pool, conc Concentrator, gatewayID [8]byte) *Bridge {
	return &Bridge{
		pool:      pool,
		conc:      conc,
		gatewayID: gatewayID,
	}
}

// Run drives the control loop until ctx is canceled or the event stream
// closes. The three sources (uplink events, inbound downlinks, keepalive
// ticks) are multiplexed so none starves the others.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(baseTick)
	defer ticker.Stop()

	// first keepalive goes out immediately
	b.pool.TickKeepalives(time.Now())

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-b.conc.Events():
			if !ok {
				return nil
			}
			b.handleEvent(ev, time.Now())

		case dl := <-b.pool.Downlinks():
			b.handleDownlink(dl, time.Now())

		case now := <-ticker.C:
			b.pool.TickKeepalives(now)
		}
	}
}

func (b *Bridge) handleEvent(ev *gw.Event, now time.Time) {
	switch {
	case ev.UplinkFrame != nil:
		b.pool.BroadcastUplink(ev.UplinkFrame, now)
	case ev.GatewayStats != nil:
		b.pool.BroadcastStats(ev.GatewayStats, now)
	}
}

// handleDownlink forwards a PULL_RESP to the concentrator and reports the
// transmission outcome back to the originating server as a TX_ACK.
func (b *Bridge) handleDownlink(dl Downlink, now time.Time) {
	server := dl.Conn.Server()

	var payload semtech.PullRespPayload
	if err := json.Unmarshal(dl.Packet.Payload, &payload); err != nil {
		log.Printf("Malformed PULL_RESP payload, server: %s, error: %v", server, err)
		return
	}

	frame, err := downlinkFromTxPk(&payload.TxPk, uint32(dl.Packet.Token), b.gatewayID)
	if err != nil {
		log.Printf("Cannot map txpk to downlink, server: %s, error: %v", server, err)
		return
	}

	ack, err := b.conc.SendDownlink(frame)
	if err != nil {
		log.Printf("Downlink command failed, server: %s, error: %v", server, err)
		return
	}
	if len(ack.Items) != 1 {
		log.Printf("Unexpected TX ack item count: %d, server: %s", len(ack.Items), server)
		return
	}

	errCode := ack.Items[0].Status.ErrorCode()
	if err := dl.Conn.SendTxAck(dl.Packet.Token, errCode, now); err != nil {
		log.Printf("TX_ACK send failed, server: %s, error: %v", server, err)
	}
}
