// Package concentratord provides the ChirpStack Concentratord IPC client.
// Events arrive on a ZeroMQ SUB socket, commands go over a REQ socket.
package concentratord

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/fieldnet/udp-bridge/internal/gw"
)

// Config holds configuration for the Concentratord connection
type Config struct {
	EventURL   string // SUB socket for receiving events
	CommandURL string // REQ socket for sending commands
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		EventURL:   "ipc:///tmp/concentratord_event",
		CommandURL: "ipc:///tmp/concentratord_command",
	}
}

// Client connects to Concentratord. Start must be called before any other
// method; Events delivers decoded uplink and stats events until Stop.
type Client struct {
	config    Config
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cmdMu     sync.Mutex // REQ sockets are strictly send/recv alternating
	mu        sync.Mutex
	running   bool
	events    chan *gw.Event
}

// NewClient creates a new Concentratord client.
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan *gw.Event, 16),
	}
}

// Start connects both sockets and starts the event loop.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("client already running")
	}
	c.running = true
	c.mu.Unlock()

	c.eventSock = zmq4.NewSub(c.ctx)
	if err := c.eventSock.Dial(c.config.EventURL); err != nil {
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := c.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.cmdSock = zmq4.NewReq(c.ctx)
	if err := c.cmdSock.Dial(c.config.CommandURL); err != nil {
		c.eventSock.Close()
		return fmt.Errorf("failed to connect command socket: %w", err)
	}

	c.wg.Add(1)
	go c.eventLoop()

	log.Printf("Concentratord client started: event=%s, cmd=%s",
		c.config.EventURL, c.config.CommandURL)

	return nil
}

// Stop closes the connections and the event channel.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if c.eventSock != nil {
		c.eventSock.Close()
	}
	if c.cmdSock != nil {
		c.cmdSock.Close()
	}

	log.Println("Concentratord client stopped")
	return nil
}

// Events returns the stream of decoded Concentratord events. The channel
// is closed by Stop.
func (c *Client) Events() <-chan *gw.Event {
	return c.events
}

// GatewayID fetches the 8-byte gateway identifier from Concentratord.
func (c *Client) GatewayID() ([8]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	var id [8]byte
	msg := zmq4.NewMsgFrom([]byte("gateway_id"), []byte{})
	if err := c.cmdSock.Send(msg); err != nil {
		return id, fmt.Errorf("failed to send command: %w", err)
	}

	resp, err := c.cmdSock.Recv()
	if err != nil {
		return id, fmt.Errorf("failed to receive response: %w", err)
	}
	if len(resp.Frames) == 0 {
		return id, fmt.Errorf("empty gateway_id response")
	}

	gwResp, err := gw.UnmarshalGetGatewayIdResponse(resp.Frames[0])
	if err != nil {
		return id, err
	}
	return gwResp.GatewayId, nil
}

// SendDownlink submits a downlink frame for transmission and waits for the
// Concentratord TX acknowledgment.
func (c *Client) SendDownlink(frame *gw.DownlinkFrame) (*gw.DownlinkTxAck, error) {
	dlData, err := gw.MarshalDownlinkFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal downlink: %w", err)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	msg := zmq4.NewMsgFrom([]byte("down"), dlData)
	if err := c.cmdSock.Send(msg); err != nil {
		return nil, fmt.Errorf("failed to send downlink: %w", err)
	}

	resp, err := c.cmdSock.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive TX ack: %w", err)
	}
	if len(resp.Frames) == 0 {
		return nil, fmt.Errorf("empty TX ack response")
	}

	txAck, err := gw.UnmarshalDownlinkTxAck(resp.Frames[0])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal TX ack: %w", err)
	}
	return txAck, nil
}

// eventLoop receives events from Concentratord
func (c *Client) eventLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.eventSock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 {
			continue
		}

		eventType := string(msg.Frames[0])
		eventData := msg.Frames[1]

		event, err := gw.UnmarshalEvent(eventType, eventData)
		if err != nil {
			log.Printf("Failed to unmarshal event: %v", err)
			continue
		}

		select {
		case c.events <- event:
		case <-c.ctx.Done():
			return
		case <-time.After(time.Second):
			// consumer stalled, drop rather than block the SUB socket
			log.Printf("Event channel full, dropping %s event", eventType)
		}
	}
}
