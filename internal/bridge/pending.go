// Package bridge implements the per-server Semtech UDP connection engine:
// correlation of request tokens to acknowledgements, the keepalive and
// reconnect state machine, uplink fan-out and downlink dispatch.
package bridge

import "time"

// RequestKind classifies an outstanding request awaiting acknowledgement.
type RequestKind int

const (
	KindKeepalive RequestKind = iota // PULL_DATA awaiting PULL_ACK
	KindUplinkPush                   // PUSH_DATA awaiting PUSH_ACK
)

func (k RequestKind) String() string {
	if k == KindKeepalive {
		return "keepalive"
	}
	return "uplink-push"
}

// PendingRequest tracks one in-flight request on a single server
// connection.
type PendingRequest struct {
	Token    uint16
	Kind     RequestKind
	SentAt   time.Time
	Deadline time.Time
}

// PendingTable maps outstanding tokens to their bookkeeping. Tokens are
// scoped to one server connection; the owning Conn serializes access.
type PendingTable struct {
	entries map[uint16]PendingRequest
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint16]PendingRequest)}
}

// Register inserts or overwrites the entry for token. A peer reusing a
// token before its predecessor resolves is handled last-write-wins.
func (t *PendingTable) Register(token uint16, kind RequestKind, sentAt, deadline time.Time) {
	t.entries[token] = PendingRequest{
		Token:    token,
		Kind:     kind,
		SentAt:   sentAt,
		Deadline: deadline,
	}
}

// Resolve removes and returns the entry for token. An unknown or
// already-resolved token returns ok=false; that is a normal outcome.
func (t *PendingTable) Resolve(token uint16) (PendingRequest, bool) {
	req, ok := t.entries[token]
	if ok {
		delete(t.entries, token)
	}
	return req, ok
}

// Sweep removes and returns all entries whose deadline has passed.
func (t *PendingTable) Sweep(now time.Time) []PendingRequest {
	var expired []PendingRequest
	for token, req := range t.entries {
		if !req.Deadline.After(now) {
			expired = append(expired, req)
			delete(t.entries, token)
		}
	}
	return expired
}

// Reset discards all entries.
func (t *PendingTable) Reset() {
	clear(t.entries)
}

// Len returns the number of outstanding entries.
func (t *PendingTable) Len() int {
	return len(t.entries)
}
