// Package semtech implements the Semtech UDP packet-forwarder protocol
// (version 2) wire format used between LoRa gateways and network servers.
package semtech

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only protocol version this codec accepts.
const ProtocolVersion uint8 = 0x02

// PacketType identifies the packet kind (byte 3 of every datagram).
type PacketType uint8

const (
	PushData PacketType = 0x00 // gateway -> server, JSON payload
	PushAck  PacketType = 0x01 // server -> gateway, 4 bytes
	PullData PacketType = 0x02 // gateway -> server, 12 bytes
	PullResp PacketType = 0x03 // server -> gateway, JSON payload
	PullAck  PacketType = 0x04 // server -> gateway, 4 bytes
	TxAck    PacketType = 0x05 // gateway -> server, JSON payload
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Decode errors. A failed decode always means the datagram is dropped;
// it never tears down the connection.
var (
	ErrTruncated          = errors.New("truncated packet")
	ErrUnknownIdentifier  = errors.New("unknown packet identifier")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMalformedPayload   = errors.New("malformed JSON payload")
)

// Packet is a decoded protocol datagram. Token is the 16-bit correlation
// id echoed by acknowledgements. GatewayID is only meaningful for
// PUSH_DATA, PULL_DATA and TX_ACK; Payload only for PUSH_DATA, PULL_RESP
// and TX_ACK.
type Packet struct {
	Type      PacketType
	Token     uint16
	GatewayID [8]byte
	Payload   []byte
}

// header: version (1) + token (2, big-endian) + identifier (1)
const headerLen = 4

// gateway id follows the header on PUSH_DATA, PULL_DATA and TX_ACK
const gatewayIDLen = 8

func hasGatewayID(t PacketType) bool {
	return t == PushData || t == PullData || t == TxAck
}

func hasPayload(t PacketType) bool {
	return t == PushData || t == PullResp || t == TxAck
}

// Encode serializes p. Fields are assumed pre-validated by the caller;
// encoding cannot fail.
func Encode(p Packet) []byte {
	n := headerLen
	if hasGatewayID(p.Type) {
		n += gatewayIDLen
	}
	b := make([]byte, n, n+len(p.Payload))
	b[0] = ProtocolVersion
	binary.BigEndian.PutUint16(b[1:3], p.Token)
	b[3] = uint8(p.Type)
	if hasGatewayID(p.Type) {
		copy(b[4:12], p.GatewayID[:])
	}
	if hasPayload(p.Type) {
		b = append(b, p.Payload...)
	}
	return b
}

// Decode parses a raw datagram. It is pure: no side effects, the input
// slice is not retained.
func Decode(b []byte) (Packet, error) {
	if len(b) < headerLen {
		return Packet{}, fmt.Errorf("%w: got %d bytes, want at least %d", ErrTruncated, len(b), headerLen)
	}
	if b[0] != ProtocolVersion {
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, b[0])
	}

	p := Packet{
		Type:  PacketType(b[3]),
		Token: binary.BigEndian.Uint16(b[1:3]),
	}
	switch p.Type {
	case PushData, PushAck, PullData, PullResp, PullAck, TxAck:
	default:
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownIdentifier, b[3])
	}

	rest := b[headerLen:]
	if hasGatewayID(p.Type) {
		if len(rest) < gatewayIDLen {
			return Packet{}, fmt.Errorf("%w: %s needs %d bytes, got %d",
				ErrTruncated, p.Type, headerLen+gatewayIDLen, len(b))
		}
		copy(p.GatewayID[:], rest[:gatewayIDLen])
		rest = rest[gatewayIDLen:]
	}
	if hasPayload(p.Type) && len(rest) > 0 {
		if !json.Valid(rest) {
			return Packet{}, fmt.Errorf("%w: %s", ErrMalformedPayload, p.Type)
		}
		p.Payload = make([]byte, len(rest))
		copy(p.Payload, rest)
	}
	return p, nil
}

// MinLen returns the minimum encoded length of a packet of type t.
func MinLen(t PacketType) int {
	if hasGatewayID(t) {
		return headerLen + gatewayIDLen
	}
	return headerLen
}
