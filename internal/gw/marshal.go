// Marshaling for the Concentratord ZMQ API. Uses a simple binary format
// instead of protobuf wire encoding.
package gw

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	modulationLora = 0
	modulationFsk  = 1

	timingImmediately = 0
	timingDelay       = 1
	timingGpsEpoch    = 2
)

// UnmarshalEvent deserializes an event from Concentratord. The event type
// is carried in the first ZMQ frame, the body in the second.
func UnmarshalEvent(eventType string, data []byte) (*Event, error) {
	event := &Event{}

	switch eventType {
	case "up":
		uplink, err := UnmarshalUplinkFrame(data)
		if err != nil {
			return nil, err
		}
		event.UplinkFrame = uplink

	case "stats":
		stats, err := UnmarshalGatewayStats(data)
		if err != nil {
			return nil, err
		}
		event.GatewayStats = stats

	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	return event, nil
}

// Uplink frame layout:
// 4 bytes: frequency
// 4 bytes: channel
// 4 bytes: rf_chain
// 4 bytes: context (concentrator counter, big-endian on the wire)
// 2 bytes: rssi (signed)
// 2 bytes: snr in 0.1 dB units (signed)
// 1 byte:  crc_status
// 1 byte:  modulation (0=LoRa, 1=FSK)
// 4 bytes: bandwidth | fsk datarate
// 4 bytes: spreading_factor | 0
// 1 byte:  coding_rate
// 8 bytes: rx time (unix seconds)
// 8 bytes: ms since GPS epoch (0 when unset)
// 2 bytes: payload length
// N bytes: payload
const uplinkFixedLen = 49

// MarshalUplinkFrame serializes an uplink frame.
func MarshalUplinkFrame(up *UplinkFrame) ([]byte, error) {
	if up.TxInfo == nil || up.RxInfo == nil {
		return nil, fmt.Errorf("tx_info and rx_info are required")
	}

	buf := make([]byte, uplinkFixedLen+len(up.PhyPayload))
	binary.LittleEndian.PutUint32(buf[0:4], up.TxInfo.Frequency)
	binary.LittleEndian.PutUint32(buf[4:8], up.RxInfo.Channel)
	binary.LittleEndian.PutUint32(buf[8:12], up.RxInfo.RfChain)
	copy(buf[12:16], up.RxInfo.Context)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(int16(up.RxInfo.Rssi)))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(int16(up.RxInfo.Snr*10)))
	buf[20] = byte(up.RxInfo.CrcStatus)

	if mod := up.TxInfo.Modulation; mod != nil && mod.Fsk != nil {
		buf[21] = modulationFsk
		binary.LittleEndian.PutUint32(buf[22:26], mod.Fsk.Datarate)
	} else if mod != nil && mod.Lora != nil {
		buf[21] = modulationLora
		binary.LittleEndian.PutUint32(buf[22:26], mod.Lora.Bandwidth)
		binary.LittleEndian.PutUint32(buf[26:30], mod.Lora.SpreadingFactor)
		buf[30] = byte(mod.Lora.CodeRate)
	} else {
		return nil, fmt.Errorf("modulation is required")
	}

	binary.LittleEndian.PutUint64(buf[31:39], uint64(up.RxInfo.Time))
	binary.LittleEndian.PutUint64(buf[39:47], up.RxInfo.TimeSinceGpsEpoch)
	binary.LittleEndian.PutUint16(buf[47:49], uint16(len(up.PhyPayload)))
	copy(buf[uplinkFixedLen:], up.PhyPayload)

	return buf, nil
}

// UnmarshalUplinkFrame deserializes an uplink frame.
func UnmarshalUplinkFrame(data []byte) (*UplinkFrame, error) {
	if len(data) < uplinkFixedLen {
		return nil, fmt.Errorf("uplink data too short: %d bytes", len(data))
	}

	up := &UplinkFrame{
		TxInfo: &UplinkTxInfo{
			Frequency: binary.LittleEndian.Uint32(data[0:4]),
		},
		RxInfo: &UplinkRxInfo{
			Channel:           binary.LittleEndian.Uint32(data[4:8]),
			RfChain:           binary.LittleEndian.Uint32(data[8:12]),
			Context:           append([]byte(nil), data[12:16]...),
			Rssi:              int32(int16(binary.LittleEndian.Uint16(data[16:18]))),
			Snr:               float32(int16(binary.LittleEndian.Uint16(data[18:20]))) / 10,
			CrcStatus:         CRCStatus(data[20]),
			Time:              int64(binary.LittleEndian.Uint64(data[31:39])),
			TimeSinceGpsEpoch: binary.LittleEndian.Uint64(data[39:47]),
		},
	}

	switch data[21] {
	case modulationFsk:
		up.TxInfo.Modulation = &Modulation{Fsk: &FskModulationInfo{
			Datarate: binary.LittleEndian.Uint32(data[22:26]),
		}}
	case modulationLora:
		up.TxInfo.Modulation = &Modulation{Lora: &LoraModulationInfo{
			Bandwidth:       binary.LittleEndian.Uint32(data[22:26]),
			SpreadingFactor: binary.LittleEndian.Uint32(data[26:30]),
			CodeRate:        CodeRate(data[30]),
		}}
	default:
		return nil, fmt.Errorf("unknown modulation: %d", data[21])
	}

	plen := int(binary.LittleEndian.Uint16(data[47:49]))
	if len(data) < uplinkFixedLen+plen {
		return nil, fmt.Errorf("uplink payload truncated: want %d bytes, have %d",
			plen, len(data)-uplinkFixedLen)
	}
	up.PhyPayload = append([]byte(nil), data[uplinkFixedLen:uplinkFixedLen+plen]...)

	return up, nil
}

// Gateway stats layout:
// 8 bytes: time (unix seconds)
// 8 bytes: latitude (float64 bits)
// 8 bytes: longitude (float64 bits)
// 4 bytes: altitude
// 4 bytes: rx_packets_received
// 4 bytes: rx_packets_received_ok
// 4 bytes: tx_packets_received
// 4 bytes: tx_packets_emitted
const statsLen = 44

// MarshalGatewayStats serializes gateway statistics.
func MarshalGatewayStats(stats *GatewayStats) ([]byte, error) {
	buf := make([]byte, statsLen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(stats.Time))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(stats.Latitude))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(stats.Longitude))
	binary.LittleEndian.PutUint32(buf[24:28], stats.Altitude)
	binary.LittleEndian.PutUint32(buf[28:32], stats.RxPacketsReceived)
	binary.LittleEndian.PutUint32(buf[32:36], stats.RxPacketsReceivedOk)
	binary.LittleEndian.PutUint32(buf[36:40], stats.TxPacketsReceived)
	binary.LittleEndian.PutUint32(buf[40:44], stats.TxPacketsEmitted)
	return buf, nil
}

// UnmarshalGatewayStats deserializes gateway statistics.
func UnmarshalGatewayStats(data []byte) (*GatewayStats, error) {
	if len(data) < statsLen {
		return nil, fmt.Errorf("stats data too short: %d bytes", len(data))
	}
	return &GatewayStats{
		Time:                int64(binary.LittleEndian.Uint64(data[0:8])),
		Latitude:            math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
		Longitude:           math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])),
		Altitude:            binary.LittleEndian.Uint32(data[24:28]),
		RxPacketsReceived:   binary.LittleEndian.Uint32(data[28:32]),
		RxPacketsReceivedOk: binary.LittleEndian.Uint32(data[32:36]),
		TxPacketsReceived:   binary.LittleEndian.Uint32(data[36:40]),
		TxPacketsEmitted:    binary.LittleEndian.Uint32(data[40:44]),
	}, nil
}

// Downlink frame layout:
// 4 bytes: downlink_id
// 4 bytes: frequency
// 4 bytes: power (signed)
// 1 byte:  modulation (0=LoRa, 1=FSK)
// 4 bytes: bandwidth | fsk datarate
// 4 bytes: spreading_factor | fsk frequency deviation
// 1 byte:  coding_rate
// 1 byte:  polarization inversion
// 1 byte:  timing (0=immediate, 1=delay, 2=gps)
// 8 bytes: timing value (nanoseconds)
// 1 byte:  context length
// N bytes: context
// 2 bytes: payload length
// N bytes: payload
const downlinkFixedLen = 33

// MarshalDownlinkFrame serializes a downlink frame.
func MarshalDownlinkFrame(dl *DownlinkFrame) ([]byte, error) {
	if len(dl.Items) == 0 {
		return nil, fmt.Errorf("no downlink items")
	}

	item := dl.Items[0]
	txInfo := item.TxInfo
	if txInfo == nil {
		return nil, fmt.Errorf("tx_info is required")
	}

	buf := make([]byte, downlinkFixedLen, downlinkFixedLen+len(txInfo.Context)+2+len(item.PhyPayload))
	binary.LittleEndian.PutUint32(buf[0:4], dl.DownlinkId)
	binary.LittleEndian.PutUint32(buf[4:8], txInfo.Frequency)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(txInfo.Power))

	if mod := txInfo.Modulation; mod != nil && mod.Fsk != nil {
		buf[12] = modulationFsk
		binary.LittleEndian.PutUint32(buf[13:17], mod.Fsk.Datarate)
		binary.LittleEndian.PutUint32(buf[17:21], mod.Fsk.FrequencyDeviation)
	} else if mod != nil && mod.Lora != nil {
		buf[12] = modulationLora
		binary.LittleEndian.PutUint32(buf[13:17], mod.Lora.Bandwidth)
		binary.LittleEndian.PutUint32(buf[17:21], mod.Lora.SpreadingFactor)
		buf[21] = byte(mod.Lora.CodeRate)
		if mod.Lora.PolarizationInversion {
			buf[22] = 1
		}
	} else {
		return nil, fmt.Errorf("modulation is required")
	}

	switch timing := txInfo.Timing; {
	case timing == nil:
		return nil, fmt.Errorf("timing is required")
	case timing.Immediately != nil:
		buf[23] = timingImmediately
	case timing.Delay != nil:
		buf[23] = timingDelay
		binary.LittleEndian.PutUint64(buf[24:32], uint64(timing.Delay.DelayNanos))
	case timing.GpsEpoch != nil:
		buf[23] = timingGpsEpoch
		binary.LittleEndian.PutUint64(buf[24:32], uint64(timing.GpsEpoch.TimeSinceGpsEpochNanos))
	default:
		return nil, fmt.Errorf("timing is required")
	}

	buf[32] = byte(len(txInfo.Context))
	buf = append(buf, txInfo.Context...)

	var plen [2]byte
	binary.LittleEndian.PutUint16(plen[:], uint16(len(item.PhyPayload)))
	buf = append(buf, plen[:]...)
	buf = append(buf, item.PhyPayload...)

	return buf, nil
}

// UnmarshalDownlinkTxAck deserializes a TX acknowledgment.
// Layout: 4 bytes downlink_id, 4 bytes status.
func UnmarshalDownlinkTxAck(data []byte) (*DownlinkTxAck, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("tx ack data too short: %d bytes", len(data))
	}

	return &DownlinkTxAck{
		DownlinkId: binary.LittleEndian.Uint32(data[0:4]),
		Items: []*DownlinkTxAckItem{
			{Status: TxAckStatus(binary.LittleEndian.Uint32(data[4:8]))},
		},
	}, nil
}

// UnmarshalGetGatewayIdResponse deserializes a gateway ID response.
func UnmarshalGetGatewayIdResponse(data []byte) (*GetGatewayIdResponse, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("gateway id response too short: %d bytes", len(data))
	}

	var resp GetGatewayIdResponse
	copy(resp.GatewayId[:], data[0:8])
	return &resp, nil
}
