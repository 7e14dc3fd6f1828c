package bridge

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/fieldnet/udp-bridge/internal/gw"
	"github.com/fieldnet/udp-bridge/internal/semtech"
)

// rxPkFromUplink maps a Concentratord uplink frame onto the rxpk object of
// a PUSH_DATA payload.
func rxPkFromUplink(up *gw.UplinkFrame) (semtech.RxPk, error) {
	if up.RxInfo == nil {
		return semtech.RxPk{}, fmt.Errorf("rx_info must not be nil")
	}
	if up.TxInfo == nil || up.TxInfo.Modulation == nil {
		return semtech.RxPk{}, fmt.Errorf("tx_info and modulation must not be nil")
	}

	rxTime := time.Now()
	if up.RxInfo.Time != 0 {
		rxTime = time.Unix(up.RxInfo.Time, 0)
	}

	rx := semtech.RxPk{
		Time: semtech.CompactTime(rxTime),
		Freq: float64(up.TxInfo.Frequency) / 1000000.0,
		Chan: up.RxInfo.Channel,
		RFCh: up.RxInfo.RfChain,
		RSSI: up.RxInfo.Rssi,
		Size: uint8(len(up.PhyPayload)),
		Data: base64.StdEncoding.EncodeToString(up.PhyPayload),
	}

	if up.RxInfo.TimeSinceGpsEpoch != 0 {
		tmms := up.RxInfo.TimeSinceGpsEpoch
		rx.Tmms = &tmms
	}
	if len(up.RxInfo.Context) >= 4 {
		rx.Tmst = binary.BigEndian.Uint32(up.RxInfo.Context[0:4])
	}

	switch up.RxInfo.CrcStatus {
	case gw.CRCStatus_CRC_OK:
		rx.Stat = semtech.CRCOK
	case gw.CRCStatus_BAD_CRC:
		rx.Stat = semtech.CRCFail
	default:
		rx.Stat = semtech.CRCMissing
	}

	switch mod := up.TxInfo.Modulation; {
	case mod.Lora != nil:
		snr := up.RxInfo.Snr
		rx.Modu = semtech.ModulationLoRa
		rx.Datr = semtech.DataRate{
			LoRa:            true,
			SpreadingFactor: mod.Lora.SpreadingFactor,
			Bandwidth:       mod.Lora.Bandwidth,
		}
		rx.Codr = mod.Lora.CodeRate.String()
		rx.LSNR = &snr
	case mod.Fsk != nil:
		rx.Modu = semtech.ModulationFSK
		rx.Datr = semtech.DataRate{BitRate: mod.Fsk.Datarate}
	default:
		return semtech.RxPk{}, fmt.Errorf("unsupported modulation")
	}

	return rx, nil
}

// statFromStats maps Concentratord gateway statistics onto the stat object
// of a PUSH_DATA payload. The per-server rxfw/ackr fields are filled in by
// the caller.
func statFromStats(stats *gw.GatewayStats) semtech.Stat {
	statTime := time.Now()
	if stats.Time != 0 {
		statTime = time.Unix(stats.Time, 0)
	}
	return semtech.Stat{
		Time: semtech.ExpandedTime(statTime),
		Lati: stats.Latitude,
		Long: stats.Longitude,
		Alti: stats.Altitude,
		RxNb: stats.RxPacketsReceived,
		RxOk: stats.RxPacketsReceivedOk,
		DwNb: stats.TxPacketsReceived,
		TxNb: stats.TxPacketsEmitted,
	}
}

// downlinkFromTxPk maps the txpk object of a PULL_RESP onto a Concentratord
// downlink frame. The PULL_RESP token doubles as the downlink id so the
// TX ack can be correlated.
func downlinkFromTxPk(txpk *semtech.TxPk, downlinkID uint32, gatewayID [8]byte) (*gw.DownlinkFrame, error) {
	phy, err := decodeBase64(txpk.Data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode payload error: %w", err)
	}

	txInfo := &gw.DownlinkTxInfo{
		// rounded, truncation would turn 869.525 MHz into 869524999 Hz
		Frequency: uint32(math.Round(txpk.Freq * 1000000.0)),
		Power:     int32(txpk.Powe),
	}

	switch txpk.Modu {
	case semtech.ModulationLoRa:
		if !txpk.Datr.LoRa {
			return nil, fmt.Errorf("LoRa datarate expected")
		}
		ipol := true
		if txpk.IPol != nil {
			ipol = *txpk.IPol
		}
		txInfo.Modulation = &gw.Modulation{Lora: &gw.LoraModulationInfo{
			Bandwidth:             txpk.Datr.Bandwidth,
			SpreadingFactor:       txpk.Datr.SpreadingFactor,
			CodeRate:              gw.CodeRateFromString(txpk.Codr),
			PolarizationInversion: ipol,
		}}
	case semtech.ModulationFSK:
		if txpk.Datr.LoRa {
			return nil, fmt.Errorf("FSK datarate expected")
		}
		var fdev uint32
		if txpk.FDev != nil {
			fdev = *txpk.FDev
		}
		txInfo.Modulation = &gw.Modulation{Fsk: &gw.FskModulationInfo{
			Datarate:           txpk.Datr.BitRate,
			FrequencyDeviation: fdev,
		}}
	default:
		return nil, fmt.Errorf("unknown modulation: %s", txpk.Modu)
	}

	switch {
	case txpk.Imme:
		txInfo.Timing = &gw.Timing{Immediately: &gw.ImmediatelyTimingInfo{}}
	case txpk.Tmst != nil:
		// The delay is already baked into the counter value carried in
		// the context.
		txInfo.Timing = &gw.Timing{Delay: &gw.DelayTimingInfo{}}
		ctx := make([]byte, 4)
		binary.BigEndian.PutUint32(ctx, *txpk.Tmst)
		txInfo.Context = ctx
	case txpk.Tmms != nil:
		txInfo.Timing = &gw.Timing{GpsEpoch: &gw.GPSEpochTimingInfo{
			TimeSinceGpsEpochNanos: int64(*txpk.Tmms) * int64(time.Millisecond),
		}}
	default:
		return nil, fmt.Errorf("no timing information found")
	}

	return &gw.DownlinkFrame{
		DownlinkId: downlinkID,
		GatewayId:  hex.EncodeToString(gatewayID[:]),
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: phy,
				TxInfo:     txInfo,
			},
		},
	}, nil
}

func pushDataPayload(rx semtech.RxPk) semtech.PushDataPayload {
	return semtech.PushDataPayload{RxPk: []semtech.RxPk{rx}}
}

func statPayload(stat semtech.Stat) semtech.PushDataPayload {
	return semtech.PushDataPayload{RxPk: []semtech.RxPk{}, Stat: &stat}
}

// base64 padding is optional in txpk payloads
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
