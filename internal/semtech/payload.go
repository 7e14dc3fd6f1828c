package semtech

import (
	"encoding/json"
	"fmt"
	"time"
)

// Modulation identifiers used in rxpk/txpk objects.
const (
	ModulationLoRa = "LORA"
	ModulationFSK  = "FSK"
)

// CRC status values of the rxpk "stat" field.
const (
	CRCOK      = 1
	CRCFail    = -1
	CRCMissing = 0
)

// DataRate is the polymorphic "datr" field: a "SF<n>BW<k>" string for
// LoRa, a plain bitrate number for FSK.
type DataRate struct {
	LoRa            bool
	SpreadingFactor uint32
	Bandwidth       uint32 // Hz
	BitRate         uint32 // FSK only
}

func (d DataRate) MarshalJSON() ([]byte, error) {
	if d.LoRa {
		return json.Marshal(fmt.Sprintf("SF%dBW%d", d.SpreadingFactor, d.Bandwidth/1000))
	}
	return json.Marshal(d.BitRate)
}

func (d *DataRate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		var sf, bw uint32
		if _, err := fmt.Sscanf(s, "SF%dBW%d", &sf, &bw); err != nil {
			return fmt.Errorf("invalid datarate %q", s)
		}
		*d = DataRate{LoRa: true, SpreadingFactor: sf, Bandwidth: bw * 1000}
		return nil
	}
	var br uint32
	if err := json.Unmarshal(b, &br); err != nil {
		return fmt.Errorf("invalid datarate: %s", b)
	}
	*d = DataRate{BitRate: br}
	return nil
}

// CompactTime renders as ISO 8601 with numeric offset, the rxpk "time"
// format.
type CompactTime time.Time

func (t CompactTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format("2006-01-02T15:04:05.999999999-07:00"))
}

func (t *CompactTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = CompactTime(v)
	return nil
}

// ExpandedTime renders as "2006-01-02 15:04:05 UTC", the stat "time"
// format.
type ExpandedTime time.Time

func (t ExpandedTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format("2006-01-02 15:04:05 MST"))
}

func (t *ExpandedTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.Parse("2006-01-02 15:04:05 MST", s)
	if err != nil {
		return err
	}
	*t = ExpandedTime(v)
	return nil
}

// PushDataPayload is the JSON body of a PUSH_DATA packet.
type PushDataPayload struct {
	RxPk []RxPk `json:"rxpk"`
	Stat *Stat  `json:"stat"`
}

// RxPk describes one received radio frame.
type RxPk struct {
	Time CompactTime `json:"time"`
	Tmms *uint64     `json:"tmms"` // ms since GPS epoch, null when no GPS
	Tmst uint32      `json:"tmst"` // concentrator counter at RX end
	Freq float64     `json:"freq"` // MHz
	Chan uint32      `json:"chan"`
	RFCh uint32      `json:"rfch"`
	Stat int         `json:"stat"` // CRC status
	Modu string      `json:"modu"`
	Datr DataRate    `json:"datr"`
	Codr string      `json:"codr,omitempty"`
	RSSI int32       `json:"rssi"`
	LSNR *float32    `json:"lsnr"` // null for FSK
	Size uint8       `json:"size"`
	Data string      `json:"data"` // base64 PHY payload
}

// Stat is the periodic gateway status object.
type Stat struct {
	Time ExpandedTime `json:"time"`
	Lati float64      `json:"lati"`
	Long float64      `json:"long"`
	Alti uint32       `json:"alti"`
	RxNb uint32       `json:"rxnb"` // radio packets received
	RxOk uint32       `json:"rxok"` // with valid CRC
	RxFw uint32       `json:"rxfw"` // forwarded upstream
	AckR float32      `json:"ackr"` // % of upstream datagrams acked
	DwNb uint32       `json:"dwnb"` // downlink datagrams received
	TxNb uint32       `json:"txnb"` // packets emitted
}

// PullRespPayload is the JSON body of a PULL_RESP packet.
type PullRespPayload struct {
	TxPk TxPk `json:"txpk"`
}

// TxPk describes one frame the server wants transmitted.
type TxPk struct {
	Imme bool     `json:"imme,omitempty"` // transmit immediately
	Tmst *uint32  `json:"tmst,omitempty"` // transmit at concentrator counter value
	Tmms *uint64  `json:"tmms,omitempty"` // transmit at GPS time (ms)
	Freq float64  `json:"freq"`           // MHz
	RFCh uint8    `json:"rfch"`
	Powe uint8    `json:"powe"` // dBm
	Modu string   `json:"modu"`
	Datr DataRate `json:"datr"`
	Codr string   `json:"codr,omitempty"`
	FDev *uint32  `json:"fdev,omitempty"` // FSK frequency deviation, Hz
	IPol *bool    `json:"ipol,omitempty"` // polarization inversion
	Prea *uint8   `json:"prea,omitempty"` // preamble size
	Size uint8    `json:"size"`
	Data string   `json:"data"`           // base64 PHY payload
	NCRC *bool    `json:"ncrc,omitempty"` // disable PHY CRC
}

// TxAckPayload is the JSON body of a TX_ACK packet. Error is empty on
// success.
type TxAckPayload struct {
	TxPkAck TxPkAck `json:"txpk_ack"`
}

type TxPkAck struct {
	Error string `json:"error"`
}
