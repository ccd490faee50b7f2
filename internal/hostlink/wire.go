package hostlink

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command ids, host to bridge.
const (
	CmdGetInfo           uint8 = 0x01
	CmdGetStats          uint8 = 0x02
	CmdSetFrequency      uint8 = 0x03
	CmdSetProtocol       uint8 = 0x04
	CmdResetStats        uint8 = 0x05
	CmdSendTest          uint8 = 0x06
	CmdSetSwitchInterval uint8 = 0x07
	CmdSetProtocolParams uint8 = 0x08
	CmdSetRxProtocol     uint8 = 0x09
	CmdSetTxProtocols    uint8 = 0x0A
)

// Response ids, bridge to host.
const (
	RespInfo     uint8 = 0x81
	RespStats    uint8 = 0x82
	RespRxPacket uint8 = 0x83
	RespError    uint8 = 0x84
	RespDebugLog uint8 = 0x85
)

const (
	HeaderLen       = 2
	MaxPayload      = 64
	InfoLen         = 18
	StatsLen        = 24
	RxHeaderLen     = 5
	MaxRxData       = 56
	MaxErrorText    = 60
	MaxDebugText    = 64
	FirmwareMajor   = 0x01
	FirmwareMinor   = 0x00
	ArgAllProtocols = 2
	ModeAuto        = 2
)

var (
	ErrUnknownCommand  = errors.New("hostlink: unknown command")
	ErrPayloadTooLarge = errors.New("hostlink: payload too large")
	ErrShortPayload    = errors.New("hostlink: short payload")
	ErrUnexpectedType  = errors.New("hostlink: unexpected message type")
)

// Message is one framed host-link unit: [type][len][payload].
type Message struct {
	Type    uint8
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("type=0x%02X len=%d", m.Type, len(m.Payload))
}

func IsCommand(b uint8) bool {
	return b >= CmdGetInfo && b <= CmdSetTxProtocols
}

func IsResponse(b uint8) bool {
	return b >= RespInfo && b <= RespDebugLog
}

// ReadCommand reads the next command. Leading bytes outside the command
// range are discarded one at a time to resynchronise the stream; skipped
// reports how many.
func ReadCommand(r *bufio.Reader) (msg Message, skipped int, err error) {
	return readMessage(r, IsCommand)
}

// ReadResponse is the host-side reader for bridge responses.
func ReadResponse(r *bufio.Reader) (msg Message, skipped int, err error) {
	return readMessage(r, IsResponse)
}

func readMessage(r *bufio.Reader, valid func(uint8) bool) (Message, int, error) {
	skipped := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Message{}, skipped, err
		}
		if !valid(b) {
			skipped++
			continue
		}
		n, err := r.ReadByte()
		if err != nil {
			return Message{}, skipped, err
		}
		if int(n) > MaxPayload {
			return Message{}, skipped, fmt.Errorf("%w: 0x%02X len=%d", ErrPayloadTooLarge, b, n)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, skipped, err
		}
		return Message{Type: b, Payload: payload}, skipped, nil
	}
}

func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(m.Payload))
	}
	buf := make([]byte, 0, HeaderLen+len(m.Payload))
	buf = append(buf, m.Type, uint8(len(m.Payload)))
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// Info is the INFO response body.
type Info struct {
	FirmwareMajor    uint8
	FirmwareMinor    uint8
	FrequencyA       uint32
	FrequencyB       uint32
	SwitchIntervalMS uint16
	Listen           uint8
	BandwidthA       uint8
	BandwidthB       uint8
	Mode             uint8
	Platform         uint8
}

func EncodeInfo(in Info) Message {
	b := make([]byte, InfoLen)
	b[0] = in.FirmwareMajor
	b[1] = in.FirmwareMinor
	binary.LittleEndian.PutUint32(b[2:6], in.FrequencyA)
	binary.LittleEndian.PutUint32(b[6:10], in.FrequencyB)
	binary.LittleEndian.PutUint16(b[10:12], in.SwitchIntervalMS)
	b[12] = in.Listen
	b[13] = in.BandwidthA
	b[14] = in.BandwidthB
	b[15] = in.Mode
	b[16] = in.Platform
	return Message{Type: RespInfo, Payload: b}
}

func DecodeInfo(m Message) (Info, error) {
	if m.Type != RespInfo {
		return Info{}, fmt.Errorf("%w: %s", ErrUnexpectedType, m)
	}
	b := m.Payload
	if len(b) < InfoLen {
		return Info{}, fmt.Errorf("%w: info %d", ErrShortPayload, len(b))
	}
	return Info{
		FirmwareMajor:    b[0],
		FirmwareMinor:    b[1],
		FrequencyA:       binary.LittleEndian.Uint32(b[2:6]),
		FrequencyB:       binary.LittleEndian.Uint32(b[6:10]),
		SwitchIntervalMS: binary.LittleEndian.Uint16(b[10:12]),
		Listen:           b[12],
		BandwidthA:       b[13],
		BandwidthB:       b[14],
		Mode:             b[15],
		Platform:         b[16],
	}, nil
}

// Stats is the STATS response body.
type Stats struct {
	RxA              uint32
	RxB              uint32
	TxA              uint32
	TxB              uint32
	ConversionErrors uint32
	ParseErrors      uint32
}

func EncodeStats(s Stats) Message {
	b := make([]byte, StatsLen)
	for i, v := range []uint32{s.RxA, s.RxB, s.TxA, s.TxB, s.ConversionErrors, s.ParseErrors} {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return Message{Type: RespStats, Payload: b}
}

func DecodeStats(m Message) (Stats, error) {
	if m.Type != RespStats {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnexpectedType, m)
	}
	if len(m.Payload) < StatsLen {
		return Stats{}, fmt.Errorf("%w: stats %d", ErrShortPayload, len(m.Payload))
	}
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(m.Payload[i*4:]) }
	return Stats{RxA: u(0), RxB: u(1), TxA: u(2), TxB: u(3), ConversionErrors: u(4), ParseErrors: u(5)}, nil
}

// RxPacket is one received-frame record. Data beyond MaxRxData is truncated
// on encode.
type RxPacket struct {
	Protocol uint8
	RSSI     int16
	SNR      int8
	Data     []byte
}

func EncodeRxPacket(p RxPacket) Message {
	data := p.Data
	if len(data) > MaxRxData {
		data = data[:MaxRxData]
	}
	b := make([]byte, RxHeaderLen, RxHeaderLen+len(data))
	b[0] = p.Protocol
	binary.LittleEndian.PutUint16(b[1:3], uint16(p.RSSI))
	b[3] = uint8(p.SNR)
	b[4] = uint8(len(data))
	b = append(b, data...)
	return Message{Type: RespRxPacket, Payload: b}
}

func DecodeRxPacket(m Message) (RxPacket, error) {
	if m.Type != RespRxPacket {
		return RxPacket{}, fmt.Errorf("%w: %s", ErrUnexpectedType, m)
	}
	b := m.Payload
	if len(b) < RxHeaderLen || len(b) < RxHeaderLen+int(b[4]) {
		return RxPacket{}, fmt.Errorf("%w: rx packet %d", ErrShortPayload, len(b))
	}
	n := int(b[4])
	return RxPacket{
		Protocol: b[0],
		RSSI:     int16(binary.LittleEndian.Uint16(b[1:3])),
		SNR:      int8(b[3]),
		Data:     append([]byte(nil), b[RxHeaderLen:RxHeaderLen+n]...),
	}, nil
}

func EncodeError(text string) Message {
	return Message{Type: RespError, Payload: clip(text, MaxErrorText)}
}

func EncodeDebug(text string) Message {
	return Message{Type: RespDebugLog, Payload: clip(text, MaxDebugText)}
}

func clip(text string, limit int) []byte {
	if len(text) > limit {
		text = text[:limit]
	}
	return []byte(text)
}

// Command payload builders used by host-side clients.

func GetInfo() Message    { return Message{Type: CmdGetInfo} }
func GetStats() Message   { return Message{Type: CmdGetStats} }
func ResetStats() Message { return Message{Type: CmdResetStats} }

func SetFrequency(hz uint32) Message {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, hz)
	return Message{Type: CmdSetFrequency, Payload: b}
}

func SetProtocol(arg uint8) Message     { return Message{Type: CmdSetProtocol, Payload: []byte{arg}} }
func SendTest(arg uint8) Message        { return Message{Type: CmdSendTest, Payload: []byte{arg}} }
func SetRxProtocol(id uint8) Message    { return Message{Type: CmdSetRxProtocol, Payload: []byte{id}} }
func SetTxProtocols(mask uint8) Message { return Message{Type: CmdSetTxProtocols, Payload: []byte{mask}} }

func SetSwitchInterval(ms uint16) Message {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, ms)
	return Message{Type: CmdSetSwitchInterval, Payload: b}
}

func SetProtocolParams(id uint8, hz uint32, bw uint8) Message {
	b := make([]byte, 6)
	b[0] = id
	binary.LittleEndian.PutUint32(b[1:5], hz)
	b[5] = bw
	return Message{Type: CmdSetProtocolParams, Payload: b}
}
