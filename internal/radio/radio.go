package radio

import (
	"errors"
	"fmt"
)

const (
	// LengthInvalid is returned by FrameLength when no complete frame is
	// buffered or the length register reads back corrupted.
	LengthInvalid = 0xFF

	// NoiseFloor is the weakest signal strength the receiver reports. A
	// frame at or below it is indistinguishable from noise.
	NoiseFloor int16 = -127
)

var (
	ErrUnavailable      = errors.New("radio: transceiver unavailable")
	ErrTransmitTimeout  = errors.New("radio: transmit timeout")
	ErrInvalidBandwidth = errors.New("radio: invalid bandwidth code")
	ErrFrequencyRange   = errors.New("radio: frequency out of range")
	ErrFrameTooLarge    = errors.New("radio: frame too large")
	ErrEmptyFrame       = errors.New("radio: empty frame")
)

type Mode uint8

const (
	ModeSleep Mode = iota
	ModeStandby
	ModeTransmit
	ModeReceiveContinuous
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeStandby:
		return "standby"
	case ModeTransmit:
		return "transmit"
	case ModeReceiveContinuous:
		return "rx_continuous"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Event is raised from interrupt context when the transceiver finishes a
// receive or transmit.
type Event uint8

const (
	EventRxDone Event = iota + 1
	EventTxDone
)

// Transceiver is the single shared half-duplex radio.
type Transceiver interface {
	Configure(m Modulation) error
	SetMode(mode Mode) error
	WriteFrame(frame []byte) error
	ReadFrame(maxLen int) ([]byte, error)
	FrameReady() bool
	FrameLength() int
	SignalStrength() int16
	SignalToNoise() int8
	ClearPendingEvents()
	OnFrameEvent(fn func(Event))
	FrequencyRange() (min, max uint32)
}

// Modulation is one protocol's LoRa configuration.
type Modulation struct {
	FrequencyHz     uint32
	Bandwidth       uint8
	SpreadingFactor uint8
	CodingRate      uint8
	SyncWord        uint8
	PreambleLen     uint16
	ImplicitHeader  bool
	InvertIQ        bool
	CRC             bool
}

// bandwidthHz maps bandwidth codes 0..9 to hertz.
var bandwidthHz = [...]uint32{
	7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000,
}

// BandwidthHz returns the bandwidth in hertz for a code.
func BandwidthHz(code uint8) (uint32, error) {
	if int(code) >= len(bandwidthHz) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBandwidth, code)
	}
	return bandwidthHz[code], nil
}

func ValidBandwidth(code uint8) bool {
	return int(code) < len(bandwidthHz)
}

// ValidateFrequency checks hz against the transceiver's tunable range.
func ValidateFrequency(t Transceiver, hz uint32) error {
	lo, hi := t.FrequencyRange()
	if hz < lo || hz > hi {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrFrequencyRange, hz, lo, hi)
	}
	return nil
}

func (m Modulation) String() string {
	bw, _ := BandwidthHz(m.Bandwidth)
	return fmt.Sprintf("%.3fMHz bw=%.1fkHz sf=%d cr=4/%d sync=0x%02X", float64(m.FrequencyHz)/1e6, float64(bw)/1e3, m.SpreadingFactor, m.CodingRate, m.SyncWord)
}
