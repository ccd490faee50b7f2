package relay

import (
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
)

type EventKind uint8

const (
	EventRxPacket EventKind = iota + 1
	EventDebug
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventRxPacket:
		return "rx_packet"
	case EventDebug:
		return "debug"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted toward host-link consumers. RxPacket events carry the
// raw frame as received; Debug and Error carry Text.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Protocol codec.ID
	RSSI     int16
	SNR      int8
	Data     []byte
	Text     string
}

// Sink receives engine events. Emit is called from the control loop and
// must not block.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

type discardSink struct{}

func (discardSink) Emit(Event) {}
