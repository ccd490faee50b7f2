// Package sim provides an in-memory transceiver for hosts without radio
// hardware. It records every configuration and transmission and lets tests
// inject received frames and faults.
package sim

import (
	"sync"

	"github.com/danmuck/meshbridge/internal/radio"
)

const PlatformID = 0xFE

// Config bounds the simulated tuner.
type Config struct {
	MinFrequencyHz uint32
	MaxFrequencyHz uint32
	Offline        bool
}

// SX1262 tuning range.
func DefaultConfig() Config {
	return Config{
		MinFrequencyHz: 150000000,
		MaxFrequencyHz: 960000000,
	}
}

// TxRecord is one completed or attempted transmission.
type TxRecord struct {
	Modulation radio.Modulation
	Frame      []byte
}

// Radio implements radio.Transceiver in memory.
type Radio struct {
	mu sync.Mutex

	cfg        Config
	active     radio.Modulation
	configured bool
	mode       radio.Mode
	history    []radio.Modulation

	rxFrame    []byte
	rssi       int16
	snr        int8
	badLength  int
	drift      int
	lenReads   int
	pendingIRQ bool

	txBuf   []byte
	txLog   []TxRecord
	offline bool
	txHang  bool

	onEvent func(radio.Event)
}

var _ radio.Transceiver = (*Radio)(nil)

func New(cfg Config) *Radio {
	if cfg.MinFrequencyHz == 0 && cfg.MaxFrequencyHz == 0 {
		def := DefaultConfig()
		cfg.MinFrequencyHz = def.MinFrequencyHz
		cfg.MaxFrequencyHz = def.MaxFrequencyHz
	}
	return &Radio{
		cfg:     cfg,
		mode:    radio.ModeStandby,
		offline: cfg.Offline,
	}
}

func (r *Radio) Configure(m radio.Modulation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return radio.ErrUnavailable
	}
	if !radio.ValidBandwidth(m.Bandwidth) {
		return radio.ErrInvalidBandwidth
	}
	if m.FrequencyHz < r.cfg.MinFrequencyHz || m.FrequencyHz > r.cfg.MaxFrequencyHz {
		return radio.ErrFrequencyRange
	}
	r.active = m
	r.configured = true
	r.history = append(r.history, m)
	r.mode = radio.ModeReceiveContinuous
	return nil
}

func (r *Radio) SetMode(mode radio.Mode) error {
	r.mu.Lock()
	if r.offline {
		r.mu.Unlock()
		return radio.ErrUnavailable
	}
	r.mode = mode
	fire := false
	if mode == radio.ModeTransmit {
		frame := append([]byte(nil), r.txBuf...)
		r.txLog = append(r.txLog, TxRecord{Modulation: r.active, Frame: frame})
		r.txBuf = nil
		if !r.txHang {
			r.mode = radio.ModeStandby
			fire = true
		}
	}
	cb := r.onEvent
	r.mu.Unlock()

	if fire && cb != nil {
		cb(radio.EventTxDone)
	}
	return nil
}

func (r *Radio) WriteFrame(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return radio.ErrUnavailable
	}
	if len(frame) > radio.LengthInvalid {
		return radio.ErrFrameTooLarge
	}
	r.txBuf = append(r.txBuf[:0], frame...)
	return nil
}

func (r *Radio) ReadFrame(maxLen int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, radio.ErrUnavailable
	}
	n := len(r.rxFrame)
	if n > maxLen {
		n = maxLen
	}
	return append([]byte(nil), r.rxFrame[:n]...), nil
}

func (r *Radio) FrameReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingIRQ
}

func (r *Radio) FrameLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pendingIRQ {
		return radio.LengthInvalid
	}
	if r.badLength > 0 {
		r.badLength--
		return radio.LengthInvalid
	}
	r.lenReads++
	if r.lenReads > 1 {
		return len(r.rxFrame) + r.drift
	}
	return len(r.rxFrame)
}

func (r *Radio) SignalStrength() int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rssi
}

func (r *Radio) SignalToNoise() int8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snr
}

func (r *Radio) ClearPendingEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingIRQ = false
	r.rxFrame = nil
	r.badLength = 0
	r.drift = 0
	r.lenReads = 0
}

func (r *Radio) OnFrameEvent(fn func(radio.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

func (r *Radio) FrequencyRange() (uint32, uint32) {
	return r.cfg.MinFrequencyHz, r.cfg.MaxFrequencyHz
}

// InjectRx lands a frame as if received over the air. It is dropped unless
// the radio is online and in continuous receive.
func (r *Radio) InjectRx(frame []byte, rssi int16, snr int8) bool {
	r.mu.Lock()
	if r.offline || r.mode != radio.ModeReceiveContinuous {
		r.mu.Unlock()
		return false
	}
	r.rxFrame = append([]byte(nil), frame...)
	r.rssi = rssi
	r.snr = snr
	r.pendingIRQ = true
	r.lenReads = 0
	cb := r.onEvent
	r.mu.Unlock()

	if cb != nil {
		cb(radio.EventRxDone)
	}
	return true
}

// CorruptLength makes the next n FrameLength reads return LengthInvalid.
func (r *Radio) CorruptLength(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.badLength = n
}

// DriftLength offsets every FrameLength read after the first for the
// pending frame, as if the length register changed mid-read.
func (r *Radio) DriftLength(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drift = delta
}

func (r *Radio) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// SetTxHang suppresses tx-done events so transmits time out.
func (r *Radio) SetTxHang(hang bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txHang = hang
}

func (r *Radio) TxLog() []TxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TxRecord, len(r.txLog))
	copy(out, r.txLog)
	return out
}

func (r *Radio) ConfigureHistory() []radio.Modulation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]radio.Modulation, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Radio) Active() (radio.Modulation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.configured
}

func (r *Radio) Mode() radio.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}
