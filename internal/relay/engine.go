// Package relay owns the listen/relay state machine.
//
// Ownership boundary:
// - which protocol the shared radio listens on
// - receive, quality gate, convert, fan-out, restore
// - auto-switch rotation and the radio-offline sub-state
//
// All methods run on the single control loop. The only state written from
// outside the loop is the radio's frame-pending flag (radio.Signals).
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/meshbridge/internal/canonical"
	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/danmuck/meshbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoiseFrame       = errors.New("relay: noise frame")
	ErrFrameRejected    = errors.New("relay: frame rejected")
	ErrRadioOffline     = errors.New("relay: radio offline")
	ErrUnknownProtocol  = errors.New("relay: unknown protocol")
	ErrInvalidInterval  = errors.New("relay: switch interval out of range")
	ErrInvalidMask      = errors.New("relay: invalid tx protocol mask")
	ErrAutoSwitchNoTime = errors.New("relay: auto-switch needs a non-zero interval")
	ErrMissingDeps      = errors.New("relay: radio, codecs and registry are required")
)

// State is the engine's coarse state.
type State uint8

const (
	StateListening State = iota
	StateTransmitting
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateTransmitting:
		return "transmitting"
	case StateOffline:
		return "offline"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config holds relay scheduling defaults.
type Config struct {
	Listen            codec.ID
	TxMask            uint8
	SwitchInterval    time.Duration
	MinSwitchInterval time.Duration
	MaxSwitchInterval time.Duration
	// TxTimeout bounds each transmit. Zero derives it from airtime.
	TxTimeout       time.Duration
	TxMargin        time.Duration
	OfflineAnnounce time.Duration
	Reinit          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Listen:            codec.MeshCore,
		SwitchInterval:    100 * time.Millisecond,
		MinSwitchInterval: 50 * time.Millisecond,
		MaxSwitchInterval: 1000 * time.Millisecond,
		TxMargin:          100 * time.Millisecond,
		OfflineAnnounce:   5 * time.Second,
		Reinit:            DefaultBackoffConfig(),
	}
}

// Deps are the engine collaborators.
type Deps struct {
	Radio    radio.Transceiver
	Codecs   *codec.Set
	Registry *registry.Registry
	Sink     Sink
	Clock    func() time.Time
}

// Engine is the relay state machine.
type Engine struct {
	radio   radio.Transceiver
	signals *radio.Signals
	codecs  *codec.Set
	reg     *registry.Registry
	sink    Sink
	now     func() time.Time
	cfg     Config

	state          State
	listen         codec.ID
	txMask         uint8
	lastConfigured codec.ID
	configured     bool

	autoSwitch     bool
	switchInterval time.Duration
	lastSwitch     time.Time

	txTimeout time.Duration

	offlineErr    error
	nextAnnounce  time.Time
	nextReinit    time.Time
	reinitAttempt int
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Radio == nil || deps.Codecs == nil || deps.Registry == nil || deps.Codecs.Len() == 0 {
		return nil, ErrMissingDeps
	}
	if _, ok := deps.Codecs.Resolve(cfg.Listen); !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocol, cfg.Listen)
	}
	if cfg.SwitchInterval != 0 && !intervalInRange(cfg, cfg.SwitchInterval) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, cfg.SwitchInterval)
	}
	if cfg.TxMask&^deps.Codecs.Mask() != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidMask, cfg.TxMask)
	}
	e := &Engine{
		radio:          deps.Radio,
		codecs:         deps.Codecs,
		reg:            deps.Registry,
		sink:           deps.Sink,
		now:            deps.Clock,
		cfg:            cfg,
		listen:         cfg.Listen,
		txMask:         cfg.TxMask,
		autoSwitch:     cfg.SwitchInterval > 0,
		switchInterval: cfg.SwitchInterval,
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.txMask == 0 {
		e.txMask = deps.Codecs.Mask()
	}
	e.signals = radio.Attach(deps.Radio)
	e.txTimeout = cfg.TxTimeout
	if e.txTimeout <= 0 {
		e.txTimeout = e.transmitBudget()
	}
	return e, nil
}

// transmitBudget sizes the tx timeout to the largest frame at the slowest
// configured modulation.
func (e *Engine) transmitBudget() time.Duration {
	maxFrame := 0
	mods := make([]radio.Modulation, 0, e.codecs.Len())
	for _, id := range e.codecs.IDs() {
		c, _ := e.codecs.Resolve(id)
		if c.MaxFrameSize() > maxFrame {
			maxFrame = c.MaxFrameSize()
		}
		if m, err := e.reg.Config(id); err == nil {
			mods = append(mods, m)
		}
	}
	return radio.TransmitBudget(maxFrame, e.cfg.TxMargin, mods...)
}

// Start configures the radio for the listen protocol. A failure leaves the
// engine offline; the host link stays serviceable either way.
func (e *Engine) Start() {
	now := e.now()
	e.lastSwitch = now
	if err := e.configure(e.listen); err != nil {
		e.enterOffline(err)
		return
	}
	e.state = StateListening
	observability.SetRadioOnline(true)
	e.publishListen()
	log.Info().
		Str("listen", e.codecs.Name(e.listen)).
		Bool("auto_switch", e.autoSwitch).
		Dur("tx_timeout", e.txTimeout).
		Msg("relay.Engine.Start listening")
}

// Step runs one loop iteration: a pending frame, else the auto-switch
// timer. Offline engines only service re-init and fault announcements.
func (e *Engine) Step(ctx context.Context) {
	if e.state == StateOffline {
		e.serviceOffline()
		return
	}
	if e.signals.TakeFrame() || e.radio.FrameReady() {
		e.handleFrame(ctx)
		return
	}
	e.maybeAutoSwitch()
}

func (e *Engine) State() State                  { return e.state }
func (e *Engine) Listen() codec.ID              { return e.listen }
func (e *Engine) AutoSwitch() bool              { return e.autoSwitch }
func (e *Engine) SwitchInterval() time.Duration { return e.switchInterval }
func (e *Engine) TxTimeout() time.Duration      { return e.txTimeout }

// LastConfigured reports the protocol the radio was last programmed for.
func (e *Engine) LastConfigured() (codec.ID, bool) {
	return e.lastConfigured, e.configured
}

// RelayTargets returns the fan-out set. It never contains the listen
// protocol.
func (e *Engine) RelayTargets() []codec.ID {
	out := make([]codec.ID, 0, e.codecs.Len())
	for _, id := range e.codecs.IDs() {
		if id == e.listen || e.txMask&id.Mask() == 0 {
			continue
		}
		out = append(out, id)
	}
	return out
}

// TxMask is the explicit transmit set, before removing the listen protocol.
func (e *Engine) TxMask() uint8 {
	return e.txMask
}

// configure programs the radio for id unless it already is.
func (e *Engine) configure(id codec.ID) error {
	if e.configured && e.lastConfigured == id {
		return nil
	}
	c, ok := e.codecs.Resolve(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	m, err := e.reg.Config(id)
	if err != nil {
		return err
	}
	if err := c.Configure(e.radio, m); err != nil {
		e.configured = false
		return fmt.Errorf("%w: configure %s: %v", radio.ErrUnavailable, c.Name(), err)
	}
	e.lastConfigured = id
	e.configured = true
	log.Debug().Str("protocol", c.Name()).Str("modulation", m.String()).Msg("relay.Engine.configure")
	return nil
}

// restore returns the radio to the listen protocol in continuous receive.
func (e *Engine) restore() {
	if e.state == StateOffline {
		return
	}
	e.state = StateListening
	if err := e.configure(e.listen); err != nil {
		e.enterOffline(err)
		return
	}
	if err := e.radio.SetMode(radio.ModeReceiveContinuous); err != nil {
		e.enterOffline(fmt.Errorf("%w: %v", radio.ErrUnavailable, err))
	}
}

func (e *Engine) handleFrame(ctx context.Context) {
	src := e.listen
	c, _ := e.codecs.Resolve(src)
	name := c.Name()
	defer e.restore()

	raw, rssi, snr, err := e.readFrame(c.MaxFrameSize())
	if err != nil {
		reason := "length"
		if errors.Is(err, ErrNoiseFrame) {
			reason = "noise"
		}
		observability.RecordDrop(name, reason)
		log.Debug().Str("protocol", name).Err(err).Msg("relay.Engine.handleFrame dropped")
		return
	}

	e.sink.Emit(Event{Kind: EventRxPacket, Time: e.now(), Protocol: src, RSSI: rssi, SNR: snr, Data: raw})

	p, err := c.ToCanonical(raw)
	if err != nil {
		e.reg.Record(src, registry.EventParseError)
		e.debugf("ERR: %s parse fail len=%d", name, len(raw))
		log.Debug().Str("protocol", name).Int("len", len(raw)).Err(err).Msg("relay.Engine.handleFrame parse failed")
		return
	}
	if p.ViaMQTT && !p.Opaque {
		observability.RecordDrop(name, "mqtt")
		log.Debug().Str("protocol", name).Uint32("id", p.ID).Msg("relay.Engine.handleFrame via mqtt dropped")
		return
	}
	e.reg.Record(src, registry.EventRx)
	log.Info().
		Str("protocol", name).
		Int("len", len(raw)).
		Int16("rssi", rssi).
		Int8("snr", snr).
		Str("type", p.Type.String()).
		Bool("opaque", p.Opaque).
		Msg("relay.Engine.handleFrame rx")

	e.fanOut(ctx, src, p)
}

// readFrame pulls one frame and always clears the radio's pending state.
func (e *Engine) readFrame(maxLen int) ([]byte, int16, int8, error) {
	defer e.radio.ClearPendingEvents()

	n := e.radio.FrameLength()
	if n == radio.LengthInvalid {
		return nil, 0, 0, fmt.Errorf("%w: corrupted length", ErrNoiseFrame)
	}
	if n == 0 || n > maxLen {
		return nil, 0, 0, fmt.Errorf("%w: length %d (max %d)", ErrFrameRejected, n, maxLen)
	}
	raw, err := e.radio.ReadFrame(n)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: read: %v", ErrFrameRejected, err)
	}
	if again := e.radio.FrameLength(); again != n {
		if again == radio.LengthInvalid {
			return nil, 0, 0, fmt.Errorf("%w: corrupted length on re-read", ErrNoiseFrame)
		}
		return nil, 0, 0, fmt.Errorf("%w: length changed %d -> %d", ErrFrameRejected, n, again)
	}
	if len(raw) != n {
		return nil, 0, 0, fmt.Errorf("%w: short read %d < %d", ErrFrameRejected, len(raw), n)
	}

	rssi := e.radio.SignalStrength()
	snr := e.radio.SignalToNoise()
	if rssi <= radio.NoiseFloor {
		return nil, rssi, snr, fmt.Errorf("%w: rssi %d", ErrNoiseFrame, rssi)
	}
	return raw, rssi, snr, nil
}

// fanOut converts p for every relay target and transmits it. A failing
// target is counted and skipped; the caller restores the listen protocol.
func (e *Engine) fanOut(ctx context.Context, src codec.ID, p canonical.Packet) {
	for _, target := range e.RelayTargets() {
		c, _ := e.codecs.Resolve(target)
		e.state = StateTransmitting
		if err := e.configure(target); err != nil {
			e.enterOffline(err)
			return
		}
		frame, err := c.FromCanonical(p)
		if err != nil {
			e.reg.Record(src, registry.EventConversionError)
			e.debugf("ERR: %s->%s conv fail", e.codecs.Name(src), c.Name())
			log.Debug().Str("from", e.codecs.Name(src)).Str("to", c.Name()).Err(err).Msg("relay.Engine.fanOut conversion failed")
			continue
		}
		if err := e.transmit(ctx, target, frame); err != nil {
			continue
		}
	}
}

// transmit sends one frame on the already configured target.
func (e *Engine) transmit(ctx context.Context, target codec.ID, frame []byte) error {
	name := e.codecs.Name(target)
	start := e.now()
	err := radio.Transmit(ctx, e.radio, e.signals, frame, e.txTimeout)
	observability.RecordTransmit(name, e.now().Sub(start), err == nil)
	if err != nil {
		e.errorf("TX %s failed", name)
		log.Warn().Str("protocol", name).Int("len", len(frame)).Err(err).Msg("relay.Engine.transmit failed")
		return err
	}
	e.reg.Record(target, registry.EventTx)
	log.Info().Str("protocol", name).Int("len", len(frame)).Msg("relay.Engine.transmit ok")
	return nil
}

func (e *Engine) maybeAutoSwitch() {
	if !e.autoSwitch || e.switchInterval <= 0 || e.codecs.Len() < 2 {
		return
	}
	now := e.now()
	if now.Sub(e.lastSwitch) < e.switchInterval {
		return
	}
	e.lastSwitch = now
	e.listen = e.codecs.Next(e.listen)
	e.txMask = e.codecs.Mask()
	e.restore()
	e.publishListen()
	log.Trace().Str("listen", e.codecs.Name(e.listen)).Msg("relay.Engine.autoSwitch")
}

func (e *Engine) enterOffline(err error) {
	now := e.now()
	wasOffline := e.state == StateOffline
	e.state = StateOffline
	e.configured = false
	e.offlineErr = err
	observability.SetRadioOnline(false)
	if !wasOffline {
		e.reinitAttempt = 0
		e.nextReinit = now.Add(NextBackoffDelay(e.cfg.Reinit, 1))
		e.announceOffline(now)
	}
}

func (e *Engine) announceOffline(now time.Time) {
	e.nextAnnounce = now.Add(e.cfg.OfflineAnnounce)
	e.errorf("Radio offline")
	log.Error().Err(e.offlineErr).Msg("relay.Engine radio offline")
}

func (e *Engine) serviceOffline() {
	now := e.now()
	if !now.Before(e.nextAnnounce) {
		e.announceOffline(now)
	}
	if now.Before(e.nextReinit) {
		return
	}
	e.reinitAttempt++
	if err := e.configure(e.listen); err != nil {
		e.offlineErr = err
		e.nextReinit = now.Add(NextBackoffDelay(e.cfg.Reinit, e.reinitAttempt+1))
		log.Debug().Int("attempt", e.reinitAttempt).Err(err).Msg("relay.Engine.serviceOffline reinit failed")
		return
	}
	e.state = StateListening
	e.offlineErr = nil
	e.lastSwitch = now
	observability.SetRadioOnline(true)
	e.publishListen()
	e.debugf("Radio online")
	log.Info().Int("attempts", e.reinitAttempt).Str("listen", e.codecs.Name(e.listen)).Msg("relay.Engine radio recovered")
}

// OfflineError is the last radio fault while offline, else nil.
func (e *Engine) OfflineError() error {
	if e.state != StateOffline {
		return nil
	}
	return e.offlineErr
}

func (e *Engine) publishListen() {
	names := make([]string, 0, e.codecs.Len())
	for _, id := range e.codecs.IDs() {
		names = append(names, e.codecs.Name(id))
	}
	observability.SetListenProtocol(e.codecs.Name(e.listen), names...)
}

func (e *Engine) debugf(format string, args ...any) {
	e.sink.Emit(Event{Kind: EventDebug, Time: e.now(), Protocol: e.listen, Text: fmt.Sprintf(format, args...)})
}

func (e *Engine) errorf(format string, args ...any) {
	e.sink.Emit(Event{Kind: EventError, Time: e.now(), Protocol: e.listen, Text: fmt.Sprintf(format, args...)})
}

func intervalInRange(cfg Config, d time.Duration) bool {
	return d >= cfg.MinSwitchInterval && d <= cfg.MaxSwitchInterval
}
