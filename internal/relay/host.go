package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/danmuck/meshbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

// Mode selects a pinned listen protocol or auto-switch.
type Mode struct {
	Auto     bool
	Protocol codec.ID
}

func AutoMode() Mode { return Mode{Auto: true} }

func PinnedMode(id codec.ID) Mode { return Mode{Protocol: id} }

// Info is a point-in-time view of the relay state.
type Info struct {
	Listen         codec.ID         `json:"listen"`
	ListenName     string           `json:"listen_name"`
	AutoSwitch     bool             `json:"auto_switch"`
	SwitchInterval time.Duration    `json:"switch_interval"`
	TxMask         uint8            `json:"tx_mask"`
	Targets        []codec.ID       `json:"targets"`
	State          string           `json:"state"`
	Online         bool             `json:"online"`
	TxTimeout      time.Duration    `json:"tx_timeout"`
	Protocols      []registry.Entry `json:"protocols"`
	Totals         registry.Stats   `json:"totals"`
}

func (e *Engine) Info() Info {
	return Info{
		Listen:         e.listen,
		ListenName:     e.codecs.Name(e.listen),
		AutoSwitch:     e.autoSwitch,
		SwitchInterval: e.switchInterval,
		TxMask:         e.txMask,
		Targets:        e.RelayTargets(),
		State:          e.state.String(),
		Online:         e.state != StateOffline,
		TxTimeout:      e.txTimeout,
		Protocols:      e.reg.Entries(),
		Totals:         e.reg.Totals(),
	}
}

// Codecs exposes the engine's codec set for name resolution.
func (e *Engine) Codecs() *codec.Set {
	return e.codecs
}

func (e *Engine) resolve(id codec.ID) (codec.Codec, error) {
	c, ok := e.codecs.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	return c, nil
}

// SetListen pins the listen protocol and disables auto-switch.
func (e *Engine) SetListen(id codec.ID) error {
	if _, err := e.resolve(id); err != nil {
		return err
	}
	e.autoSwitch = false
	e.listen = id
	e.relisten()
	log.Info().Str("listen", e.codecs.Name(id)).Msg("relay.Engine.SetListen")
	return nil
}

// SetTargets replaces the explicit transmit set.
func (e *Engine) SetTargets(mask uint8) error {
	if mask&^e.codecs.Mask() != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidMask, mask)
	}
	e.txMask = mask
	log.Info().Uint8("mask", mask).Msg("relay.Engine.SetTargets")
	return nil
}

// SetSwitchInterval sets the auto-switch period. Zero stops auto-switch
// and re-arms the current listen protocol; an out-of-range value is
// rejected and leaves the interval unchanged.
func (e *Engine) SetSwitchInterval(d time.Duration) error {
	if d == 0 {
		e.autoSwitch = false
		e.switchInterval = 0
		e.relisten()
		log.Info().Msg("relay.Engine.SetSwitchInterval auto-switch disabled")
		return nil
	}
	if !intervalInRange(e.cfg, d) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidInterval, d, e.cfg.MinSwitchInterval, e.cfg.MaxSwitchInterval)
	}
	e.switchInterval = d
	e.autoSwitch = true
	e.lastSwitch = e.now()
	log.Info().Dur("interval", d).Msg("relay.Engine.SetSwitchInterval")
	return nil
}

// SetMode pins a protocol or enables auto-switch. Auto needs a non-zero
// interval.
func (e *Engine) SetMode(m Mode) error {
	if !m.Auto {
		return e.SetListen(m.Protocol)
	}
	if e.switchInterval <= 0 {
		return ErrAutoSwitchNoTime
	}
	e.autoSwitch = true
	e.lastSwitch = e.now()
	log.Info().Dur("interval", e.switchInterval).Msg("relay.Engine.SetMode auto")
	return nil
}

// SetParams updates a protocol's frequency and bandwidth. Values are
// validated against the radio before anything is stored.
func (e *Engine) SetParams(id codec.ID, frequencyHz uint32, bandwidth uint8) error {
	if _, err := e.resolve(id); err != nil {
		return err
	}
	if !radio.ValidBandwidth(bandwidth) {
		return fmt.Errorf("%w: %d", radio.ErrInvalidBandwidth, bandwidth)
	}
	if err := radio.ValidateFrequency(e.radio, frequencyHz); err != nil {
		return err
	}
	m, err := e.reg.Config(id)
	if err != nil {
		return err
	}
	m.FrequencyHz = frequencyHz
	m.Bandwidth = bandwidth
	return e.applyConfig(id, m)
}

// SetFrequency retunes the current listen protocol.
func (e *Engine) SetFrequency(frequencyHz uint32) error {
	if err := radio.ValidateFrequency(e.radio, frequencyHz); err != nil {
		return err
	}
	m, err := e.reg.Config(e.listen)
	if err != nil {
		return err
	}
	m.FrequencyHz = frequencyHz
	return e.applyConfig(e.listen, m)
}

// SetModulation replaces a protocol's full modulation, for configuration
// loaded at start-up or through the admin API.
func (e *Engine) SetModulation(id codec.ID, m radio.Modulation) error {
	if _, err := e.resolve(id); err != nil {
		return err
	}
	if !radio.ValidBandwidth(m.Bandwidth) {
		return fmt.Errorf("%w: %d", radio.ErrInvalidBandwidth, m.Bandwidth)
	}
	if err := radio.ValidateFrequency(e.radio, m.FrequencyHz); err != nil {
		return err
	}
	return e.applyConfig(id, m)
}

func (e *Engine) applyConfig(id codec.ID, m radio.Modulation) error {
	if err := e.reg.SetConfig(id, m); err != nil {
		return err
	}
	if e.cfg.TxTimeout <= 0 {
		e.txTimeout = e.transmitBudget()
	}
	log.Info().Str("protocol", e.codecs.Name(id)).Str("modulation", m.String()).Msg("relay.Engine.applyConfig")
	if e.configured && e.lastConfigured == id {
		e.configured = false
		if id == e.listen {
			e.relisten()
		}
	}
	return nil
}

// SendTest transmits the test frame of id, then returns to listening.
func (e *Engine) SendTest(ctx context.Context, id codec.ID) error {
	c, err := e.resolve(id)
	if err != nil {
		return err
	}
	if e.state == StateOffline {
		return ErrRadioOffline
	}
	defer e.restore()
	e.state = StateTransmitting
	if err := e.configure(id); err != nil {
		e.enterOffline(err)
		return err
	}
	return e.transmit(ctx, id, c.GenerateTestPacket())
}

// SendTestAll sends a test frame on every protocol in the transmit set.
// The first failure is returned after all of them were attempted.
func (e *Engine) SendTestAll(ctx context.Context) error {
	var first error
	for _, id := range e.codecs.IDs() {
		if e.txMask&id.Mask() == 0 {
			continue
		}
		if err := e.SendTest(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ResetStats zeroes every protocol's counters.
func (e *Engine) ResetStats() {
	e.reg.ResetAll()
	log.Info().Msg("relay.Engine.ResetStats")
}

// relisten re-arms the listen protocol, unless offline recovery owns the
// radio.
func (e *Engine) relisten() {
	if e.state == StateOffline {
		return
	}
	e.lastSwitch = e.now()
	e.restore()
	e.publishListen()
}
