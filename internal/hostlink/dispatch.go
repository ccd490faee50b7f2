package hostlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/registry"
	"github.com/danmuck/meshbridge/internal/relay"
	"github.com/rs/zerolog/log"
)

// Runner executes fn on the relay control loop and returns its error.
type Runner interface {
	Do(ctx context.Context, fn func(e *relay.Engine) error) error
}

// Dispatcher maps host-link commands onto relay engine operations.
type Dispatcher struct {
	run      Runner
	platform uint8
}

func NewDispatcher(run Runner, platform uint8) *Dispatcher {
	return &Dispatcher{run: run, platform: platform}
}

// Handle executes one command and returns the messages to send back. Set
// commands answer with a DEBUG_LOG status line, failures with ERROR.
func (d *Dispatcher) Handle(ctx context.Context, m Message) []Message {
	reply, err := d.handle(ctx, m)
	if err != nil {
		log.Debug().Str("msg", m.String()).Err(err).Msg("hostlink.Dispatcher.Handle failed")
		return []Message{EncodeError(errorText(err))}
	}
	return []Message{reply}
}

func (d *Dispatcher) handle(ctx context.Context, m Message) (Message, error) {
	want, ok := payloadLen[m.Type]
	if !ok {
		return Message{}, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, m.Type)
	}
	if len(m.Payload) != want {
		return Message{}, fmt.Errorf("%w: 0x%02X len=%d want %d", ErrShortPayload, m.Type, len(m.Payload), want)
	}
	p := m.Payload

	var reply Message
	err := d.run.Do(ctx, func(e *relay.Engine) error {
		switch m.Type {
		case CmdGetInfo:
			reply = EncodeInfo(SnapshotInfo(e, d.platform))
		case CmdGetStats:
			reply = EncodeStats(SnapshotStats(e))
		case CmdSetFrequency:
			hz := binary.LittleEndian.Uint32(p)
			if err := e.SetFrequency(hz); err != nil {
				return err
			}
			reply = EncodeDebug(fmt.Sprintf("%s freq %d", e.Codecs().Name(e.Listen()), hz))
		case CmdSetProtocol:
			id := codec.ID(p[0])
			if _, ok := e.Codecs().Resolve(id); ok {
				if err := e.SetMode(relay.PinnedMode(id)); err != nil {
					return err
				}
				reply = EncodeDebug("Mode: " + e.Codecs().Name(id))
				return nil
			}
			if p[0] != ModeAuto {
				return fmt.Errorf("%w: %d", relay.ErrUnknownProtocol, p[0])
			}
			if err := e.SetMode(relay.AutoMode()); err != nil {
				return err
			}
			reply = EncodeDebug("Mode: Auto")
		case CmdResetStats:
			e.ResetStats()
			reply = EncodeDebug("Stats reset")
		case CmdSendTest:
			id := codec.ID(p[0])
			if _, ok := e.Codecs().Resolve(id); !ok && p[0] == ArgAllProtocols {
				if err := e.SendTestAll(ctx); err != nil {
					return err
				}
				reply = EncodeDebug("Test sent: all")
				return nil
			}
			if err := e.SendTest(ctx, id); err != nil {
				return err
			}
			reply = EncodeDebug("Test sent: " + e.Codecs().Name(id))
		case CmdSetSwitchInterval:
			ms := binary.LittleEndian.Uint16(p)
			if err := e.SetSwitchInterval(time.Duration(ms) * time.Millisecond); err != nil {
				return err
			}
			if ms == 0 {
				reply = EncodeDebug("Manual mode")
			} else {
				reply = EncodeDebug(fmt.Sprintf("Switch interval set to %d ms", ms))
			}
		case CmdSetProtocolParams:
			id := codec.ID(p[0])
			hz := binary.LittleEndian.Uint32(p[1:5])
			if err := e.SetParams(id, hz, p[5]); err != nil {
				return err
			}
			reply = EncodeDebug(e.Codecs().Name(id) + " params updated")
		case CmdSetRxProtocol:
			id := codec.ID(p[0])
			if err := e.SetListen(id); err != nil {
				return err
			}
			reply = EncodeDebug("RX: " + e.Codecs().Name(id))
		case CmdSetTxProtocols:
			if err := e.SetTargets(p[0]); err != nil {
				return err
			}
			reply = EncodeDebug("TX: " + targetNames(e, p[0]))
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return reply, nil
}

var payloadLen = map[uint8]int{
	CmdGetInfo:           0,
	CmdGetStats:          0,
	CmdSetFrequency:      4,
	CmdSetProtocol:       1,
	CmdResetStats:        0,
	CmdSendTest:          1,
	CmdSetSwitchInterval: 2,
	CmdSetProtocolParams: 6,
	CmdSetRxProtocol:     1,
	CmdSetTxProtocols:    1,
}

func targetNames(e *relay.Engine, mask uint8) string {
	names := make([]string, 0, 2)
	for _, id := range e.Codecs().IDs() {
		if mask&id.Mask() != 0 {
			names = append(names, e.Codecs().Name(id))
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, ", ")
}

func errorText(err error) string {
	switch {
	case errors.Is(err, relay.ErrInvalidInterval):
		return "Invalid interval (range: 0 or 50-1000 ms)"
	case errors.Is(err, relay.ErrUnknownProtocol):
		return "ERR: Bad proto"
	case errors.Is(err, relay.ErrRadioOffline):
		return "Radio offline"
	default:
		return err.Error()
	}
}

// SnapshotInfo builds the INFO body. Protocol A and B are the MeshCore and
// Meshtastic slots.
func SnapshotInfo(e *relay.Engine, platform uint8) Info {
	ri := e.Info()
	out := Info{
		FirmwareMajor:    FirmwareMajor,
		FirmwareMinor:    FirmwareMinor,
		SwitchIntervalMS: clampMS(ri.SwitchInterval),
		Listen:           uint8(ri.Listen),
		Mode:             uint8(ri.Listen),
		Platform:         platform,
	}
	if ri.AutoSwitch {
		out.Mode = ModeAuto
	}
	for _, p := range ri.Protocols {
		switch p.ID {
		case codec.MeshCore:
			out.FrequencyA, out.BandwidthA = p.Config.FrequencyHz, p.Config.Bandwidth
		case codec.Meshtastic:
			out.FrequencyB, out.BandwidthB = p.Config.FrequencyHz, p.Config.Bandwidth
		}
	}
	return out
}

// SnapshotStats builds the STATS body with error counters summed across
// every protocol.
func SnapshotStats(e *relay.Engine) Stats {
	ri := e.Info()
	byID := make(map[codec.ID]registry.Stats, len(ri.Protocols))
	for _, p := range ri.Protocols {
		byID[p.ID] = p.Stats
	}
	a, b := byID[codec.MeshCore], byID[codec.Meshtastic]
	return Stats{
		RxA:              a.RxCount,
		RxB:              b.RxCount,
		TxA:              a.TxCount,
		TxB:              b.TxCount,
		ConversionErrors: ri.Totals.ConversionErrors,
		ParseErrors:      ri.Totals.ParseErrors,
	}
}

func clampMS(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > 0xFFFF {
		return 0xFFFF
	}
	return uint16(ms)
}

// EventMessage renders a relay event for the host link.
func EventMessage(ev relay.Event) (Message, bool) {
	switch ev.Kind {
	case relay.EventRxPacket:
		return EncodeRxPacket(RxPacket{Protocol: uint8(ev.Protocol), RSSI: ev.RSSI, SNR: ev.SNR, Data: ev.Data}), true
	case relay.EventDebug:
		return EncodeDebug(ev.Text), true
	case relay.EventError:
		return EncodeError(ev.Text), true
	default:
		return Message{}, false
	}
}
