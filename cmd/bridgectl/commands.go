package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/meshbridge/internal/hostlink"
)

var (
	errUsage           = errors.New("bridgectl: usage")
	errUnknownProtocol = errors.New("bridgectl: unknown protocol")
)

// Host-link protocol ids by lowercase name.
var protocols = map[string]uint8{
	"meshcore":   0,
	"meshtastic": 1,
}

var protocolNames = []string{"MeshCore", "Meshtastic"}

// Bandwidth codes 0..9 in kHz.
var bandwidthKHz = []string{"7.8", "10.4", "15.6", "20.8", "31.25", "41.7", "62.5", "125", "250", "500"}

const usage = `usage: bridgectl [-addr host:port] [-ws url] <command> [args]

commands:
  info                          show bridge configuration
  stats                         show relay counters
  reset                         zero relay counters
  mode <auto|meshcore|meshtastic>
  rx <protocol>                 pin the listen protocol
  tx <protocol...|none>         set relay targets
  interval <ms>                 auto-switch interval, 0 pins
  freq <hz>                     retune the listen protocol
  params <protocol> <hz> <bw>   set frequency and bandwidth code
  test <protocol|all>           transmit a test frame
  monitor                       stream host-link events
  watch                         stream admin websocket events`

func protocolArg(name string) (uint8, error) {
	id, ok := protocols[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", errUnknownProtocol, name)
	}
	return id, nil
}

func protocolName(id uint8) string {
	if int(id) < len(protocolNames) {
		return protocolNames[id]
	}
	return fmt.Sprintf("proto(%d)", id)
}

func bandwidthName(code uint8) string {
	if int(code) < len(bandwidthKHz) {
		return bandwidthKHz[code] + " kHz"
	}
	return fmt.Sprintf("bw(%d)", code)
}

// buildCommand maps CLI arguments to one host-link command.
func buildCommand(args []string) (hostlink.Message, error) {
	if len(args) == 0 {
		return hostlink.Message{}, errUsage
	}
	cmd, rest := strings.ToLower(args[0]), args[1:]
	need := func(n int) error {
		if len(rest) != n {
			return fmt.Errorf("%w: %s takes %d argument(s)", errUsage, cmd, n)
		}
		return nil
	}

	switch cmd {
	case "info":
		return hostlink.GetInfo(), need(0)
	case "stats":
		return hostlink.GetStats(), need(0)
	case "reset":
		return hostlink.ResetStats(), need(0)
	case "mode":
		if err := need(1); err != nil {
			return hostlink.Message{}, err
		}
		if strings.EqualFold(rest[0], "auto") {
			return hostlink.SetProtocol(hostlink.ModeAuto), nil
		}
		id, err := protocolArg(rest[0])
		return hostlink.SetProtocol(id), err
	case "rx":
		if err := need(1); err != nil {
			return hostlink.Message{}, err
		}
		id, err := protocolArg(rest[0])
		return hostlink.SetRxProtocol(id), err
	case "tx":
		if len(rest) == 0 {
			return hostlink.Message{}, fmt.Errorf("%w: tx needs protocols or none", errUsage)
		}
		var mask uint8
		for _, name := range rest {
			if strings.EqualFold(name, "none") {
				continue
			}
			id, err := protocolArg(name)
			if err != nil {
				return hostlink.Message{}, err
			}
			mask |= 1 << id
		}
		return hostlink.SetTxProtocols(mask), nil
	case "interval":
		if err := need(1); err != nil {
			return hostlink.Message{}, err
		}
		ms, err := strconv.ParseUint(rest[0], 10, 16)
		if err != nil {
			return hostlink.Message{}, fmt.Errorf("%w: interval: %v", errUsage, err)
		}
		return hostlink.SetSwitchInterval(uint16(ms)), nil
	case "freq":
		if err := need(1); err != nil {
			return hostlink.Message{}, err
		}
		hz, err := strconv.ParseUint(rest[0], 10, 32)
		if err != nil {
			return hostlink.Message{}, fmt.Errorf("%w: freq: %v", errUsage, err)
		}
		return hostlink.SetFrequency(uint32(hz)), nil
	case "params":
		if err := need(3); err != nil {
			return hostlink.Message{}, err
		}
		id, err := protocolArg(rest[0])
		if err != nil {
			return hostlink.Message{}, err
		}
		hz, err := strconv.ParseUint(rest[1], 10, 32)
		if err != nil {
			return hostlink.Message{}, fmt.Errorf("%w: params hz: %v", errUsage, err)
		}
		bw, err := strconv.ParseUint(rest[2], 10, 8)
		if err != nil {
			return hostlink.Message{}, fmt.Errorf("%w: params bw: %v", errUsage, err)
		}
		return hostlink.SetProtocolParams(id, uint32(hz), uint8(bw)), nil
	case "test":
		if err := need(1); err != nil {
			return hostlink.Message{}, err
		}
		if strings.EqualFold(rest[0], "all") {
			return hostlink.SendTest(hostlink.ArgAllProtocols), nil
		}
		id, err := protocolArg(rest[0])
		return hostlink.SendTest(id), err
	default:
		return hostlink.Message{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func infoRows(in hostlink.Info) [][]string {
	mode := "Auto"
	if in.Mode != hostlink.ModeAuto {
		mode = "Pinned"
	}
	return [][]string{
		{"Field", "Value"},
		{"Firmware", fmt.Sprintf("%d.%d", in.FirmwareMajor, in.FirmwareMinor)},
		{"Platform", fmt.Sprintf("%#02x", in.Platform)},
		{"Mode", mode},
		{"Listen", protocolName(in.Listen)},
		{"Switch interval", fmt.Sprintf("%d ms", in.SwitchIntervalMS)},
		{"MeshCore", fmt.Sprintf("%.3f MHz / %s", float64(in.FrequencyA)/1e6, bandwidthName(in.BandwidthA))},
		{"Meshtastic", fmt.Sprintf("%.3f MHz / %s", float64(in.FrequencyB)/1e6, bandwidthName(in.BandwidthB))},
	}
}

func statsRows(s hostlink.Stats) [][]string {
	return [][]string{
		{"Protocol", "RX", "TX"},
		{"MeshCore", strconv.FormatUint(uint64(s.RxA), 10), strconv.FormatUint(uint64(s.TxA), 10)},
		{"Meshtastic", strconv.FormatUint(uint64(s.RxB), 10), strconv.FormatUint(uint64(s.TxB), 10)},
		{"Parse errors", strconv.FormatUint(uint64(s.ParseErrors), 10), ""},
		{"Conversion errors", strconv.FormatUint(uint64(s.ConversionErrors), 10), ""},
	}
}

// describeEvent renders one asynchronous host-link message on a single line.
func describeEvent(m hostlink.Message) string {
	switch m.Type {
	case hostlink.RespRxPacket:
		p, err := hostlink.DecodeRxPacket(m)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("RX %s rssi=%d snr=%d len=%d % x", protocolName(p.Protocol), p.RSSI, p.SNR, len(p.Data), p.Data)
	case hostlink.RespDebugLog, hostlink.RespError:
		return string(m.Payload)
	default:
		return m.String()
	}
}
