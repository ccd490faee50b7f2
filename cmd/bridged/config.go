package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshbridge/internal/bridge"
	"github.com/danmuck/meshbridge/internal/codec"
)

var protocolIDs = map[string]codec.ID{
	"meshcore":   codec.MeshCore,
	"meshtastic": codec.Meshtastic,
}

type fileConfig struct {
	ID            string                  `toml:"id"`
	HostLinkAddr  string                  `toml:"hostlink_addr"`
	HTTPAddr      string                  `toml:"http_addr"`
	CorsOrigins   []string                `toml:"cors_origins"`
	StatsInterval string                  `toml:"stats_interval"`
	PollInterval  string                  `toml:"poll_interval"`
	Relay         relayFile               `toml:"relay"`
	Radio         radioFile               `toml:"radio"`
	Protocols     map[string]protocolFile `toml:"protocols"`
}

type relayFile struct {
	Listen           string   `toml:"listen"`
	TxProtocols      []string `toml:"tx_protocols"`
	SwitchIntervalMS int64    `toml:"switch_interval_ms"`
	TxTimeout        string   `toml:"tx_timeout"`
	TxMargin         string   `toml:"tx_margin"`
	OfflineAnnounce  string   `toml:"offline_announce"`
}

type radioFile struct {
	Driver         string `toml:"driver"`
	MinFrequencyHz uint32 `toml:"min_frequency_hz"`
	MaxFrequencyHz uint32 `toml:"max_frequency_hz"`
}

type protocolFile struct {
	FrequencyHz     uint32 `toml:"frequency_hz"`
	Bandwidth       uint8  `toml:"bandwidth"`
	SpreadingFactor uint8  `toml:"spreading_factor"`
	CodingRate      uint8  `toml:"coding_rate"`
	SyncWord        uint8  `toml:"sync_word"`
	PreambleLen     uint16 `toml:"preamble_len"`
	ImplicitHeader  bool   `toml:"implicit_header"`
	InvertIQ        bool   `toml:"invert_iq"`
	CRC             bool   `toml:"crc"`
	RawRelay        bool   `toml:"raw_relay"`
}

// loadServiceConfig layers the keys present in path over the defaults.
func loadServiceConfig(path string) (bridge.ServiceConfig, error) {
	cfg := bridge.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bridge.ServiceConfig{}, fmt.Errorf("load bridge config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("hostlink_addr") {
		cfg.HostLinkAddr = strings.TrimSpace(raw.HostLinkAddr)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CorsOrigins
	}
	if err := parseDuration(meta, raw.StatsInterval, &cfg.StatsInterval, "stats_interval"); err != nil {
		return bridge.ServiceConfig{}, err
	}
	if err := parseDuration(meta, raw.PollInterval, &cfg.PollInterval, "poll_interval"); err != nil {
		return bridge.ServiceConfig{}, err
	}

	if meta.IsDefined("relay", "listen") {
		id, err := protocolID(raw.Relay.Listen)
		if err != nil {
			return bridge.ServiceConfig{}, err
		}
		cfg.Relay.Listen = id
	}
	if meta.IsDefined("relay", "tx_protocols") {
		var mask uint8
		for _, name := range raw.Relay.TxProtocols {
			id, err := protocolID(name)
			if err != nil {
				return bridge.ServiceConfig{}, err
			}
			mask |= id.Mask()
		}
		cfg.Relay.TxMask = mask
	}
	if meta.IsDefined("relay", "switch_interval_ms") {
		cfg.Relay.SwitchInterval = time.Duration(raw.Relay.SwitchIntervalMS) * time.Millisecond
	}
	if err := parseDuration(meta, raw.Relay.TxTimeout, &cfg.Relay.TxTimeout, "relay", "tx_timeout"); err != nil {
		return bridge.ServiceConfig{}, err
	}
	if err := parseDuration(meta, raw.Relay.TxMargin, &cfg.Relay.TxMargin, "relay", "tx_margin"); err != nil {
		return bridge.ServiceConfig{}, err
	}
	if err := parseDuration(meta, raw.Relay.OfflineAnnounce, &cfg.Relay.OfflineAnnounce, "relay", "offline_announce"); err != nil {
		return bridge.ServiceConfig{}, err
	}

	if meta.IsDefined("radio", "driver") {
		if d := strings.ToLower(strings.TrimSpace(raw.Radio.Driver)); d != "sim" {
			return bridge.ServiceConfig{}, fmt.Errorf("radio driver %q not supported", raw.Radio.Driver)
		}
	}
	if meta.IsDefined("radio", "min_frequency_hz") {
		cfg.Sim.MinFrequencyHz = raw.Radio.MinFrequencyHz
	}
	if meta.IsDefined("radio", "max_frequency_hz") {
		cfg.Sim.MaxFrequencyHz = raw.Radio.MaxFrequencyHz
	}

	for name, p := range raw.Protocols {
		id, err := protocolID(name)
		if err != nil {
			return bridge.ServiceConfig{}, err
		}
		pc := cfg.Protocols[id]
		applyProtocol(meta, name, p, &pc)
		cfg.Protocols[id] = pc
	}

	return cfg, nil
}

func applyProtocol(meta toml.MetaData, name string, p protocolFile, pc *bridge.ProtocolConfig) {
	defined := func(key string) bool { return meta.IsDefined("protocols", name, key) }
	m := &pc.Modulation
	if defined("frequency_hz") {
		m.FrequencyHz = p.FrequencyHz
	}
	if defined("bandwidth") {
		m.Bandwidth = p.Bandwidth
	}
	if defined("spreading_factor") {
		m.SpreadingFactor = p.SpreadingFactor
	}
	if defined("coding_rate") {
		m.CodingRate = p.CodingRate
	}
	if defined("sync_word") {
		m.SyncWord = p.SyncWord
	}
	if defined("preamble_len") {
		m.PreambleLen = p.PreambleLen
	}
	if defined("implicit_header") {
		m.ImplicitHeader = p.ImplicitHeader
	}
	if defined("invert_iq") {
		m.InvertIQ = p.InvertIQ
	}
	if defined("crc") {
		m.CRC = p.CRC
	}
	if defined("raw_relay") {
		pc.RawRelay = p.RawRelay
	}
}

func parseDuration(meta toml.MetaData, raw string, out *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	*out = d
	return nil
}

func protocolID(name string) (codec.ID, error) {
	id, ok := protocolIDs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
	return id, nil
}
