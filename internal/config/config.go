package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Protocol names accepted in [relay] and [protocols.*].
var knownProtocols = map[string]struct{}{
	"meshcore":   {},
	"meshtastic": {},
}

type BridgeConfig struct {
	ID            string                    `toml:"id"`
	HostLinkAddr  string                    `toml:"hostlink_addr"`
	HTTPAddr      string                    `toml:"http_addr"`
	CorsOrigins   []string                  `toml:"cors_origins"`
	StatsInterval string                    `toml:"stats_interval"`
	PollInterval  string                    `toml:"poll_interval"`
	Relay         RelayConfig               `toml:"relay"`
	Radio         RadioConfig               `toml:"radio"`
	Protocols     map[string]ProtocolConfig `toml:"protocols"`
}

type RelayConfig struct {
	Listen           string   `toml:"listen"`
	TxProtocols      []string `toml:"tx_protocols"`
	SwitchIntervalMS int64    `toml:"switch_interval_ms"`
	TxTimeout        string   `toml:"tx_timeout"`
	TxMargin         string   `toml:"tx_margin"`
	OfflineAnnounce  string   `toml:"offline_announce"`
}

type RadioConfig struct {
	Driver         string `toml:"driver"`
	MinFrequencyHz uint32 `toml:"min_frequency_hz"`
	MaxFrequencyHz uint32 `toml:"max_frequency_hz"`
}

type ProtocolConfig struct {
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

// LoadBridgeConfig parses path strictly; unknown keys are errors.
func LoadBridgeConfig(path string) (BridgeConfig, error) {
	var cfg BridgeConfig
	if err := loadToml(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "bridge.local"
	}
	if err := ValidateBridgeConfig(cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateBridgeConfig(cfg BridgeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	for key, value := range map[string]string{
		"stats_interval":         cfg.StatsInterval,
		"poll_interval":          cfg.PollInterval,
		"relay.tx_timeout":       cfg.Relay.TxTimeout,
		"relay.tx_margin":        cfg.Relay.TxMargin,
		"relay.offline_announce": cfg.Relay.OfflineAnnounce,
	} {
		if err := validateDuration(key, value); err != nil {
			return err
		}
	}
	if err := ValidateRelayConfig(cfg.Relay); err != nil {
		return fmt.Errorf("relay invalid: %w", err)
	}
	if err := ValidateRadioConfig(cfg.Radio); err != nil {
		return fmt.Errorf("radio invalid: %w", err)
	}
	for name, p := range cfg.Protocols {
		if err := ValidateProtocolEntry(name, p, cfg.Radio); err != nil {
			return fmt.Errorf("protocols.%s invalid: %w", name, err)
		}
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if cfg.Listen != "" {
		if err := knownProtocol(cfg.Listen); err != nil {
			return err
		}
	}
	for _, name := range cfg.TxProtocols {
		if err := knownProtocol(name); err != nil {
			return err
		}
	}
	if ms := cfg.SwitchIntervalMS; ms != 0 && (ms < 50 || ms > 1000) {
		return fmt.Errorf("%w: switch_interval_ms %d (range: 0 or 50-1000)", ErrInvalidConfig, ms)
	}
	return nil
}

func ValidateRadioConfig(cfg RadioConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sim":
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
	if cfg.MinFrequencyHz != 0 && cfg.MaxFrequencyHz != 0 && cfg.MinFrequencyHz >= cfg.MaxFrequencyHz {
		return fmt.Errorf("%w: min_frequency_hz must be below max_frequency_hz", ErrInvalidConfig)
	}
	return nil
}

func ValidateProtocolEntry(name string, p ProtocolConfig, r RadioConfig) error {
	if err := knownProtocol(name); err != nil {
		return err
	}
	if p.Bandwidth > 9 {
		return fmt.Errorf("%w: bandwidth code %d", ErrInvalidConfig, p.Bandwidth)
	}
	if p.SpreadingFactor != 0 && (p.SpreadingFactor < 5 || p.SpreadingFactor > 12) {
		return fmt.Errorf("%w: spreading_factor %d", ErrInvalidConfig, p.SpreadingFactor)
	}
	if p.CodingRate != 0 && (p.CodingRate < 5 || p.CodingRate > 8) {
		return fmt.Errorf("%w: coding_rate %d", ErrInvalidConfig, p.CodingRate)
	}
	if p.FrequencyHz != 0 {
		if r.MinFrequencyHz != 0 && p.FrequencyHz < r.MinFrequencyHz {
			return fmt.Errorf("%w: frequency_hz %d below radio range", ErrInvalidConfig, p.FrequencyHz)
		}
		if r.MaxFrequencyHz != 0 && p.FrequencyHz > r.MaxFrequencyHz {
			return fmt.Errorf("%w: frequency_hz %d above radio range", ErrInvalidConfig, p.FrequencyHz)
		}
	}
	return nil
}

func knownProtocol(name string) error {
	if _, ok := knownProtocols[strings.ToLower(strings.TrimSpace(name))]; !ok {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, name)
	}
	return nil
}

func validateDuration(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return fmt.Errorf("%w: %s negative", ErrInvalidConfig, key)
	}
	return nil
}
