package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/meshbridge/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoadAndValidate(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"bridge", "sim"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		cfg, err := LoadBridgeConfig(path)
		if err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		if cfg.ID == "" || cfg.Radio.Driver != "sim" {
			t.Fatalf("unexpected %s config: %+v", kind, cfg)
		}
	}
}

func TestBridgeTemplateValues(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bridge.toml")
	if err := WriteTemplate(path, "bridge", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Relay.SwitchIntervalMS != 100 || len(cfg.Relay.TxProtocols) != 2 {
		t.Fatalf("unexpected relay: %+v", cfg.Relay)
	}
	mt := cfg.Protocols["meshtastic"]
	if mt.FrequencyHz != 906875000 || mt.SyncWord != 0x2B || !mt.InvertIQ {
		t.Fatalf("unexpected meshtastic entry: %+v", mt)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "id = \"x\"\n")
	if err := WriteTemplate(path, "bridge", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "bridge", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadBridgeConfigDefaultsID(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadBridgeConfig(writeConfig(t, "[relay]\nlisten = \"Meshtastic\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ID != "bridge.local" || cfg.Relay.Listen != "Meshtastic" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadBridgeConfigRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadBridgeConfig(writeConfig(t, "idd = \"typo\"\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestValidateBridgeConfig(t *testing.T) {
	testlog.Start(t)
	usBand := RadioConfig{MinFrequencyHz: 902000000, MaxFrequencyHz: 928000000}
	cases := map[string]BridgeConfig{
		"interval":  {ID: "b", Relay: RelayConfig{SwitchIntervalMS: 20}},
		"listen":    {ID: "b", Relay: RelayConfig{Listen: "lorawan"}},
		"duration":  {ID: "b", StatsInterval: "soon"},
		"driver":    {ID: "b", Radio: RadioConfig{Driver: "sx1276"}},
		"bandwidth": {ID: "b", Protocols: map[string]ProtocolConfig{"meshcore": {Bandwidth: 12}}},
		"protocol":  {ID: "b", Protocols: map[string]ProtocolConfig{"reticulum": {}}},
		"range":     {ID: "b", Radio: usBand, Protocols: map[string]ProtocolConfig{"meshtastic": {FrequencyHz: 868000000}}},
	}
	for name, cfg := range cases {
		if err := ValidateBridgeConfig(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	ok := BridgeConfig{ID: "b", PollInterval: "2ms", Relay: RelayConfig{SwitchIntervalMS: 0, Listen: "meshcore"}}
	if err := ValidateBridgeConfig(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
