package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bridge":
		return bridgeTemplate, nil
	case "sim":
		return simTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const bridgeTemplate = `id = "bridge.local"
hostlink_addr = "127.0.0.1:7373"
http_addr = "127.0.0.1:8088"
cors_origins = ["http://localhost:3000"]
stats_interval = "30s"
poll_interval = "2ms"

[relay]
listen = "meshcore"
tx_protocols = ["meshcore", "meshtastic"]
switch_interval_ms = 100
tx_margin = "100ms"
offline_announce = "5s"

[radio]
driver = "sim"
min_frequency_hz = 150000000
max_frequency_hz = 960000000

[protocols.meshcore]
frequency_hz = 910525000
bandwidth = 6
spreading_factor = 7
coding_rate = 5
sync_word = 0x12
preamble_len = 8
implicit_header = true
crc = true

[protocols.meshtastic]
frequency_hz = 906875000
bandwidth = 8
spreading_factor = 11
coding_rate = 5
sync_word = 0x2B
preamble_len = 16
implicit_header = true
invert_iq = true
crc = true
`

// simTemplate pins one protocol and exposes only loopback surfaces.
const simTemplate = `id = "bridge.sim"
hostlink_addr = "127.0.0.1:7373"
http_addr = "127.0.0.1:8088"

[relay]
listen = "meshtastic"
switch_interval_ms = 0

[radio]
driver = "sim"

[protocols.meshcore]
raw_relay = true
`
