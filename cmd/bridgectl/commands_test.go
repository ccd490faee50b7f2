package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshbridge/internal/hostlink"
	"github.com/danmuck/meshbridge/internal/testutil/testlog"
)

func TestBuildCommand(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		args []string
		want hostlink.Message
	}{
		{[]string{"info"}, hostlink.GetInfo()},
		{[]string{"mode", "auto"}, hostlink.SetProtocol(hostlink.ModeAuto)},
		{[]string{"mode", "Meshtastic"}, hostlink.SetProtocol(1)},
		{[]string{"rx", "meshcore"}, hostlink.SetRxProtocol(0)},
		{[]string{"tx", "meshcore", "meshtastic"}, hostlink.SetTxProtocols(0x03)},
		{[]string{"tx", "none"}, hostlink.SetTxProtocols(0)},
		{[]string{"interval", "250"}, hostlink.SetSwitchInterval(250)},
		{[]string{"params", "meshtastic", "915000000", "8"}, hostlink.SetProtocolParams(1, 915000000, 8)},
		{[]string{"test", "all"}, hostlink.SendTest(hostlink.ArgAllProtocols)},
	}
	for _, tc := range cases {
		got, err := buildCommand(tc.args)
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if got.Type != tc.want.Type || !bytes.Equal(got.Payload, tc.want.Payload) {
			t.Fatalf("%v: got %s % x, want %s % x", tc.args, got, got.Payload, tc.want, tc.want.Payload)
		}
	}
}

func TestBuildCommandErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := buildCommand(nil); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := buildCommand([]string{"interval", "70000"}); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error for overflow, got %v", err)
	}
	if _, err := buildCommand([]string{"rx", "lorawan"}); !errors.Is(err, errUnknownProtocol) {
		t.Fatalf("expected unknown protocol, got %v", err)
	}
	if _, err := buildCommand([]string{"params", "meshcore", "1"}); !errors.Is(err, errUsage) {
		t.Fatalf("expected arity error, got %v", err)
	}
}

func TestRows(t *testing.T) {
	testlog.Start(t)
	rows := infoRows(hostlink.Info{FirmwareMajor: 1, Mode: hostlink.ModeAuto, Listen: 1, FrequencyB: 906875000, BandwidthB: 8})
	if rows[3][1] != "Auto" || rows[4][1] != "Meshtastic" || rows[7][1] != "906.875 MHz / 250 kHz" {
		t.Fatalf("unexpected info rows: %v", rows)
	}
	stats := statsRows(hostlink.Stats{RxA: 4, TxB: 4, ParseErrors: 1})
	if stats[1][1] != "4" || stats[2][2] != "4" || stats[3][1] != "1" {
		t.Fatalf("unexpected stats rows: %v", stats)
	}
	line := describeEvent(hostlink.EncodeRxPacket(hostlink.RxPacket{Protocol: 0, RSSI: -90, SNR: 5, Data: []byte{0xAB, 0xCD}}))
	if line != "RX MeshCore rssi=-90 snr=5 len=2 ab cd" {
		t.Fatalf("unexpected event line: %q", line)
	}
}
