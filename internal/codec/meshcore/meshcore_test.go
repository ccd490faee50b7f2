package meshcore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshbridge/internal/canonical"
	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/testutil/testlog"
)

func TestToCanonicalFloodText(t *testing.T) {
	testlog.Start(t)
	raw := append([]byte{0x09, 0x00}, "hello"...)
	p, err := New().ToCanonical(raw)
	if err != nil {
		t.Fatalf("to canonical: %v", err)
	}
	if p.Route != canonical.RouteFlood {
		t.Fatalf("unexpected route: %s", p.Route)
	}
	if p.Type != canonical.MessageText {
		t.Fatalf("unexpected type: %s", p.Type)
	}
	if string(p.Payload) != "hello" {
		t.Fatalf("unexpected payload: %q", p.Payload)
	}
	if p.Destination != canonical.BroadcastAddress || p.HopLimit != defaultHopLimit {
		t.Fatalf("unexpected defaults: dst=%#x hop=%d", p.Destination, p.HopLimit)
	}
}

func TestToCanonicalTransportCodes(t *testing.T) {
	testlog.Start(t)
	raw := []byte{RouteTransportDirect | PayloadGrpTxt<<typeShift, 0x34, 0x12, 0x78, 0x56, 0x02, 0xAA, 0xBB, 'h', 'i'}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.TransportCodes[0] != 0x1234 || f.TransportCodes[1] != 0x5678 {
		t.Fatalf("unexpected transport codes: %#v", f.TransportCodes)
	}
	p, err := New().ToCanonical(raw)
	if err != nil {
		t.Fatalf("to canonical: %v", err)
	}
	if p.Route != canonical.RouteTransportDirect || p.Type != canonical.MessageGroupText {
		t.Fatalf("unexpected route/type: %s/%s", p.Route, p.Type)
	}
	if !bytes.Equal(p.Path, []byte{0xAA, 0xBB}) || string(p.Payload) != "hi" {
		t.Fatalf("unexpected path/payload: %x %q", p.Path, p.Payload)
	}
}

func TestToCanonicalTransportFloodIsBroadcast(t *testing.T) {
	testlog.Start(t)
	raw := []byte{RouteTransportFlood | PayloadTxtMsg<<typeShift, 0, 0, 0, 0, 0x00, 'x'}
	p, err := New().ToCanonical(raw)
	if err != nil {
		t.Fatalf("to canonical: %v", err)
	}
	if p.Route != canonical.RouteBroadcast {
		t.Fatalf("unexpected route: %s", p.Route)
	}
}

func TestToCanonicalRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	cases := map[string][]byte{
		"empty":           {},
		"header only":     {0x09},
		"path overrun":    {0x09, 0x05, 0x01, 0x02},
		"path too long":   append([]byte{0x09, MaxPathSize + 1}, bytes.Repeat([]byte{1}, MaxPathSize+1)...),
		"transport short": {RouteTransportFlood, 0x01, 0x02},
		"payload too big": append([]byte{0x09, 0x00}, bytes.Repeat([]byte{'a'}, MaxPayloadSize+1)...),
	}
	c := New()
	for name, raw := range cases {
		if _, err := c.ToCanonical(raw); !errors.Is(err, codec.ErrParse) {
			t.Fatalf("%s: expected ErrParse, got %v", name, err)
		}
	}
}

func TestRawRelayWrapsMalformed(t *testing.T) {
	testlog.Start(t)
	c := New(WithPolicy(codec.PolicyRawRelay))
	raw := []byte{0x09, 0x05, 0x01}
	p, err := c.ToCanonical(raw)
	if err != nil {
		t.Fatalf("raw relay: %v", err)
	}
	if !p.Opaque || p.Type != canonical.MessageRaw || !bytes.Equal(p.Payload, raw) {
		t.Fatalf("unexpected opaque packet: %+v", p)
	}
	if _, err := c.ToCanonical(nil); !errors.Is(err, codec.ErrParse) {
		t.Fatalf("empty frame should still fail, got %v", err)
	}
}

func TestFromCanonicalHeaderMapping(t *testing.T) {
	testlog.Start(t)
	p := canonical.New()
	p.Route = canonical.RouteDirect
	p.Type = canonical.MessageGroupData
	p.Version = 1
	p.Path = []byte{0x10}
	p.Payload = []byte("data")

	raw, err := New().FromCanonical(p)
	if err != nil {
		t.Fatalf("from canonical: %v", err)
	}
	want := RouteDirect | PayloadGrpData<<typeShift | 1<<verShift
	if raw[0] != byte(want) {
		t.Fatalf("unexpected header: %#x want %#x", raw[0], want)
	}
	if raw[1] != 1 || raw[2] != 0x10 || string(raw[3:]) != "data" {
		t.Fatalf("unexpected body: %x", raw)
	}
}

func TestFromCanonicalTransportDirectRoundTrips(t *testing.T) {
	testlog.Start(t)
	p := canonical.New()
	p.Route = canonical.RouteTransportDirect
	p.Type = canonical.MessageText
	p.Payload = []byte("td")
	c := New()
	raw, err := c.FromCanonical(p)
	if err != nil {
		t.Fatalf("from canonical: %v", err)
	}
	back, err := c.ToCanonical(raw)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if back.Route != canonical.RouteTransportDirect || string(back.Payload) != "td" {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}

func TestFromCanonicalRejects(t *testing.T) {
	testlog.Start(t)
	c := New()
	if _, err := c.FromCanonical(canonical.New()); !errors.Is(err, codec.ErrConversion) {
		t.Fatalf("expected ErrConversion for empty packet, got %v", err)
	}
	p := canonical.New()
	p.Payload = bytes.Repeat([]byte{'a'}, MaxPayloadSize+1)
	if _, err := c.FromCanonical(p); !errors.Is(err, codec.ErrConversion) {
		t.Fatalf("expected ErrConversion for oversize payload, got %v", err)
	}
}

func TestGenerateTestPacket(t *testing.T) {
	testlog.Start(t)
	raw := New().GenerateTestPacket()
	want := append([]byte{0x09, 0x00}, "MeshCore Test"...)
	if !bytes.Equal(raw, want) {
		t.Fatalf("unexpected test frame: %x", raw)
	}
}

func TestStrictRoundTripPreservesSemantics(t *testing.T) {
	testlog.Start(t)
	c := New()
	frames := [][]byte{
		append([]byte{0x09, 0x00}, "hello"...),
		append([]byte{RouteDirect | PayloadTxtMsg<<typeShift, 0x02, 0x01, 0x02}, "direct"...),
		append([]byte{RouteFlood | PayloadRawCustom<<typeShift, 0x00}, 0xDE, 0xAD),
	}
	for _, raw := range frames {
		p, err := c.ToCanonical(raw)
		if err != nil {
			t.Fatalf("parse %x: %v", raw, err)
		}
		out, err := c.FromCanonical(p)
		if err != nil {
			t.Fatalf("encode %x: %v", raw, err)
		}
		back, err := c.ToCanonical(out)
		if err != nil {
			t.Fatalf("re-parse %x: %v", out, err)
		}
		if !bytes.Equal(back.Payload, p.Payload) || back.IsBroadcast() != p.IsBroadcast() || back.HopLimit != p.HopLimit {
			t.Fatalf("semantic drift: before=%+v after=%+v", p, back)
		}
	}
}
