package canonical

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshbridge/internal/testutil/testlog"
)

func TestNewPacketDefaultsToBroadcast(t *testing.T) {
	testlog.Start(t)
	p := New()
	if p.Destination != BroadcastAddress {
		t.Fatalf("unexpected destination: %#x", p.Destination)
	}
	if !p.IsBroadcast() {
		t.Fatalf("expected broadcast")
	}
	if p.Type != MessageUnknown {
		t.Fatalf("unexpected type: %s", p.Type)
	}
}

func TestValidateRejectsEmptyPacket(t *testing.T) {
	testlog.Start(t)
	p := New()
	if err := p.Validate(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	p.Path = []byte{0x42}
	if err := p.Validate(); err != nil {
		t.Fatalf("path-only packet should be valid: %v", err)
	}
}

func TestValidateBounds(t *testing.T) {
	testlog.Start(t)
	p := New()
	p.Payload = bytes.Repeat([]byte{1}, MaxPayload)
	if !p.IsValid() {
		t.Fatalf("payload at max should be valid")
	}

	p.Payload = bytes.Repeat([]byte{1}, MaxPayload+1)
	if err := p.Validate(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	p.Payload = []byte("x")
	p.Path = bytes.Repeat([]byte{2}, MaxPath+1)
	if err := p.Validate(); !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("expected ErrPathTooLong, got %v", err)
	}
}

func TestIsBroadcastDirectAddressed(t *testing.T) {
	testlog.Start(t)
	p := New()
	p.Route = RouteDirect
	p.Destination = 0x1234
	if p.IsBroadcast() {
		t.Fatalf("direct addressed packet reported broadcast")
	}
	p.Route = RouteFlood
	if !p.IsBroadcast() {
		t.Fatalf("flood route should be broadcast")
	}
}
