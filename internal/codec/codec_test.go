package codec_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshbridge/internal/canonical"
	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/codec/meshcore"
	"github.com/danmuck/meshbridge/internal/codec/meshtastic"
	"github.com/danmuck/meshbridge/internal/testutil/testlog"
)

func TestMeshCoreTextRelaysToMeshtastic(t *testing.T) {
	testlog.Start(t)
	raw := append([]byte{0x09, 0x00}, "hello"...)
	p, err := meshcore.New().ToCanonical(raw)
	if err != nil {
		t.Fatalf("meshcore parse: %v", err)
	}
	if p.Route != canonical.RouteFlood || p.Type != canonical.MessageText || string(p.Payload) != "hello" {
		t.Fatalf("unexpected canonical packet: %+v", p)
	}

	out, err := meshtastic.New().FromCanonical(p)
	if err != nil {
		t.Fatalf("meshtastic encode: %v", err)
	}
	_, payload, err := meshtastic.Decode(out)
	if err != nil {
		t.Fatalf("meshtastic decode: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("unexpected relayed payload: %q", payload)
	}
}

func TestEmptyFrameFailsEveryStrictCodec(t *testing.T) {
	testlog.Start(t)
	for _, c := range []codec.Codec{meshcore.New(), meshtastic.New()} {
		if _, err := c.ToCanonical(nil); !errors.Is(err, codec.ErrParse) {
			t.Fatalf("%s: expected ErrParse, got %v", c.Name(), err)
		}
	}
}

func TestOversizeFailsOneTargetOnly(t *testing.T) {
	testlog.Start(t)
	p := canonical.New()
	p.Payload = bytes.Repeat([]byte{'z'}, meshcore.MaxPayloadSize+10)

	if _, err := meshcore.New().FromCanonical(p); !errors.Is(err, codec.ErrConversion) {
		t.Fatalf("meshcore should reject, got %v", err)
	}
	if _, err := meshtastic.New().FromCanonical(p); err != nil {
		t.Fatalf("meshtastic should accept %d bytes: %v", len(p.Payload), err)
	}
}

func TestSetOrderingAndRoundRobin(t *testing.T) {
	testlog.Start(t)
	set, err := codec.NewSet(meshtastic.New(), meshcore.New())
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	ids := set.IDs()
	if len(ids) != 2 || ids[0] != codec.MeshCore || ids[1] != codec.Meshtastic {
		t.Fatalf("unexpected order: %v", ids)
	}
	if set.Next(codec.MeshCore) != codec.Meshtastic || set.Next(codec.Meshtastic) != codec.MeshCore {
		t.Fatalf("unexpected round robin")
	}
	if set.Mask() != 0x03 {
		t.Fatalf("unexpected mask: %#x", set.Mask())
	}
	if c, ok := set.Lookup("meshtastic"); !ok || c.ID() != codec.Meshtastic {
		t.Fatalf("lookup by name failed")
	}
	if err := set.Register(meshcore.New()); !errors.Is(err, codec.ErrCodecExists) {
		t.Fatalf("expected ErrCodecExists, got %v", err)
	}
	if err := set.Register(nil); !errors.Is(err, codec.ErrCodecNil) {
		t.Fatalf("expected ErrCodecNil, got %v", err)
	}
}
