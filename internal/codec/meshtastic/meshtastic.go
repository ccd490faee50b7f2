// Package meshtastic implements the Meshtastic over-the-air frame codec.
//
// Wire layout (little endian):
//
//	to(4) from(4) id(4) flags(1) channel(1) next_hop(1) relay_node(1) payload
//
// The payload is the encrypted Data protobuf and is relayed untouched.
package meshtastic

import (
	"encoding/binary"

	"github.com/danmuck/meshbridge/internal/canonical"
	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/radio"
)

const (
	HeaderSize     = 16
	MaxFrameSize   = 255
	MaxPayloadSize = 237

	FlagHopLimitMask  = 0x07
	FlagWantAck       = 0x08
	FlagViaMQTT       = 0x10
	FlagHopStartMask  = 0xE0
	FlagHopStartShift = 5

	BroadcastAddress = 0xFFFFFFFF
	protocolVersion  = 1
)

// DefaultModulation is the LongFast preset on US slot 20.
func DefaultModulation() radio.Modulation {
	return radio.Modulation{
		FrequencyHz:     906875000,
		Bandwidth:       8,
		SpreadingFactor: 11,
		CodingRate:      5,
		SyncWord:        0x2B,
		PreambleLen:     16,
		ImplicitHeader:  true,
		InvertIQ:        true,
		CRC:             true,
	}
}

// Header is the fixed Meshtastic radio header.
type Header struct {
	To        uint32
	From      uint32
	ID        uint32
	Flags     uint8
	Channel   uint8
	NextHop   uint8
	RelayNode uint8
}

func (h Header) HopLimit() uint8 { return h.Flags & FlagHopLimitMask }
func (h Header) HopStart() uint8 { return (h.Flags & FlagHopStartMask) >> FlagHopStartShift }
func (h Header) WantAck() bool   { return h.Flags&FlagWantAck != 0 }
func (h Header) ViaMQTT() bool   { return h.Flags&FlagViaMQTT != 0 }
func (h Header) Broadcast() bool { return h.To == BroadcastAddress }

// Decode parses raw strictly into header and payload.
func Decode(raw []byte) (Header, []byte, error) {
	if len(raw) < HeaderSize {
		return Header{}, nil, codec.ParseError("meshtastic: frame too short: %d < %d", len(raw), HeaderSize)
	}
	if len(raw)-HeaderSize > MaxPayloadSize {
		return Header{}, nil, codec.ParseError("meshtastic: payload length %d > %d", len(raw)-HeaderSize, MaxPayloadSize)
	}
	h := Header{
		To:        binary.LittleEndian.Uint32(raw[0:4]),
		From:      binary.LittleEndian.Uint32(raw[4:8]),
		ID:        binary.LittleEndian.Uint32(raw[8:12]),
		Flags:     raw[12],
		Channel:   raw[13],
		NextHop:   raw[14],
		RelayNode: raw[15],
	}
	return h, append([]byte(nil), raw[HeaderSize:]...), nil
}

// Encode serializes h followed by payload.
func Encode(h Header, payload []byte) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], h.To)
	binary.LittleEndian.PutUint32(out[4:8], h.From)
	binary.LittleEndian.PutUint32(out[8:12], h.ID)
	out[12] = h.Flags
	out[13] = h.Channel
	out[14] = h.NextHop
	out[15] = h.RelayNode
	return append(out, payload...)
}

// Codec converts Meshtastic frames.
type Codec struct {
	policy codec.Policy
}

var _ codec.Codec = (*Codec)(nil)

type Option func(*Codec)

// WithPolicy selects strict or raw-relay handling.
func WithPolicy(p codec.Policy) Option {
	return func(c *Codec) { c.policy = p }
}

func New(opts ...Option) *Codec {
	c := &Codec{policy: codec.PolicyStrict}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) ID() codec.ID                        { return codec.Meshtastic }
func (c *Codec) Name() string                        { return "Meshtastic" }
func (c *Codec) Policy() codec.Policy                { return c.policy }
func (c *Codec) MaxFrameSize() int                   { return MaxFrameSize }
func (c *Codec) DefaultModulation() radio.Modulation { return DefaultModulation() }

func (c *Codec) Configure(t radio.Transceiver, m radio.Modulation) error {
	return codec.Program(t, m)
}

func (c *Codec) ToCanonical(raw []byte) (canonical.Packet, error) {
	h, payload, err := Decode(raw)
	if err != nil {
		if c.policy == codec.PolicyRawRelay {
			return codec.WrapRaw(raw, MaxFrameSize)
		}
		return canonical.Packet{}, err
	}

	p := canonical.New()
	p.Source = h.From
	p.Destination = h.To
	p.ID = h.ID
	p.HopLimit = h.HopLimit()
	p.WantAck = h.WantAck()
	p.ViaMQTT = h.ViaMQTT()
	p.Channel = h.Channel
	if h.Broadcast() {
		p.Route = canonical.RouteBroadcast
	} else {
		p.Route = canonical.RouteDirect
	}
	p.Type = canonical.MessageData
	p.Version = protocolVersion
	p.Payload = payload
	return p, nil
}

func (c *Codec) FromCanonical(p canonical.Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, codec.ConversionError("meshtastic: %v", err)
	}
	if p.Opaque && c.policy == codec.PolicyRawRelay {
		if len(p.Payload) == 0 || len(p.Payload) > MaxFrameSize {
			return nil, codec.ConversionError("meshtastic: raw frame length %d", len(p.Payload))
		}
		return append([]byte(nil), p.Payload...), nil
	}
	if len(p.Payload) > MaxPayloadSize {
		return nil, codec.ConversionError("meshtastic: payload length %d > %d", len(p.Payload), MaxPayloadSize)
	}

	// The header is rebuilt, not passed through: hop start restarts at the
	// hop limit and next hop and relay node are cleared.
	hop := p.HopLimit & FlagHopLimitMask
	flags := hop | hop<<FlagHopStartShift
	if p.WantAck {
		flags |= FlagWantAck
	}
	if p.ViaMQTT {
		flags |= FlagViaMQTT
	}
	h := Header{
		To:      p.Destination,
		From:    p.Source,
		ID:      p.ID,
		Flags:   flags,
		Channel: p.Channel,
	}
	return Encode(h, p.Payload), nil
}

// GenerateTestPacket returns a broadcast frame carrying "Meshtastic Test".
func (c *Codec) GenerateTestPacket() []byte {
	h := Header{
		To:    BroadcastAddress,
		From:  0x00000001,
		ID:    0x00000001,
		Flags: 0x03,
	}
	return Encode(h, []byte("Meshtastic Test"))
}
