// Package meshcore implements the MeshCore over-the-air frame codec.
//
// Wire layout:
//
//	header(1) [transport codes 2x u16 LE] path_len(1) path(path_len) payload
//
// Header bits: route 0-1, payload type 2-5, version 6-7. Transport codes are
// present for the two transport route types.
package meshcore

import (
	"encoding/binary"

	"github.com/danmuck/meshbridge/internal/canonical"
	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/radio"
)

const (
	routeMask = 0x03
	typeShift = 2
	typeMask  = 0x0F
	verShift  = 6
	verMask   = 0x03

	RouteTransportFlood  = 0x00
	RouteFlood           = 0x01
	RouteDirect          = 0x02
	RouteTransportDirect = 0x03

	PayloadTxtMsg    = 0x02
	PayloadGrpTxt    = 0x05
	PayloadGrpData   = 0x06
	PayloadRawCustom = 0x0F

	MaxPathSize    = 64
	MaxPayloadSize = 184
	MaxFrameSize   = 255

	transportCodesLen = 4
	defaultHopLimit   = 3
)

// DefaultModulation is the MeshCore US narrow preset.
func DefaultModulation() radio.Modulation {
	return radio.Modulation{
		FrequencyHz:     910525000,
		Bandwidth:       6,
		SpreadingFactor: 7,
		CodingRate:      5,
		SyncWord:        0x12,
		PreambleLen:     8,
		ImplicitHeader:  true,
		InvertIQ:        false,
		CRC:             true,
	}
}

// Codec converts MeshCore frames.
type Codec struct {
	policy codec.Policy
}

var _ codec.Codec = (*Codec)(nil)

// Option configures a Codec.
type Option func(*Codec)

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

func (c *Codec) ID() codec.ID                        { return codec.MeshCore }
func (c *Codec) Name() string                        { return "MeshCore" }
func (c *Codec) Policy() codec.Policy                { return c.policy }
func (c *Codec) MaxFrameSize() int                   { return MaxFrameSize }
func (c *Codec) DefaultModulation() radio.Modulation { return DefaultModulation() }

func (c *Codec) Configure(t radio.Transceiver, m radio.Modulation) error {
	return codec.Program(t, m)
}

func hasTransportCodes(route byte) bool {
	return route == RouteTransportFlood || route == RouteTransportDirect
}

// Frame is a decoded MeshCore frame.
type Frame struct {
	Header         byte
	TransportCodes [2]uint16
	Path           []byte
	Payload        []byte
}

func (f Frame) Route() byte       { return f.Header & routeMask }
func (f Frame) PayloadType() byte { return (f.Header >> typeShift) & typeMask }
func (f Frame) Version() byte     { return (f.Header >> verShift) & verMask }

// Decode parses raw strictly.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, codec.ParseError("meshcore: frame too short: %d", len(raw))
	}
	f := Frame{Header: raw[0]}
	i := 1
	if hasTransportCodes(f.Route()) {
		if len(raw) < i+transportCodesLen+1 {
			return Frame{}, codec.ParseError("meshcore: truncated transport codes")
		}
		f.TransportCodes[0] = binary.LittleEndian.Uint16(raw[i : i+2])
		f.TransportCodes[1] = binary.LittleEndian.Uint16(raw[i+2 : i+4])
		i += transportCodesLen
	}

	pathLen := int(raw[i])
	i++
	if pathLen > MaxPathSize {
		return Frame{}, codec.ParseError("meshcore: path length %d > %d", pathLen, MaxPathSize)
	}
	if len(raw) < i+pathLen {
		return Frame{}, codec.ParseError("meshcore: path overruns frame: %d > %d", i+pathLen, len(raw))
	}
	f.Path = append([]byte(nil), raw[i:i+pathLen]...)
	i += pathLen

	if len(raw)-i > MaxPayloadSize {
		return Frame{}, codec.ParseError("meshcore: payload length %d > %d", len(raw)-i, MaxPayloadSize)
	}
	f.Payload = append([]byte(nil), raw[i:]...)
	return f, nil
}

// Encode serializes f.
func (f Frame) Encode() []byte {
	size := 2 + len(f.Path) + len(f.Payload)
	if hasTransportCodes(f.Route()) {
		size += transportCodesLen
	}
	out := make([]byte, 0, size)
	out = append(out, f.Header)
	if hasTransportCodes(f.Route()) {
		out = binary.LittleEndian.AppendUint16(out, f.TransportCodes[0])
		out = binary.LittleEndian.AppendUint16(out, f.TransportCodes[1])
	}
	out = append(out, byte(len(f.Path)))
	out = append(out, f.Path...)
	out = append(out, f.Payload...)
	return out
}

func (c *Codec) ToCanonical(raw []byte) (canonical.Packet, error) {
	f, err := Decode(raw)
	if err != nil {
		if c.policy == codec.PolicyRawRelay {
			return codec.WrapRaw(raw, canonical.MaxPayload)
		}
		return canonical.Packet{}, err
	}

	p := canonical.New()
	switch f.Route() {
	case RouteFlood:
		p.Route = canonical.RouteFlood
	case RouteDirect:
		p.Route = canonical.RouteDirect
	case RouteTransportDirect:
		p.Route = canonical.RouteTransportDirect
	default:
		p.Route = canonical.RouteBroadcast
	}
	switch f.PayloadType() {
	case PayloadTxtMsg:
		p.Type = canonical.MessageText
	case PayloadGrpTxt:
		p.Type = canonical.MessageGroupText
	case PayloadGrpData:
		p.Type = canonical.MessageGroupData
	case PayloadRawCustom:
		p.Type = canonical.MessageRaw
	default:
		p.Type = canonical.MessageData
	}
	p.Version = f.Version()
	p.HopLimit = defaultHopLimit
	p.Path = f.Path
	p.Payload = f.Payload
	return p, nil
}

func (c *Codec) FromCanonical(p canonical.Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, codec.ConversionError("meshcore: %v", err)
	}
	if len(p.Path) > MaxPathSize {
		return nil, codec.ConversionError("meshcore: path length %d > %d", len(p.Path), MaxPathSize)
	}
	if len(p.Payload) > MaxPayloadSize {
		return nil, codec.ConversionError("meshcore: payload length %d > %d", len(p.Payload), MaxPayloadSize)
	}

	var route byte
	switch p.Route {
	case canonical.RouteDirect:
		route = RouteDirect
	case canonical.RouteTransportDirect:
		route = RouteTransportDirect
	default:
		route = RouteFlood
	}
	var ptype byte
	switch p.Type {
	case canonical.MessageGroupText:
		ptype = PayloadGrpTxt
	case canonical.MessageGroupData:
		ptype = PayloadGrpData
	case canonical.MessageRaw:
		ptype = PayloadRawCustom
	default:
		ptype = PayloadTxtMsg
	}

	f := Frame{
		Header:  route | ptype<<typeShift | (p.Version&verMask)<<verShift,
		Path:    p.Path,
		Payload: p.Payload,
	}
	return f.Encode(), nil
}

// GenerateTestPacket returns a flood text frame reading "MeshCore Test".
func (c *Codec) GenerateTestPacket() []byte {
	f := Frame{
		Header:  RouteFlood | PayloadTxtMsg<<typeShift,
		Payload: []byte("MeshCore Test"),
	}
	return f.Encode()
}
