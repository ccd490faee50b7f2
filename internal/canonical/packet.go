package canonical

import (
	"errors"
	"fmt"
)

const (
	MaxPayload       = 255
	MaxPath          = 64
	BroadcastAddress = 0xFFFFFFFF
)

var (
	ErrPayloadTooLarge = errors.New("canonical: payload too large")
	ErrPathTooLong     = errors.New("canonical: path too long")
	ErrEmpty           = errors.New("canonical: empty payload and path")
)

// RouteType is the protocol-neutral routing mode of a packet.
type RouteType uint8

const (
	RouteBroadcast RouteType = iota
	RouteFlood
	RouteDirect
	RouteTransportDirect
)

func (r RouteType) String() string {
	switch r {
	case RouteBroadcast:
		return "broadcast"
	case RouteFlood:
		return "flood"
	case RouteDirect:
		return "direct"
	case RouteTransportDirect:
		return "transport_direct"
	default:
		return fmt.Sprintf("route(%d)", uint8(r))
	}
}

// MessageType classifies payload content.
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessageText
	MessageData
	MessageGroupText
	MessageGroupData
	MessageRaw
)

func (m MessageType) String() string {
	switch m {
	case MessageText:
		return "text"
	case MessageData:
		return "data"
	case MessageGroupText:
		return "group_text"
	case MessageGroupData:
		return "group_data"
	case MessageRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Packet is the intermediate form every codec converts to and from.
// It is built per received frame and dropped once the fan-out finishes.
type Packet struct {
	Route       RouteType
	HopLimit    uint8
	WantAck     bool
	ViaMQTT     bool
	Source      uint32
	Destination uint32
	ID          uint32
	Path        []byte
	Type        MessageType
	Payload     []byte
	Channel     uint8
	Version     uint8

	// Opaque marks a packet whose payload is the untouched source frame.
	// Header fields (ViaMQTT, HopLimit) are unknown for opaque packets.
	Opaque bool
}

// New returns a packet with broadcast defaults.
func New() Packet {
	return Packet{
		Route:       RouteBroadcast,
		Destination: BroadcastAddress,
		Type:        MessageUnknown,
	}
}

// Validate reports why a packet cannot be encoded, or nil.
func (p Packet) Validate() error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), MaxPayload)
	}
	if len(p.Path) > MaxPath {
		return fmt.Errorf("%w: %d > %d", ErrPathTooLong, len(p.Path), MaxPath)
	}
	if len(p.Payload) == 0 && len(p.Path) == 0 {
		return ErrEmpty
	}
	return nil
}

func (p Packet) IsValid() bool {
	return p.Validate() == nil
}

// IsBroadcast is true for the broadcast address and for broadcast or flood routing.
func (p Packet) IsBroadcast() bool {
	return p.Destination == BroadcastAddress ||
		p.Route == RouteBroadcast ||
		p.Route == RouteFlood
}
