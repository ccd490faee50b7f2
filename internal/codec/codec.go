// Package codec owns per-protocol wire conversion.
//
// Ownership boundary:
// - raw frame <-> canonical.Packet conversion
// - per-protocol modulation defaults and radio programming
// - self-test frame generation
//
// Each protocol converts only to and from canonical.Packet, so adding a
// protocol adds one codec rather than one converter per peer.
package codec

import (
	"errors"
	"fmt"

	"github.com/danmuck/meshbridge/internal/canonical"
	"github.com/danmuck/meshbridge/internal/radio"
)

var (
	ErrParse      = errors.New("codec: parse error")
	ErrConversion = errors.New("codec: conversion error")
)

// ID is the stable numeric protocol identifier used on the host link.
type ID uint8

const (
	MeshCore   ID = 0
	Meshtastic ID = 1
)

// Mask returns the tx-protocol bitmask bit for id.
func (id ID) Mask() uint8 {
	return 1 << id
}

// Policy selects how a codec treats frames its strict parser rejects.
type Policy uint8

const (
	// PolicyStrict drops unparseable frames as parse errors.
	PolicyStrict Policy = iota
	// PolicyRawRelay wraps unparseable frames verbatim as an opaque Raw
	// packet. Opaque packets carry no via-MQTT information.
	PolicyRawRelay
)

func (p Policy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyRawRelay:
		return "raw_relay"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Codec converts one protocol's frames.
type Codec interface {
	ID() ID
	Name() string
	Policy() Policy
	DefaultModulation() radio.Modulation
	// Configure programs t with m and leaves it in continuous receive.
	Configure(t radio.Transceiver, m radio.Modulation) error
	MaxFrameSize() int
	ToCanonical(raw []byte) (canonical.Packet, error)
	FromCanonical(p canonical.Packet) ([]byte, error)
	GenerateTestPacket() []byte
}

// Program is the shared configure sequence: standby, modulation, receive.
func Program(t radio.Transceiver, m radio.Modulation) error {
	if err := t.SetMode(radio.ModeStandby); err != nil {
		return err
	}
	if err := t.Configure(m); err != nil {
		return err
	}
	return t.SetMode(radio.ModeReceiveContinuous)
}

// WrapRaw builds the opaque packet used by PolicyRawRelay.
func WrapRaw(raw []byte, maxPayload int) (canonical.Packet, error) {
	if len(raw) == 0 {
		return canonical.Packet{}, ParseError("empty frame")
	}
	if len(raw) > maxPayload {
		return canonical.Packet{}, ParseError("raw frame %d > %d", len(raw), maxPayload)
	}
	p := canonical.New()
	p.Type = canonical.MessageRaw
	p.Payload = append([]byte(nil), raw...)
	p.Opaque = true
	return p, nil
}

// ParseError wraps a protocol-specific reason into ErrParse.
func ParseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// ConversionError wraps a protocol-specific reason into ErrConversion.
func ConversionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConversion, fmt.Sprintf(format, args...))
}
