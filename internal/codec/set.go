package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrCodecExists  = errors.New("codec: already registered")
	ErrCodecNil     = errors.New("codec: nil codec")
	ErrUnknownCodec = errors.New("codec: unknown protocol")
)

// Set stores codecs by protocol id and iterates them in id order.
type Set struct {
	items map[ID]Codec
	order []ID
}

func NewSet(codecs ...Codec) (*Set, error) {
	s := &Set{items: make(map[ID]Codec)}
	for _, c := range codecs {
		if err := s.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a codec.
func (s *Set) Register(c Codec) error {
	if c == nil {
		return ErrCodecNil
	}
	if _, ok := s.items[c.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrCodecExists, c.ID())
	}
	s.items[c.ID()] = c
	s.order = append(s.order, c.ID())
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return nil
}

// Resolve returns a codec by id.
func (s *Set) Resolve(id ID) (Codec, bool) {
	c, ok := s.items[id]
	return c, ok
}

// Lookup resolves a protocol by case-insensitive name.
func (s *Set) Lookup(name string) (Codec, bool) {
	name = strings.TrimSpace(name)
	for _, id := range s.order {
		if strings.EqualFold(s.items[id].Name(), name) {
			return s.items[id], true
		}
	}
	return nil, false
}

// IDs returns registered ids in ascending order.
func (s *Set) IDs() []ID {
	out := make([]ID, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Set) Len() int {
	return len(s.order)
}

// Next returns the id after id in round-robin order.
func (s *Set) Next(id ID) ID {
	for i, cur := range s.order {
		if cur == id {
			return s.order[(i+1)%len(s.order)]
		}
	}
	if len(s.order) == 0 {
		return id
	}
	return s.order[0]
}

// Mask returns the bitmask of every registered id.
func (s *Set) Mask() uint8 {
	var m uint8
	for _, id := range s.order {
		m |= id.Mask()
	}
	return m
}

// Name returns the protocol name or a numeric fallback.
func (s *Set) Name(id ID) string {
	if c, ok := s.items[id]; ok {
		return c.Name()
	}
	return fmt.Sprintf("protocol-%d", id)
}
