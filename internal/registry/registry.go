// Package registry holds per-protocol modulation and statistics.
//
// The registry is owned by the relay control loop. It performs no locking;
// callers on other goroutines reach it through the loop's command queue.
package registry

import (
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/radio"
	"github.com/rs/zerolog/log"
)

// MaxCount is the saturation ceiling of every counter.
const MaxCount uint32 = math.MaxUint32

var (
	ErrUnknownProtocol = errors.New("registry: unknown protocol")
	ErrDuplicate       = errors.New("registry: protocol already registered")
)

type Event uint8

const (
	EventRx Event = iota
	EventTx
	EventParseError
	EventConversionError
	eventCount
)

func (e Event) String() string {
	switch e {
	case EventRx:
		return "rx"
	case EventTx:
		return "tx"
	case EventParseError:
		return "parse_error"
	case EventConversionError:
		return "conversion_error"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Stats is a read-only counter snapshot.
type Stats struct {
	RxCount          uint32 `json:"rx"`
	TxCount          uint32 `json:"tx"`
	ParseErrors      uint32 `json:"parse_errors"`
	ConversionErrors uint32 `json:"conversion_errors"`
}

func (s *Stats) counter(ev Event) *uint32 {
	switch ev {
	case EventRx:
		return &s.RxCount
	case EventTx:
		return &s.TxCount
	case EventParseError:
		return &s.ParseErrors
	case EventConversionError:
		return &s.ConversionErrors
	default:
		return nil
	}
}

// Entry is one protocol's registry state.
type Entry struct {
	ID     codec.ID         `json:"id"`
	Name   string           `json:"name"`
	Config radio.Modulation `json:"config"`
	Stats  Stats            `json:"stats"`
}

type entry struct {
	Entry
	overflowed [eventCount]bool
}

// Observer is notified of every recorded event, saturated or not.
type Observer func(id codec.ID, name string, ev Event)

// Registry stores protocol configuration and counters.
type Registry struct {
	entries  map[codec.ID]*entry
	order    []codec.ID
	observer Observer
}

func New() *Registry {
	return &Registry{entries: make(map[codec.ID]*entry)}
}

// FromCodecs registers every codec in set with its default modulation.
func FromCodecs(set *codec.Set) *Registry {
	r := New()
	for _, id := range set.IDs() {
		c, _ := set.Resolve(id)
		_ = r.Add(id, c.Name(), c.DefaultModulation())
	}
	return r
}

// SetObserver installs fn as the event hook.
func (r *Registry) SetObserver(fn Observer) {
	r.observer = fn
}

func (r *Registry) Add(id codec.ID, name string, cfg radio.Modulation) error {
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	r.entries[id] = &entry{Entry: Entry{ID: id, Name: name, Config: cfg}}
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Config(id codec.ID) (radio.Modulation, error) {
	e, ok := r.entries[id]
	if !ok {
		return radio.Modulation{}, fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	return e.Config, nil
}

// SetConfig stores cfg as given; range checks belong to the caller.
func (r *Registry) SetConfig(id codec.ID, cfg radio.Modulation) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	e.Config = cfg
	return nil
}

func (r *Registry) Stats(id codec.ID) (Stats, error) {
	e, ok := r.entries[id]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	return e.Stats, nil
}

// Record increments one counter, saturating at MaxCount. Saturation is
// logged once per counter until the next reset.
func (r *Registry) Record(id codec.ID, ev Event) {
	e, ok := r.entries[id]
	if !ok {
		return
	}
	c := e.Stats.counter(ev)
	if c == nil {
		return
	}
	if *c >= MaxCount {
		if !e.overflowed[ev] {
			e.overflowed[ev] = true
			log.Warn().
				Str("protocol", e.Name).
				Str("counter", ev.String()).
				Uint32("value", *c).
				Msg("registry.Record counter saturated")
		}
	} else {
		*c++
	}
	if r.observer != nil {
		r.observer(id, e.Name, ev)
	}
}

// ResetAll zeroes every counter of every protocol.
func (r *Registry) ResetAll() {
	for _, e := range r.entries {
		e.Stats = Stats{}
		e.overflowed = [eventCount]bool{}
	}
}

// Entries returns a snapshot in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].Entry)
	}
	return out
}

// Totals sums counters across protocols, saturating at MaxCount.
func (r *Registry) Totals() Stats {
	var t Stats
	for _, e := range r.entries {
		t.RxCount = satAdd(t.RxCount, e.Stats.RxCount)
		t.TxCount = satAdd(t.TxCount, e.Stats.TxCount)
		t.ParseErrors = satAdd(t.ParseErrors, e.Stats.ParseErrors)
		t.ConversionErrors = satAdd(t.ConversionErrors, e.Stats.ConversionErrors)
	}
	return t
}

func satAdd(a, b uint32) uint32 {
	if uint64(a)+uint64(b) > uint64(MaxCount) {
		return MaxCount
	}
	return a + b
}
