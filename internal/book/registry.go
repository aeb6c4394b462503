package book

import (
	"fmt"
	"iter"
	"strings"
	"sync"
)

// Instrument identifies a traded pair by its base and quote symbols.
// Immutable; used as the key into all per-instrument state.
type Instrument struct {
	Base  string
	Quote string
}

// Pair returns the wire form of the instrument, e.g. "BTC:USD".
func (i Instrument) Pair() string { return i.Base + ":" + i.Quote }

// ParseInstrument parses the wire pair form ("BTC:USD") back into an
// Instrument.
func ParseInstrument(pair string) (Instrument, error) {
	base, quote, ok := strings.Cut(pair, ":")
	if !ok || base == "" || quote == "" {
		return Instrument{}, fmt.Errorf("malformed pair %q", pair)
	}
	return Instrument{Base: base, Quote: quote}, nil
}

// Subscription pairs an instrument with its subscribed depth.
type Subscription struct {
	Instrument Instrument
	Depth      int
}

// Registry tracks which instruments are subscribed and owns the lifetime of
// their OrderBook instances. Books are replaced wholesale on resubscribe;
// nothing outside the registry creates or destroys them.
type Registry struct {
	mu      sync.RWMutex
	entries map[Instrument]*OrderBook
	// byPair indexes entries by wire pair, kept in lockstep with entries so
	// Lookup stays a single map read on the per-message path.
	byPair map[string]*OrderBook
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Instrument]*OrderBook),
		byPair:  make(map[string]*OrderBook),
	}
}

// Subscribe creates a fresh empty OrderBook for inst at depth, replacing any
// prior entry, and returns it. Repeated calls simply reset the state.
func (r *Registry) Subscribe(inst Instrument, depth int) *OrderBook {
	r.mu.Lock()
	defer r.mu.Unlock()

	ob := New(inst.Pair(), depth)
	r.entries[inst] = ob
	r.byPair[inst.Pair()] = ob
	return ob
}

// Unsubscribe drops the entry for inst. Unknown instruments are a no-op.
func (r *Registry) Unsubscribe(inst Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, inst)
	delete(r.byPair, inst.Pair())
}

// Resubscribe replaces the book for inst with a fresh empty one at the
// previously recorded depth, forcing the next snapshot to rebuild it. ok is
// false when inst is not tracked.
func (r *Registry) Resubscribe(inst Instrument) (ob *OrderBook, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, ok := r.entries[inst]
	if !ok {
		return nil, false
	}
	ob = New(inst.Pair(), prior.Depth())
	r.entries[inst] = ob
	r.byPair[inst.Pair()] = ob
	return ob, true
}

// Lookup returns the book tracking the given wire pair. Runs once per inbound
// book message.
func (r *Registry) Lookup(pair string) (*OrderBook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ob, ok := r.byPair[pair]
	return ob, ok
}

// All returns a restartable sequence of the current subscriptions, used to
// replay subscribe requests after a reconnect. The sequence iterates over a
// point-in-time copy, so it is safe against concurrent registry changes.
func (r *Registry) All() iter.Seq[Subscription] {
	r.mu.RLock()
	subs := make([]Subscription, 0, len(r.entries))
	for inst, ob := range r.entries {
		subs = append(subs, Subscription{Instrument: inst, Depth: ob.Depth()})
	}
	r.mu.RUnlock()

	return func(yield func(Subscription) bool) {
		for _, sub := range subs {
			if !yield(sub) {
				return
			}
		}
	}
}

// Len returns the number of tracked instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
