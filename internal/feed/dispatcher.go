package feed

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler processes one inbound message on the processing path.
type Handler func(*Envelope)

type queued struct {
	gen int64
	env *Envelope
}

// Dispatcher decouples frame ingestion from message processing through a
// single ordered queue: one producer (the session read loop) and one consumer
// (Run) with strict FIFO delivery. All book and registry mutation happens on
// the consumer side, so book state needs no locking beyond its own.
//
// Every enqueued message is stamped with the connection generation. Discard
// bumps the generation so messages belonging to a prior connection are dropped
// by the consumer instead of being applied to a book that is about to be
// rebuilt from a fresh snapshot.
//
// Ingestion never blocks, so a full queue sheds load instead of stalling the
// read loop. Skipping a book-mutating message would leave the book silently
// stale with no health check ever noticing, so snapshot/delta drops mark the
// pair dirty and the consumer hands it to the overflow callback for recovery;
// other kinds are dropped outright.
type Dispatcher struct {
	log      *zap.Logger
	queue    chan queued
	handlers map[Kind]Handler
	gen      atomic.Int64
	dropped  atomic.Int64

	overflow func(pair string)
	dirtyMu  sync.Mutex
	dirty    map[string]int64
	dirtyCh  chan struct{}
}

// NewDispatcher creates a Dispatcher with the given queue capacity. Handlers
// must all be registered before Run is started.
func NewDispatcher(log *zap.Logger, size int) *Dispatcher {
	return &Dispatcher{
		log:      log,
		queue:    make(chan queued, size),
		handlers: make(map[Kind]Handler),
		dirty:    make(map[string]int64),
		dirtyCh:  make(chan struct{}, 1),
	}
}

// Handle registers the handler for a message kind. Not safe to call once Run
// has started.
func (d *Dispatcher) Handle(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// OnOverflow registers the recovery callback invoked on the consumer side for
// each pair whose book message was dropped under backpressure. Not safe to
// call once Run has started.
func (d *Dispatcher) OnOverflow(fn func(pair string)) {
	d.overflow = fn
}

// Enqueue pushes a message onto the queue, stamped with the current
// generation. Never blocks: when the queue is full, a book-mutating message
// marks its pair dirty for recovery and anything else is dropped with a
// warning.
func (d *Dispatcher) Enqueue(env *Envelope) {
	select {
	case d.queue <- queued{gen: d.gen.Load(), env: env}:
	default:
		d.dropped.Add(1)
		if pair, ok := bookPair(env); ok {
			d.markDirty(pair)
			d.log.Warn("dispatch queue full, dropping book message",
				zap.String("kind", string(env.Kind)), zap.String("pair", pair))
			return
		}
		d.log.Warn("dispatch queue full, dropping message", zap.String("kind", string(env.Kind)))
	}
}

// bookPair extracts the instrument pair from a book-mutating message.
func bookPair(env *Envelope) (string, bool) {
	if env.Kind != KindBookSnapshot && env.Kind != KindMDUpdate {
		return "", false
	}
	var p struct {
		Pair string `json:"pair"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil || p.Pair == "" {
		return "", false
	}
	return p.Pair, true
}

func (d *Dispatcher) markDirty(pair string) {
	d.dirtyMu.Lock()
	d.dirty[pair] = d.gen.Load()
	d.dirtyMu.Unlock()

	select {
	case d.dirtyCh <- struct{}{}:
	default:
	}
}

// Discard invalidates every message enqueued so far. Called on reconnect,
// before subscriptions are replayed, so stale frames from the prior
// connection never reach the handlers.
func (d *Dispatcher) Discard() {
	d.gen.Add(1)
}

// Pending returns the number of queued, not yet consumed messages.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Dropped returns the number of messages dropped due to a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run drains the queue in arrival order until ctx is cancelled, invoking the
// handler registered for each message's kind. Unrecognized kinds are dropped
// with a diagnostic; they are protocol noise, not an error. Pairs marked
// dirty by overflow drops are recovered here, on the processing path.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.dirtyCh:
			d.recoverDirty()
		case q := <-d.queue:
			if q.gen != d.gen.Load() {
				d.log.Debug("discarding message from prior connection",
					zap.String("kind", string(q.env.Kind)))
				continue
			}
			h, ok := d.handlers[q.env.Kind]
			if !ok {
				d.log.Warn("unknown message kind, discarding",
					zap.String("kind", string(q.env.Kind)))
				continue
			}
			h(q.env)
		}
	}
}

// recoverDirty hands every pair dirtied under the current generation to the
// overflow callback. Pairs from a prior generation are skipped: the reconnect
// path rebuilds those books wholesale anyway.
func (d *Dispatcher) recoverDirty() {
	if d.overflow == nil {
		return
	}

	cur := d.gen.Load()
	d.dirtyMu.Lock()
	pairs := make([]string, 0, len(d.dirty))
	for pair, gen := range d.dirty {
		if gen == cur {
			pairs = append(pairs, pair)
		}
		delete(d.dirty, pair)
	}
	d.dirtyMu.Unlock()

	for _, pair := range pairs {
		d.log.Warn("recovering book after dropped message", zap.String("pair", pair))
		d.overflow(pair)
	}
}
