package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func collect(t *testing.T, results <-chan string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case r := <-results:
			out = append(out, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func TestDispatcherFIFO(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 128)
	results := make(chan string, 128)
	d.Handle(KindMDUpdate, func(env *Envelope) {
		results <- string(env.Data)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	const n = 100
	for i := 0; i < n; i++ {
		data, _ := json.Marshal(fmt.Sprintf("msg-%03d", i))
		d.Enqueue(&Envelope{Kind: KindMDUpdate, Data: data})
	}

	got := collect(t, results, n)
	for i, r := range got {
		want, _ := json.Marshal(fmt.Sprintf("msg-%03d", i))
		if r != string(want) {
			t.Fatalf("out of order at %d: got %s, want %s", i, r, want)
		}
	}
}

func TestDispatcherUnknownKindDropped(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 16)
	results := make(chan string, 16)
	d.Handle(KindTick, func(*Envelope) { results <- "tick" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Enqueue(&Envelope{Kind: Kind("balance")})
	d.Enqueue(&Envelope{Kind: KindTick})

	// The unknown kind is dropped and the consumer keeps going.
	if got := collect(t, results, 1); got[0] != "tick" {
		t.Fatalf("unexpected result %q", got[0])
	}
}

func TestDispatcherDiscardDropsStaleMessages(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 16)
	results := make(chan string, 16)
	d.Handle(KindMDUpdate, func(env *Envelope) {
		results <- string(env.Data)
	})

	for i := 0; i < 3; i++ {
		d.Enqueue(&Envelope{Kind: KindMDUpdate, Data: json.RawMessage(`"stale"`)})
	}
	d.Discard()
	d.Enqueue(&Envelope{Kind: KindMDUpdate, Data: json.RawMessage(`"fresh-1"`)})
	d.Enqueue(&Envelope{Kind: KindMDUpdate, Data: json.RawMessage(`"fresh-2"`)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	got := collect(t, results, 2)
	if got[0] != `"fresh-1"` || got[1] != `"fresh-2"` {
		t.Fatalf("stale messages leaked through: %v", got)
	}

	select {
	case r := <-results:
		t.Fatalf("unexpected extra result %q", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherOverflowRecoversDirtyPairs(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 1)
	recovered := make(chan string, 16)
	d.Handle(KindMDUpdate, func(*Envelope) {})
	d.OnOverflow(func(pair string) { recovered <- pair })

	// First delta fills the queue; the second is shed and marks its pair.
	d.Enqueue(&Envelope{Kind: KindMDUpdate, Data: json.RawMessage(`{"pair":"BTC:USD"}`)})
	d.Enqueue(&Envelope{Kind: KindMDUpdate, Data: json.RawMessage(`{"pair":"BTC:USD"}`)})

	if d.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", d.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if got := collect(t, recovered, 1); got[0] != "BTC:USD" {
		t.Fatalf("recovered pair = %q", got[0])
	}

	select {
	case pair := <-recovered:
		t.Fatalf("pair %q recovered twice for one drop", pair)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherOverflowSkipsStaleGeneration(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 1)
	recovered := make(chan string, 16)
	d.OnOverflow(func(pair string) { recovered <- pair })

	d.Enqueue(&Envelope{Kind: KindBookSnapshot, Data: json.RawMessage(`{"pair":"ETH:USD"}`)})
	d.Enqueue(&Envelope{Kind: KindBookSnapshot, Data: json.RawMessage(`{"pair":"ETH:USD"}`)})

	// Reconnect rebuilds every book from a fresh snapshot; recovering the
	// old generation's pairs on top of that would be redundant.
	d.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case pair := <-recovered:
		t.Fatalf("stale-generation pair %q recovered after discard", pair)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherEnqueueNeverBlocks(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Enqueue(&Envelope{Kind: KindMDUpdate})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	if d.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", d.Pending())
	}
	if d.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", d.Dropped())
	}
}
