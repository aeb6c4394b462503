package book

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single (price, quantity) entry on one side of a book.
// A zero quantity in a delta means "remove this level", never a resting
// order of size zero.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Row is one line of a depth view: the n-th best bid and ask side by side.
type Row struct {
	BidQty   decimal.Decimal
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

// OrderBook maintains the live bid/ask state for one instrument. Levels are
// kept as two sparse maps keyed by price string: deltas touch O(1) levels and
// are frequent, while sorted views are requested rarely, so sorting is done
// lazily at read time instead of being maintained incrementally.
type OrderBook struct {
	mu        sync.RWMutex
	pair      string
	depth     int
	bids      map[string]PriceLevel
	asks      map[string]PriceLevel
	updates   int64
	createdAt time.Time
}

// New creates an empty OrderBook for pair at the subscribed depth. The book
// holds no levels until the first Build call.
func New(pair string, depth int) *OrderBook {
	return &OrderBook{
		pair:      pair,
		depth:     depth,
		bids:      make(map[string]PriceLevel),
		asks:      make(map[string]PriceLevel),
		createdAt: time.Now(),
	}
}

// Build initializes both sides from a full snapshot, replacing any prior
// state wholesale. Levels with zero quantity are skipped.
func (ob *OrderBook) Build(bids, asks []PriceLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = make(map[string]PriceLevel, len(bids))
	ob.asks = make(map[string]PriceLevel, len(asks))

	for _, lvl := range bids {
		guardQuantity(lvl)
		if !lvl.Quantity.IsZero() {
			ob.bids[lvl.Price.String()] = lvl
		}
	}
	for _, lvl := range asks {
		guardQuantity(lvl)
		if !lvl.Quantity.IsZero() {
			ob.asks[lvl.Price.String()] = lvl
		}
	}
}

// Update applies one incremental delta. A zero quantity removes the level
// (removing an absent level is a no-op); any other quantity inserts or
// replaces it. Both sides of the delta are applied under one lock so readers
// never observe a half-applied message.
func (ob *OrderBook) Update(bids, asks []PriceLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	applySide(ob.bids, bids)
	applySide(ob.asks, asks)
	ob.updates++
}

func applySide(side map[string]PriceLevel, deltas []PriceLevel) {
	for _, lvl := range deltas {
		guardQuantity(lvl)
		key := lvl.Price.String()
		if lvl.Quantity.IsZero() {
			delete(side, key)
		} else {
			side[key] = lvl
		}
	}
}

// guardQuantity rejects negative quantities loudly. The wire protocol never
// produces them, so one here is a programmer error, not a recoverable state.
func guardQuantity(lvl PriceLevel) {
	if lvl.Quantity.IsNegative() {
		panic(fmt.Sprintf("book: negative quantity %s at price %s", lvl.Quantity, lvl.Price))
	}
}

// SortedView returns up to depth rows pairing bids (descending by price) with
// asks (ascending by price), truncated to the shorter side. The view is a
// read-only projection and never mutates the book.
func (ob *OrderBook) SortedView(depth int) []Row {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids := sortedLevels(ob.bids, true)
	asks := sortedLevels(ob.asks, false)

	n := len(bids)
	if len(asks) < n {
		n = len(asks)
	}
	if depth < n {
		n = depth
	}

	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		rows[i] = Row{
			BidQty:   bids[i].Quantity,
			BidPrice: bids[i].Price,
			AskPrice: asks[i].Price,
			AskQty:   asks[i].Quantity,
		}
	}
	return rows
}

func sortedLevels(side map[string]PriceLevel, descending bool) []PriceLevel {
	levels := make([]PriceLevel, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// Best returns the best bid and ask levels. ok is false while either side
// is empty.
func (ob *OrderBook) Best() (bid, ask PriceLevel, ok bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bid, bidOK := bestOf(ob.bids, true)
	ask, askOK := bestOf(ob.asks, false)
	return bid, ask, bidOK && askOK
}

func bestOf(side map[string]PriceLevel, highest bool) (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, lvl := range side {
		if !found {
			best = lvl
			found = true
			continue
		}
		if highest && lvl.Price.GreaterThan(best.Price) {
			best = lvl
		} else if !highest && lvl.Price.LessThan(best.Price) {
			best = lvl
		}
	}
	return best, found
}

// IsCrossed reports whether the best bid price is not strictly less than the
// best ask price. It covers both equal and inverted books; an empty side is
// never crossed.
func (ob *OrderBook) IsCrossed() bool {
	bid, ask, ok := ob.Best()
	if !ok {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// IsValid reports whether the book is healthy: both sides non-empty and not
// crossed. A false return means the book needs a fresh snapshot; delta repair
// is never attempted.
func (ob *OrderBook) IsValid() bool {
	ob.mu.RLock()
	empty := len(ob.bids) == 0 || len(ob.asks) == 0
	ob.mu.RUnlock()

	if empty {
		return false
	}
	return !ob.IsCrossed()
}

// Pair returns the instrument pair this book tracks, e.g. "BTC:USD".
func (ob *OrderBook) Pair() string { return ob.pair }

// Depth returns the depth the book was subscribed at.
func (ob *OrderBook) Depth() int { return ob.depth }

// UpdateCount returns the number of deltas applied since the last Build.
func (ob *OrderBook) UpdateCount() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.updates
}

// CreatedAt returns when this book instance was created.
func (ob *OrderBook) CreatedAt() time.Time { return ob.createdAt }

// Levels returns the current number of bid and ask levels.
func (ob *OrderBook) Levels() (bids, asks int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.bids), len(ob.asks)
}

// String renders the book as one line per depth row plus a trailer with the
// book metadata. Used for the order_book_histo record and the status endpoint.
func (ob *OrderBook) String() string {
	rows := ob.SortedView(ob.depth)
	if len(rows) == 0 {
		return fmt.Sprintf("orderbook for %s is empty", ob.pair)
	}

	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "\t%s\t%s\t%s\t%s\n", r.BidQty, r.BidPrice, r.AskPrice, r.AskQty)
	}
	fmt.Fprintf(&sb, "pair: %s\tdepth: %d\tcreated: %s\tupdates: %d",
		ob.pair, ob.depth, ob.createdAt.Format(time.RFC3339), ob.UpdateCount())
	return sb.String()
}
