package adapter

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrNoSnapshot  = errors.New("delta before snapshot")
	ErrCrossedBook = errors.New("crossed book")
	ErrBadLevel    = errors.New("malformed price level")
)

// OrderBookState is the per-connection book for one symbol. Levels are keyed
// by their normalized decimal price, so "100" and "100.0" are the same level,
// while the price and size text the exchange sent is kept for output. A zero
// size removes the level.
//
// The state is not safe for concurrent use; a Feed mutates it from its single
// read goroutine.
type OrderBookState struct {
	bids bookSide
	asks bookSide

	// LastUpdateID is the most recent exchange sequence applied, 0 if the
	// exchange does not send one.
	LastUpdateID int64

	hasSnapshot bool
}

// bookSide maps a normalized price to the level as last received.
type bookSide map[string]PriceLevel

// NewOrderBookState returns an empty book awaiting its first snapshot.
func NewOrderBookState() *OrderBookState {
	return &OrderBookState{
		bids: make(bookSide),
		asks: make(bookSide),
	}
}

// HasSnapshot reports whether a snapshot has been applied.
func (b *OrderBookState) HasSnapshot() bool { return b.hasSnapshot }

// Bids returns a copy of the bid side, price to size.
func (b *OrderBookState) Bids() map[string]string { return b.bids.sizes() }

// Asks returns a copy of the ask side, price to size.
func (b *OrderBookState) Asks() map[string]string { return b.asks.sizes() }

func (s bookSide) sizes() map[string]string {
	out := make(map[string]string, len(s))
	for _, l := range s {
		out[l.Price] = l.Size
	}
	return out
}

// ApplySnapshot replaces both sides. A snapshot that would leave the book
// crossed is rejected and the previous state kept.
func (b *OrderBookState) ApplySnapshot(bids, asks []PriceLevel, seq int64) error {
	nb, err := buildSide(bids)
	if err != nil {
		return err
	}
	na, err := buildSide(asks)
	if err != nil {
		return err
	}
	if crossed(nb, na) {
		return ErrCrossedBook
	}

	b.bids, b.asks = nb, na
	b.LastUpdateID = seq
	b.hasSnapshot = true
	return nil
}

// ApplyDelta upserts non-zero levels and removes zero-size ones, in the order
// given. Deltas before the first snapshot are refused with ErrNoSnapshot and
// leave the book untouched. A delta that crosses the book is rolled back.
func (b *OrderBookState) ApplyDelta(bids, asks []PriceLevel, seq int64) error {
	if !b.hasSnapshot {
		return ErrNoSnapshot
	}
	if err := validate(bids); err != nil {
		return err
	}
	if err := validate(asks); err != nil {
		return err
	}

	undoBids := applySide(b.bids, bids)
	undoAsks := applySide(b.asks, asks)

	if crossed(b.bids, b.asks) {
		undoBids.revert(b.bids)
		undoAsks.revert(b.asks)
		return ErrCrossedBook
	}

	if seq != 0 {
		b.LastUpdateID = seq
	}
	return nil
}

// Top returns at most n levels per side, bids high→low and asks low→high.
// n <= 0 returns every level.
func (b *OrderBookState) Top(n int) (bids, asks []PriceLevel) {
	return sortedSide(b.bids, true, n), sortedSide(b.asks, false, n)
}

// Reset discards all levels; the next delta requires a fresh snapshot.
func (b *OrderBookState) Reset() {
	b.bids = make(bookSide)
	b.asks = make(bookSide)
	b.LastUpdateID = 0
	b.hasSnapshot = false
}

// priceKey normalizes a validated price: "100.50" and "100.5" share a key.
func priceKey(price string) string {
	return decimal.RequireFromString(price).String()
}

func buildSide(levels []PriceLevel) (bookSide, error) {
	side := make(bookSide, len(levels))
	for _, l := range levels {
		zero, err := parseLevel(l)
		if err != nil {
			return nil, err
		}
		key := priceKey(l.Price)
		if zero {
			delete(side, key)
			continue
		}
		side[key] = l
	}
	return side, nil
}

func validate(levels []PriceLevel) error {
	for _, l := range levels {
		if _, err := parseLevel(l); err != nil {
			return err
		}
	}
	return nil
}

// parseLevel checks both fields are decimals and reports a zero size.
func parseLevel(l PriceLevel) (zero bool, err error) {
	if _, err := decimal.NewFromString(l.Price); err != nil {
		return false, fmt.Errorf("%w: price %q", ErrBadLevel, l.Price)
	}
	size, err := decimal.NewFromString(l.Size)
	if err != nil {
		return false, fmt.Errorf("%w: size %q", ErrBadLevel, l.Size)
	}
	if size.IsNegative() {
		return false, fmt.Errorf("%w: negative size %q", ErrBadLevel, l.Size)
	}
	return size.IsZero(), nil
}

type undoEntry struct {
	key     string
	prev    PriceLevel
	existed bool
}

type undoLog []undoEntry

func (u undoLog) revert(side bookSide) {
	for i := len(u) - 1; i >= 0; i-- {
		e := u[i]
		if e.existed {
			side[e.key] = e.prev
		} else {
			delete(side, e.key)
		}
	}
}

func applySide(side bookSide, levels []PriceLevel) undoLog {
	undo := make(undoLog, 0, len(levels))
	for _, l := range levels {
		key := priceKey(l.Price)
		prev, existed := side[key]
		undo = append(undo, undoEntry{key: key, prev: prev, existed: existed})

		if decimal.RequireFromString(l.Size).IsZero() {
			delete(side, key)
			continue
		}
		side[key] = l
	}
	return undo
}

func crossed(bids, asks bookSide) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	bestBid, _ := extreme(bids, true)
	bestAsk, _ := extreme(asks, false)
	return bestBid.GreaterThanOrEqual(bestAsk)
}

// extreme returns the highest (max=true) or lowest price on a side.
func extreme(side bookSide, max bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for key := range side {
		d := decimal.RequireFromString(key)
		if !found || (max && d.GreaterThan(best)) || (!max && d.LessThan(best)) {
			best, found = d, true
		}
	}
	return best, found
}

func sortedSide(side bookSide, desc bool, n int) []PriceLevel {
	type keyed struct {
		px  decimal.Decimal
		lvl PriceLevel
	}
	rows := make([]keyed, 0, len(side))
	for key, l := range side {
		rows = append(rows, keyed{px: decimal.RequireFromString(key), lvl: l})
	}
	sort.Slice(rows, func(i, j int) bool {
		if desc {
			return rows[i].px.GreaterThan(rows[j].px)
		}
		return rows[i].px.LessThan(rows[j].px)
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	out := make([]PriceLevel, len(rows))
	for i, r := range rows {
		out[i] = r.lvl
	}
	return out
}
