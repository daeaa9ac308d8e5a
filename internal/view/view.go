// Package view turns canonical book updates into display rows.
package view

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

// DefaultDepth is the number of rows shown per side.
const DefaultDepth = 10

// Row is one displayed level. Percent is the row's share of its side's
// displayed total, 0..100.
type Row struct {
	Price   string  `json:"price"`
	Size    string  `json:"size"`
	Percent float64 `json:"pct"`
}

// View is a depth-limited book ready to render: asks high→low on top, bids
// high→low below, mid price in between.
type View struct {
	Exchange adapter.Exchange `json:"exchange"`
	Market   adapter.Market   `json:"market"`
	Symbol   string           `json:"symbol"`
	Asks     []Row            `json:"asks"`
	Bids     []Row            `json:"bids"`
	Mid      float64          `json:"mid"`
	AskTotal float64          `json:"askTotal"`
	BidTotal float64          `json:"bidTotal"`
	Time     int64            `json:"time"`
}

type level struct {
	px  decimal.Decimal
	raw adapter.PriceLevel
}

// Build sorts and trims u to depth rows per side (DefaultDepth when depth
// <= 0). Levels whose price or size does not parse are skipped. Mid is the
// average of best bid and best ask, or 0 when either side is empty. A side
// whose displayed total is zero uses 1 so percentages stay finite.
func Build(u adapter.BookUpdate, depth int) View {
	if depth <= 0 {
		depth = DefaultDepth
	}

	asks := sortLevels(u.Asks, false, depth)
	bids := sortLevels(u.Bids, true, depth)

	v := View{
		Exchange: u.Exchange,
		Market:   u.Market,
		Symbol:   u.Symbol,
	}
	if !u.Timestamp.IsZero() {
		v.Time = u.Timestamp.UnixMilli()
	}
	if len(asks) > 0 && len(bids) > 0 {
		v.Mid, _ = bids[0].px.Add(asks[0].px).Div(decimal.NewFromInt(2)).Float64()
	}

	v.AskTotal = total(asks)
	v.BidTotal = total(bids)

	// Asks are displayed highest first, so the best ask sits next to the mid.
	v.Asks = rows(asks, v.AskTotal)
	for i, j := 0, len(v.Asks)-1; i < j; i, j = i+1, j-1 {
		v.Asks[i], v.Asks[j] = v.Asks[j], v.Asks[i]
	}
	v.Bids = rows(bids, v.BidTotal)
	return v
}

func sortLevels(in []adapter.PriceLevel, desc bool, depth int) []level {
	out := make([]level, 0, len(in))
	for _, l := range in {
		px, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		if _, err := decimal.NewFromString(l.Size); err != nil {
			continue
		}
		out = append(out, level{px: px, raw: l})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].px.GreaterThan(out[j].px)
		}
		return out[i].px.LessThan(out[j].px)
	})
	if len(out) > depth {
		out = out[:depth]
	}
	return out
}

func total(levels []level) float64 {
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(decimal.RequireFromString(l.raw.Size))
	}
	f, _ := sum.Float64()
	if f == 0 {
		return 1
	}
	return f
}

func rows(levels []level, total float64) []Row {
	out := make([]Row, len(levels))
	for i, l := range levels {
		size, _ := decimal.RequireFromString(l.raw.Size).Float64()
		out[i] = Row{Price: l.raw.Price, Size: l.raw.Size, Percent: size / total * 100}
	}
	return out
}
