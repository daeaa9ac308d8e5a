// Package candle aggregates trades into OHLC candles and computes EMAs over
// their closes. Everything here is a pure function of its input.
package candle

import (
	"sort"
	"time"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

// DefaultInterval is the bucket width when none is given.
const DefaultInterval = time.Second

// EMA lengths drawn on the chart.
var DefaultEMALengths = []int{20, 50, 200}

// Candle is one OHLC bucket. Time is the bucket start in epoch ms.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Trades int     `json:"trades"`
}

// Build buckets trades by interval and returns the candles sorted by time.
// Trades with a non-positive price are ignored. Within a bucket the open is
// the first trade seen and the close the last, in slice order.
func Build(trades []adapter.TradeEvent, interval time.Duration) []Candle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	width := interval.Milliseconds()
	if width <= 0 {
		width = 1
	}

	buckets := make(map[int64]*Candle)
	for _, tr := range trades {
		if tr.Price <= 0 {
			continue
		}
		start := tr.Time - mod(tr.Time, width)
		c, ok := buckets[start]
		if !ok {
			buckets[start] = &Candle{
				Time: start, Open: tr.Price, High: tr.Price, Low: tr.Price, Close: tr.Price,
				Volume: tr.Quantity, Trades: 1,
			}
			continue
		}
		c.High = max(c.High, tr.Price)
		c.Low = min(c.Low, tr.Price)
		c.Close = tr.Price
		c.Volume += tr.Quantity
		c.Trades++
	}

	out := make([]Candle, 0, len(buckets))
	for _, c := range buckets {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// EMA returns the exponential moving average of values with smoothing
// 2/(length+1), seeded with the first value. The result has one entry per
// input.
func EMA(values []float64, length int) []float64 {
	if len(values) == 0 {
		return nil
	}
	if length < 1 {
		length = 1
	}
	k := 2 / float64(length+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// Closes extracts the close prices of candles.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Series is a set of candles with their EMAs, keyed by length.
type Series struct {
	Candles []Candle          `json:"candles"`
	EMA     map[int][]float64 `json:"ema"`
}

// BuildSeries builds candles and an EMA per length (DefaultEMALengths when
// none are given).
func BuildSeries(trades []adapter.TradeEvent, interval time.Duration, lengths ...int) Series {
	if len(lengths) == 0 {
		lengths = DefaultEMALengths
	}
	candles := Build(trades, interval)
	closes := Closes(candles)
	s := Series{Candles: candles, EMA: make(map[int][]float64, len(lengths))}
	for _, n := range lengths {
		s.EMA[n] = EMA(closes, n)
	}
	return s
}
