package candle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

func TestBuild_BucketsBySecond(t *testing.T) {
	trades := []adapter.TradeEvent{
		{Time: 1000, Price: 10, Quantity: 1},
		{Time: 1500, Price: 12, Quantity: 2},
		{Time: 1999, Price: 9, Quantity: 1},
		{Time: 3100, Price: 11, Quantity: 4},
		{Time: 2000, Price: 0, Quantity: 9}, // ignored
	}

	got := Build(trades, 0)

	require.Len(t, got, 2)
	assert.Equal(t, Candle{Time: 1000, Open: 10, High: 12, Low: 9, Close: 9, Volume: 4, Trades: 3}, got[0])
	assert.Equal(t, Candle{Time: 3000, Open: 11, High: 11, Low: 11, Close: 11, Volume: 4, Trades: 1}, got[1])
}

func TestBuild_SortsOutOfOrderBuckets(t *testing.T) {
	trades := []adapter.TradeEvent{
		{Time: 120_000, Price: 3},
		{Time: 0, Price: 1},
		{Time: 60_000, Price: 2},
	}
	got := Build(trades, time.Minute)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, 3}, Closes(got))
}

func TestEMA(t *testing.T) {
	got := EMA([]float64{1, 2, 3}, 3)
	// k = 0.5
	assert.InDeltaSlice(t, []float64{1, 1.5, 2.25}, got, 1e-12)
	assert.Nil(t, EMA(nil, 20))
}

func TestEMA_ConstantInputIsFlat(t *testing.T) {
	values := make([]float64, 300)
	for i := range values {
		values[i] = 42
	}
	for _, n := range DefaultEMALengths {
		for _, v := range EMA(values, n) {
			assert.InDelta(t, 42.0, v, 1e-9)
		}
	}
}

func TestBuildSeries(t *testing.T) {
	s := BuildSeries([]adapter.TradeEvent{{Time: 0, Price: 5}, {Time: 1000, Price: 7}}, time.Second)
	require.Len(t, s.Candles, 2)
	require.Len(t, s.EMA, 3)
	for _, n := range DefaultEMALengths {
		assert.Len(t, s.EMA[n], 2)
		assert.Equal(t, 5.0, s.EMA[n][0])
	}
}
