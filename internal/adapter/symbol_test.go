package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolFormat_RoundTrip(t *testing.T) {
	formats := map[string]SymbolFormat{
		"binance":        {Lower: true},
		"bybit":          {},
		"kucoin-spot":    {Sep: "-"},
		"kucoin-futures": {Suffix: "M"},
		"bingx":          {Sep: "-"},
		"mexc":           {Sep: "_"},
	}
	symbols := []string{"BTCUSDT", "PUMPUSDT", "1000PEPEUSDT", "USDTUSDT", "A1USDT"}

	for name, f := range formats {
		for _, sym := range symbols {
			native, err := f.Format(sym)
			require.NoError(t, err, "%s %s", name, sym)
			back, err := f.Parse(native)
			require.NoError(t, err, "%s %s -> %s", name, sym, native)
			assert.Equal(t, sym, back, "%s via %s", name, native)
		}
	}
}

func TestSymbolFormat_Spellings(t *testing.T) {
	tests := []struct {
		f    SymbolFormat
		want string
	}{
		{SymbolFormat{Lower: true}, "pumpusdt"},
		{SymbolFormat{}, "PUMPUSDT"},
		{SymbolFormat{Sep: "-"}, "PUMP-USDT"},
		{SymbolFormat{Suffix: "M"}, "PUMPUSDTM"},
		{SymbolFormat{Sep: "_"}, "PUMP_USDT"},
	}
	for _, tt := range tests {
		got, err := tt.f.Format("PUMPUSDT")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestSymbolFormat_Rejects(t *testing.T) {
	_, err := SymbolFormat{}.Format("btcusdt")
	assert.ErrorIs(t, err, ErrBadSymbol)
	_, err = SymbolFormat{}.Format("BTCUSDC")
	assert.ErrorIs(t, err, ErrBadSymbol)

	_, err = SymbolFormat{Lower: true}.Parse("BTCUSDT")
	assert.ErrorIs(t, err, ErrBadSymbol)
	_, err = SymbolFormat{Sep: "-"}.Parse("BTCUSDT")
	assert.ErrorIs(t, err, ErrBadSymbol)
	_, err = SymbolFormat{Suffix: "M"}.Parse("BTCUSDT")
	assert.ErrorIs(t, err, ErrBadSymbol)
	_, err = SymbolFormat{Sep: "_"}.Parse("_USDT")
	assert.ErrorIs(t, err, ErrBadSymbol)
}

func TestNormalizeSymbol(t *testing.T) {
	for _, in := range []string{"btc-usdt", "BTC_USDT", "BTCUSDT", " btc/usdt "} {
		got, err := NormalizeSymbol(in)
		require.NoError(t, err, in)
		assert.Equal(t, "BTCUSDT", got)
	}
	for _, in := range []string{"", "USDT", "BTC-USD", "BTC USDT"} {
		_, err := NormalizeSymbol(in)
		assert.ErrorIs(t, err, ErrBadSymbol, in)
	}
}
