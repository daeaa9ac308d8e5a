package exchanges

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthrelay/depthrelay/internal/adapter"
	"github.com/depthrelay/depthrelay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewKey(t *testing.T) {
	key, err := NewKey(" KuCoin ", "SPOT", "eth-usdt")
	require.NoError(t, err)
	assert.Equal(t, adapter.FeedKey{Exchange: adapter.ExchangeKuCoin, Market: adapter.MarketSpot, Symbol: "ETHUSDT"}, key)

	_, err = NewKey("ftx", "spot", "BTCUSDT")
	assert.ErrorIs(t, err, adapter.ErrUnknownExchange)

	_, err = NewKey("binance", "options", "BTCUSDT")
	assert.Error(t, err)

	_, err = NewKey("binance", "spot", "BTC")
	assert.ErrorIs(t, err, adapter.ErrBadSymbol)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("mexc/futures/PUMP_USDT")
	require.NoError(t, err)
	assert.Equal(t, "mexc/futures/PUMPUSDT", key.String())

	for _, bad := range []string{"", "binance", "binance/spot", "binance/spot/BTCUSDT/x"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSupported(t *testing.T) {
	assert.Equal(t, []adapter.Exchange{
		adapter.ExchangeBinance, adapter.ExchangeBingX, adapter.ExchangeBybit,
		adapter.ExchangeKuCoin, adapter.ExchangeMEXC,
	}, Supported())
}

func TestUnknownExchangeListsSupported(t *testing.T) {
	_, err := NewKey("ftx", "spot", "BTCUSDT")
	require.ErrorIs(t, err, adapter.ErrUnknownExchange)
	assert.EqualError(t, err, `unknown exchange: "ftx" (supported: binance, bingx, bybit, kucoin, mexc)`)
}

func TestProtocol(t *testing.T) {
	cfg := testConfig(t)
	for _, ex := range Supported() {
		p, err := Protocol(cfg, ex, adapter.MarketFutures)
		require.NoError(t, err, ex)
		assert.Equal(t, ex, p.Exchange())
		assert.Equal(t, adapter.MarketFutures, p.Market())
	}

	_, err := Protocol(cfg, adapter.ExchangeMEXC, adapter.MarketSpot)
	assert.ErrorIs(t, err, adapter.ErrUnsupportedMarket)

	_, err = Protocol(cfg, adapter.Exchange("ftx"), adapter.MarketSpot)
	assert.ErrorIs(t, err, adapter.ErrUnknownExchange)
}

func TestBuilder_Errors(t *testing.T) {
	cfg := testConfig(t)
	b := NewBuilder(cfg, BuilderDeps{})

	_, err := b.Supervisor(adapter.FeedKey{Exchange: adapter.ExchangeKuCoin, Market: adapter.MarketSpot, Symbol: "BTCUSDT"})
	assert.ErrorContains(t, err, "needs a session source")

	_, err = b.Supervisor(adapter.FeedKey{Exchange: adapter.ExchangeMEXC, Market: adapter.MarketSpot, Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, adapter.ErrUnsupportedMarket)

	_, err = b.Supervisor(adapter.FeedKey{Exchange: adapter.ExchangeBinance, Market: adapter.MarketSpot, Symbol: "btc"})
	assert.ErrorIs(t, err, adapter.ErrBadSymbol)

	sup, err := b.Supervisor(adapter.FeedKey{Exchange: adapter.ExchangeBybit, Market: adapter.MarketFutures, Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, adapter.Disconnected, sup.State())

	cfg.MEXC.Mode = "poll"
	_, err = b.Supervisor(adapter.FeedKey{Exchange: adapter.ExchangeMEXC, Market: adapter.MarketFutures, Symbol: "BTCUSDT"})
	assert.ErrorContains(t, err, "needs a depth client")
}

type staticDepth struct{}

func (staticDepth) FetchDepth(context.Context, string, int) ([]adapter.PriceLevel, []adapter.PriceLevel, error) {
	return []adapter.PriceLevel{{Price: "64000", Size: "1"}}, []adapter.PriceLevel{{Price: "64001", Size: "2"}}, nil
}

type collector struct {
	mu     sync.Mutex
	events []adapter.Event
}

func (c *collector) Publish(ev adapter.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) first() (adapter.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return adapter.Event{}, false
	}
	return c.events[0], true
}

func TestBuilder_MEXCPollMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.MEXC.Mode = "poll"
	cfg.MEXC.PollInterval = 10 * time.Millisecond

	var mu sync.Mutex
	var states []adapter.ConnState
	pub := &collector{}
	b := NewBuilder(cfg, BuilderDeps{
		Depth:     staticDepth{},
		Publisher: pub,
		OnState: func(_ adapter.FeedKey, st adapter.ConnState) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	key, err := ParseKey("mexc/futures/BTCUSDT")
	require.NoError(t, err)
	sup, err := b.Supervisor(key)
	require.NoError(t, err)

	sup.Start(context.Background())
	defer sup.Stop()

	require.Eventually(t, func() bool {
		_, ok := pub.first()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	ev, _ := pub.first()
	assert.Equal(t, key, ev.Key)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64000", Size: "1"}}, ev.Book.Bids)
	assert.Equal(t, adapter.Live, sup.State())

	mu.Lock()
	assert.Contains(t, states, adapter.Live)
	mu.Unlock()
}
