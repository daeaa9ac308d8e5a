package kucoin

import (
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

func decode(t *testing.T, p *Protocol, raw string) adapter.Message {
	t.Helper()
	msg, err := p.Decode(adapter.Frame{Data: []byte(raw)})
	require.NoError(t, err)
	return msg
}

func TestURL(t *testing.T) {
	p, err := New(adapter.MarketSpot, false)
	require.NoError(t, err)
	assert.True(t, p.NeedsSession())

	_, err = p.URL(nil)
	assert.Error(t, err)
	_, err = p.URL(&adapter.Session{Endpoint: "wss://ws-api-spot.kucoin.com/"})
	assert.Error(t, err, "token is required")

	raw, err := p.URL(&adapter.Session{Token: "tok en", Endpoint: "wss://ws-api-spot.kucoin.com/"})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws-api-spot.kucoin.com", u.Host)
	assert.Equal(t, "tok en", u.Query().Get("token"))
	assert.NotEmpty(t, u.Query().Get("connectId"))

	again, _ := p.URL(&adapter.Session{Token: "tok en", Endpoint: "wss://ws-api-spot.kucoin.com/"})
	assert.NotEqual(t, raw, again, "each connection gets its own connectId")
}

func TestKeepAlive(t *testing.T) {
	p, _ := New(adapter.MarketFutures, false)

	d, ping := p.KeepAlive(&adapter.Session{PingInterval: 30 * time.Second})
	assert.Equal(t, 30*time.Second, d)
	require.NotNil(t, ping)

	type pingFrame struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	var first, second pingFrame
	require.NoError(t, json.Unmarshal(ping(), &first))
	require.NoError(t, json.Unmarshal(ping(), &second))
	assert.Equal(t, "ping", first.Type)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID, "every ping carries its own id")

	d, _ = p.KeepAlive(nil)
	assert.Equal(t, 18*time.Second, d)
}

func TestSubscribe(t *testing.T) {
	type sub struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Topic    string `json:"topic"`
		Response bool   `json:"response"`
	}
	topics := func(frames [][]byte) []string {
		var out []string
		for _, f := range frames {
			var s sub
			require.NoError(t, json.Unmarshal(f, &s))
			assert.Equal(t, "subscribe", s.Type)
			assert.True(t, s.Response)
			assert.NotEmpty(t, s.ID)
			out = append(out, s.Topic)
		}
		return out
	}

	spot, _ := New(adapter.MarketSpot, true)
	frames, err := spot.Subscribe("BTCUSDT", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"/spotMarket/level2Depth50:BTC-USDT", "/market/match:BTC-USDT"}, topics(frames))

	fut, _ := New(adapter.MarketFutures, true)
	frames, err = fut.Subscribe("BTCUSDT", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"/contractMarket/level2Depth5:BTCUSDTM", "/contractMarket/execution:BTCUSDTM"}, topics(frames))

	fut, _ = New(adapter.MarketFutures, false)
	frames, err = fut.Subscribe("ETHUSDT", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"/contractMarket/level2Depth50:ETHUSDTM"}, topics(frames))
}

func TestDecode_Depth(t *testing.T) {
	p, _ := New(adapter.MarketSpot, false)
	msg := decode(t, p, `{"type":"message","topic":"/spotMarket/level2Depth5:BTC-USDT","subject":"level2",
		"data":{"asks":[["64001","0.5"],["64002","1"]],"bids":[["64000","2"]],"timestamp":1700000000000}}`)

	assert.Equal(t, adapter.MsgSnapshot, msg.Kind)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Time)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64000", Size: "2"}}, msg.Bids)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64001", Size: "0.5"}, {Price: "64002", Size: "1"}}, msg.Asks)

	// Futures depth carries ts instead of timestamp, and numeric sizes.
	p, _ = New(adapter.MarketFutures, false)
	msg = decode(t, p, `{"type":"message","topic":"/contractMarket/level2Depth5:BTCUSDTM",
		"data":{"asks":[["64001",12]],"bids":[["64000",3]],"ts":1700000000500}}`)
	assert.Equal(t, time.UnixMilli(1700000000500), msg.Time)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64001", Size: "12"}}, msg.Asks)
}

func TestDecode_Match(t *testing.T) {
	spot, _ := New(adapter.MarketSpot, true)
	msg := decode(t, spot, `{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match",
		"data":{"price":"64000.5","side":"sell","size":"0.01","symbol":"BTC-USDT","time":"1700000000123456789"}}`)
	require.Equal(t, adapter.MsgTrade, msg.Kind)
	assert.Equal(t, []adapter.TradeEvent{{Time: 1700000000123, Price: 64000.5, Quantity: 0.01, Side: adapter.Sell}}, msg.Trades)

	fut, _ := New(adapter.MarketFutures, true)
	msg = decode(t, fut, `{"type":"message","topic":"/contractMarket/execution:BTCUSDTM",
		"data":{"price":"64000","side":"buy","size":3,"symbol":"BTCUSDTM","ts":1700000000999000000}}`)
	assert.Equal(t, []adapter.TradeEvent{{Time: 1700000000999, Price: 64000, Quantity: 3, Side: adapter.Buy}}, msg.Trades)
}

func TestDecode_ControlFrames(t *testing.T) {
	p, _ := New(adapter.MarketSpot, false)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"id":"hQvf8jkno","type":"welcome"}`).Kind)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"id":"1","type":"ack"}`).Kind)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"id":"1","type":"pong"}`).Kind)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"type":"message","topic":"/market/ticker:BTC-USDT","data":{}}`).Kind)

	_, err := p.Decode(adapter.Frame{Data: []byte(`{"id":"1","type":"error","code":404,"data":"topic /foo is not found"}`)})
	assert.ErrorContains(t, err, "kucoin: server error")

	_, err = p.Decode(adapter.Frame{Data: []byte(`nope`)})
	assert.ErrorContains(t, err, "kucoin: invalid JSON")
}
