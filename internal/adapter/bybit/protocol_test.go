package bybit

import (
	"testing"
	"time"

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

func TestSubscribe(t *testing.T) {
	p, err := New(adapter.MarketFutures, "", false)
	require.NoError(t, err)

	frames, err := p.Subscribe("BTCUSDT", 20)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"op":"subscribe","args":["orderbook.50.BTCUSDT"]}`, string(frames[0]))

	p, _ = New(adapter.MarketSpot, "", true)
	frames, err = p.Subscribe("PUMPUSDT", 51)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"subscribe","args":["orderbook.200.PUMPUSDT","publicTrade.PUMPUSDT"]}`, string(frames[0]))
}

func TestEndpoints(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", false)
	u, _ := p.URL(nil)
	assert.Equal(t, LinearURL, u)

	p, _ = New(adapter.MarketSpot, "", false)
	u, _ = p.URL(nil)
	assert.Equal(t, SpotURL, u)

	_, err := New(adapter.Market("inverse"), "", false)
	assert.ErrorIs(t, err, adapter.ErrUnsupportedMarket)
}

func TestKeepAlive(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", false)
	d, ping := p.KeepAlive(nil)
	assert.Equal(t, 20*time.Second, d)
	require.NotNil(t, ping)
	assert.JSONEq(t, `{"op":"ping"}`, string(ping()))
}

func TestDecode_SnapshotAndDelta(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", false)

	msg := decode(t, p, `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,
		"data":{"s":"BTCUSDT","b":[["64000.5","2"]],"a":[["64001","1.25"]],"u":18521288,"seq":7961638724}}`)
	assert.Equal(t, adapter.MsgSnapshot, msg.Kind)
	assert.Equal(t, int64(18521288), msg.Seq)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Time)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64000.5", Size: "2"}}, msg.Bids)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64001", Size: "1.25"}}, msg.Asks)

	msg = decode(t, p, `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000000100,
		"data":{"s":"BTCUSDT","b":[["64000.5","0"]],"a":[],"u":18521289}}`)
	assert.Equal(t, adapter.MsgDelta, msg.Kind)
	assert.Equal(t, []adapter.PriceLevel{{Price: "64000.5", Size: "0"}}, msg.Bids)
	assert.Empty(t, msg.Asks)
}

func TestDecode_DeltaWithFirstUpdateIsSnapshot(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", false)
	msg := decode(t, p, `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1,
		"data":{"s":"BTCUSDT","b":[["1","1"]],"a":[["2","1"]],"u":1}}`)
	assert.Equal(t, adapter.MsgSnapshot, msg.Kind)
}

func TestDecode_Trades(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", true)
	msg := decode(t, p, `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000500,"data":[
		{"T":1700000000499,"s":"BTCUSDT","S":"Buy","v":"0.001","p":"64000.5","L":"PlusTick","i":"a1","BT":false},
		{"T":1700000000500,"s":"BTCUSDT","S":"Sell","v":"0.5","p":"64000","L":"MinusTick","i":"a2","BT":false}]}`)

	require.Equal(t, adapter.MsgTrade, msg.Kind)
	assert.Equal(t, []adapter.TradeEvent{
		{Time: 1700000000499, Price: 64000.5, Quantity: 0.001, Side: adapter.Buy},
		{Time: 1700000000500, Price: 64000, Quantity: 0.5, Side: adapter.Sell},
	}, msg.Trades)
}

func TestDecode_IgnoresControlFrames(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", false)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"success":true,"ret_msg":"","op":"subscribe","conn_id":"x"}`).Kind)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"success":true,"ret_msg":"pong","op":"ping"}`).Kind)
	assert.Equal(t, adapter.MsgIgnore, decode(t, p, `{"topic":"tickers.BTCUSDT","data":{}}`).Kind)
}

func TestDecode_Errors(t *testing.T) {
	p, _ := New(adapter.MarketFutures, "", false)

	_, err := p.Decode(adapter.Frame{Data: []byte(`]`)})
	assert.ErrorContains(t, err, "bybit: invalid JSON")

	_, err = p.Decode(adapter.Frame{Data: []byte(`{"topic":"orderbook.50.BTCUSDT","type":"weird","data":{"u":5}}`)})
	assert.ErrorContains(t, err, "unknown book type")
}
