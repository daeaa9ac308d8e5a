// Package mexc speaks the MEXC contract (perpetual) socket and depth REST
// endpoint.
package mexc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const (
	ContractURL = "wss://contract.mexc.com/ws"

	pingInterval = 20 * time.Second
)

// Contract symbols are underscore separated: BTC_USDT.
var symbols = adapter.SymbolFormat{Sep: "_"}

var pingMsg = []byte(`{"method":"ping"}`)

type subscribeMsg struct {
	Method string `json:"method"`
	Param  any    `json:"param"`
}

type depthParam struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

type dealParam struct {
	Symbol string `json:"symbol"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
	TS      int64           `json:"ts"`
}

type rawDepth struct {
	Asks    [][]adapter.FlexString `json:"asks"`
	Bids    [][]adapter.FlexString `json:"bids"`
	Version int64                  `json:"version"`
}

// rawDeal is one contract trade. T is 1 for buy and 2 for sell.
type rawDeal struct {
	Price  adapter.FlexString `json:"p"`
	Volume adapter.FlexString `json:"v"`
	Side   int                `json:"T"`
	Time   int64              `json:"t"`
	Open   int                `json:"O"`
	Self   int                `json:"M"`
}

// Protocol implements adapter.Protocol for MEXC perpetuals.
type Protocol struct {
	url    string
	trades bool
}

// New returns the protocol for market. Only futures are supported; the spot
// socket speaks protobuf.
func New(market adapter.Market, url string, trades bool) (*Protocol, error) {
	if market != adapter.MarketFutures {
		return nil, fmt.Errorf("mexc: %w: %q", adapter.ErrUnsupportedMarket, market)
	}
	if url == "" {
		url = ContractURL
	}
	return &Protocol{url: url, trades: trades}, nil
}

func (p *Protocol) Exchange() adapter.Exchange           { return adapter.ExchangeMEXC }
func (p *Protocol) Market() adapter.Market               { return adapter.MarketFutures }
func (p *Protocol) NeedsSession() bool                   { return false }
func (p *Protocol) Symbols() adapter.SymbolFormat        { return symbols }
func (p *Protocol) URL(*adapter.Session) (string, error) { return p.url, nil }

// KeepAlive sends {"method":"ping"} every 20s.
func (p *Protocol) KeepAlive(*adapter.Session) (time.Duration, func() []byte) {
	return pingInterval, func() []byte { return pingMsg }
}

func (p *Protocol) Subscribe(symbol string, depth int) ([][]byte, error) {
	s, err := symbols.Format(symbol)
	if err != nil {
		return nil, err
	}
	msgs := []subscribeMsg{{Method: "sub.depth.full", Param: depthParam{Symbol: s, Limit: bookDepth(depth)}}}
	if p.trades {
		msgs = append(msgs, subscribeMsg{Method: "sub.deal", Param: dealParam{Symbol: s}})
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func bookDepth(depth int) int {
	switch {
	case depth <= 5:
		return 5
	case depth <= 10:
		return 10
	default:
		return 20
	}
}

func (p *Protocol) Decode(f adapter.Frame) (adapter.Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return adapter.Message{}, fmt.Errorf("mexc: invalid JSON: %w", err)
	}

	switch env.Channel {
	case "push.depth.full":
		return decodeDepth(env, adapter.MsgSnapshot)
	case "push.depth":
		return decodeDepth(env, adapter.MsgDelta)
	case "push.deal":
		return decodeDeals(env)
	case "rs.error":
		return adapter.Message{}, fmt.Errorf("mexc: server error: %s", env.Data)
	default:
		// pong, rs.sub.* acks
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	}
}

func decodeDepth(env rawEnvelope, kind adapter.MessageKind) (adapter.Message, error) {
	var d rawDepth
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return adapter.Message{}, fmt.Errorf("mexc: depth: %w", err)
	}
	bids, err := adapter.Levels(d.Bids)
	if err != nil {
		return adapter.Message{}, err
	}
	asks, err := adapter.Levels(d.Asks)
	if err != nil {
		return adapter.Message{}, err
	}
	msg := adapter.Message{Kind: kind, Bids: bids, Asks: asks, Seq: d.Version}
	if env.TS > 0 {
		msg.Time = time.UnixMilli(env.TS)
	}
	return msg, nil
}

// decodeDeals accepts a single deal object or an array of them.
func decodeDeals(env rawEnvelope) (adapter.Message, error) {
	var raw []rawDeal
	if bytes.HasPrefix(bytes.TrimSpace(env.Data), []byte("[")) {
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return adapter.Message{}, fmt.Errorf("mexc: deal: %w", err)
		}
	} else {
		var one rawDeal
		if err := json.Unmarshal(env.Data, &one); err != nil {
			return adapter.Message{}, fmt.Errorf("mexc: deal: %w", err)
		}
		raw = append(raw, one)
	}

	trades := make([]adapter.TradeEvent, 0, len(raw))
	for _, d := range raw {
		side := adapter.Buy
		if d.Side == 2 {
			side = adapter.Sell
		}
		trades = append(trades, adapter.TradeEvent{
			Time:     d.Time,
			Price:    adapter.ParseFloat(string(d.Price)),
			Quantity: adapter.ParseFloat(string(d.Volume)),
			Side:     side,
		})
	}
	return adapter.Message{Kind: adapter.MsgTrade, Trades: trades}, nil
}
