// Package bybit speaks the Bybit v5 public order book and trade topics.
package bybit

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const (
	LinearURL = "wss://stream.bybit.com/v5/public/linear"
	SpotURL   = "wss://stream.bybit.com/v5/public/spot"

	pingInterval = 20 * time.Second
)

// Bybit uses the canonical concatenated form.
var symbols = adapter.SymbolFormat{}

var pingMsg = []byte(`{"op":"ping"}`)

type subscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type rawBook struct {
	Symbol   string                 `json:"s"`
	Bids     [][]adapter.FlexString `json:"b"`
	Asks     [][]adapter.FlexString `json:"a"`
	UpdateID int64                  `json:"u"`
	Seq      int64                  `json:"seq"`
}

type rawTrade struct {
	Time       int64  `json:"T"`
	Symbol     string `json:"s"`
	Side       string `json:"S"`
	Volume     string `json:"v"`
	Price      string `json:"p"`
	Direction  string `json:"L"`
	TradeID    string `json:"i"`
	BlockTrade bool   `json:"BT"`
}

// Protocol implements adapter.Protocol for one Bybit market.
type Protocol struct {
	market adapter.Market
	url    string
	trades bool
}

// New returns the protocol for market. An empty url selects the public
// endpoint.
func New(market adapter.Market, url string, trades bool) (*Protocol, error) {
	switch market {
	case adapter.MarketFutures:
		if url == "" {
			url = LinearURL
		}
	case adapter.MarketSpot:
		if url == "" {
			url = SpotURL
		}
	default:
		return nil, fmt.Errorf("bybit: %w: %q", adapter.ErrUnsupportedMarket, market)
	}
	return &Protocol{market: market, url: url, trades: trades}, nil
}

func (p *Protocol) Exchange() adapter.Exchange           { return adapter.ExchangeBybit }
func (p *Protocol) Market() adapter.Market               { return p.market }
func (p *Protocol) NeedsSession() bool                   { return false }
func (p *Protocol) Symbols() adapter.SymbolFormat        { return symbols }
func (p *Protocol) URL(*adapter.Session) (string, error) { return p.url, nil }

// KeepAlive sends {"op":"ping"} every 20s; Bybit drops silent clients.
func (p *Protocol) KeepAlive(*adapter.Session) (time.Duration, func() []byte) {
	return pingInterval, func() []byte { return pingMsg }
}

func (p *Protocol) Subscribe(symbol string, depth int) ([][]byte, error) {
	s, err := symbols.Format(symbol)
	if err != nil {
		return nil, err
	}
	args := []string{fmt.Sprintf("orderbook.%d.%s", bookDepth(depth), s)}
	if p.trades {
		args = append(args, "publicTrade."+s)
	}
	msg, err := json.Marshal(subscribeMsg{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func bookDepth(depth int) int {
	if depth <= 50 {
		return 50
	}
	return 200
}

func (p *Protocol) Decode(f adapter.Frame) (adapter.Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return adapter.Message{}, fmt.Errorf("bybit: invalid JSON: %w", err)
	}

	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		return decodeBook(env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return decodeTrades(env)
	default:
		// Subscribe acks and pongs.
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	}
}

// decodeBook maps snapshot and delta messages. A delta carrying u=1 means
// Bybit restarted the book and must be treated as a snapshot.
func decodeBook(env rawEnvelope) (adapter.Message, error) {
	var b rawBook
	if err := json.Unmarshal(env.Data, &b); err != nil {
		return adapter.Message{}, fmt.Errorf("bybit: orderbook: %w", err)
	}
	bids, err := adapter.Levels(b.Bids)
	if err != nil {
		return adapter.Message{}, err
	}
	asks, err := adapter.Levels(b.Asks)
	if err != nil {
		return adapter.Message{}, err
	}

	msg := adapter.Message{
		Bids: bids,
		Asks: asks,
		Seq:  b.UpdateID,
		Time: time.UnixMilli(env.TS),
	}
	switch {
	case env.Type == "snapshot" || b.UpdateID == 1:
		msg.Kind = adapter.MsgSnapshot
	case env.Type == "delta":
		msg.Kind = adapter.MsgDelta
	default:
		return adapter.Message{}, fmt.Errorf("bybit: unknown book type %q", env.Type)
	}
	return msg, nil
}

func decodeTrades(env rawEnvelope) (adapter.Message, error) {
	var raw []rawTrade
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return adapter.Message{}, fmt.Errorf("bybit: trade: %w", err)
	}
	trades := make([]adapter.TradeEvent, 0, len(raw))
	for _, t := range raw {
		side := adapter.Buy
		if t.Side == "Sell" {
			side = adapter.Sell
		}
		trades = append(trades, adapter.TradeEvent{
			Time:     t.Time,
			Price:    adapter.ParseFloat(t.Price),
			Quantity: adapter.ParseFloat(t.Volume),
			Side:     side,
		})
	}
	return adapter.Message{Kind: adapter.MsgTrade, Trades: trades}, nil
}
