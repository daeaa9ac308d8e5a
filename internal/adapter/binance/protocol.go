// Package binance speaks the Binance partial-depth and trade streams.
package binance

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const (
	FuturesURL = "wss://fstream.binance.com/ws"
	SpotURL    = "wss://stream.binance.com:9443/ws"
)

// Stream names are lower-case concatenated symbols: btcusdt@depth20@100ms.
var symbols = adapter.SymbolFormat{Lower: true}

// subscribeMsg is the combined-stream SUBSCRIBE request.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// --- Raw wire types ---

// rawEnvelope carries both "e" and "E" so neither is folded onto the other.
type rawEnvelope struct {
	Event        string          `json:"e"`
	EventTime    int64           `json:"E"`
	LastUpdateID *int64          `json:"lastUpdateId"`
	Result       json.RawMessage `json:"result"`
	ID           json.RawMessage `json:"id"`
}

// rawFuturesDepth is a futures partial book ("depthUpdate" event on the
// @depthN stream). Each message is a full top-N book.
type rawFuturesDepth struct {
	Event     string                 `json:"e"`
	EventTime int64                  `json:"E"`
	TxTime    int64                  `json:"T"`
	Symbol    string                 `json:"s"`
	FirstID   int64                  `json:"U"`
	FinalID   int64                  `json:"u"`
	PrevID    int64                  `json:"pu"`
	Bids      [][]adapter.FlexString `json:"b"`
	Asks      [][]adapter.FlexString `json:"a"`
}

// rawSpotDepth is a spot partial book.
type rawSpotDepth struct {
	LastUpdateID int64                  `json:"lastUpdateId"`
	Bids         [][]adapter.FlexString `json:"bids"`
	Asks         [][]adapter.FlexString `json:"asks"`
}

type rawTrade struct {
	Event      string          `json:"e"`
	EventTime  int64           `json:"E"`
	TradeTime  int64           `json:"T"`
	Symbol     string          `json:"s"`
	TradeID    int64           `json:"t"`
	Price      string          `json:"p"`
	Quantity   string          `json:"q"`
	OrderType  string          `json:"X"`
	BuyerMaker bool            `json:"m"`
	Ignore     bool            `json:"M"`
	BuyerID    json.RawMessage `json:"b"`
	SellerID   json.RawMessage `json:"a"`
}

// Protocol implements adapter.Protocol for one Binance market.
type Protocol struct {
	market adapter.Market
	url    string
	trades bool
}

// New returns the protocol for market. An empty url selects the public
// endpoint. With trades set the trade stream is subscribed alongside depth.
func New(market adapter.Market, url string, trades bool) (*Protocol, error) {
	switch market {
	case adapter.MarketFutures:
		if url == "" {
			url = FuturesURL
		}
	case adapter.MarketSpot:
		if url == "" {
			url = SpotURL
		}
	default:
		return nil, fmt.Errorf("binance: %w: %q", adapter.ErrUnsupportedMarket, market)
	}
	return &Protocol{market: market, url: url, trades: trades}, nil
}

func (p *Protocol) Exchange() adapter.Exchange           { return adapter.ExchangeBinance }
func (p *Protocol) Market() adapter.Market               { return p.market }
func (p *Protocol) NeedsSession() bool                   { return false }
func (p *Protocol) Symbols() adapter.SymbolFormat        { return symbols }
func (p *Protocol) URL(*adapter.Session) (string, error) { return p.url, nil }

// KeepAlive is a no-op: Binance sends websocket pings and the client answers
// them at the frame level.
func (p *Protocol) KeepAlive(*adapter.Session) (time.Duration, func() []byte) { return 0, nil }

// Subscribe asks for the smallest partial-depth stream covering depth.
func (p *Protocol) Subscribe(symbol string, depth int) ([][]byte, error) {
	s, err := symbols.Format(symbol)
	if err != nil {
		return nil, err
	}
	params := []string{fmt.Sprintf("%s@depth%d@100ms", s, streamDepth(depth))}
	if p.trades {
		params = append(params, s+"@trade")
	}
	msg, err := json.Marshal(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func streamDepth(depth int) int {
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
		return adapter.Message{}, fmt.Errorf("binance: invalid JSON: %w", err)
	}

	switch {
	case env.Event == "depthUpdate":
		return decodeFuturesDepth(f.Data)
	case env.Event == "trade":
		return decodeTrade(f.Data)
	case env.Event == "" && env.LastUpdateID != nil:
		return decodeSpotDepth(f.Data)
	default:
		// Subscription acks ({"result":null,"id":1}) and other events.
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	}
}

func decodeFuturesDepth(data []byte) (adapter.Message, error) {
	var ev rawFuturesDepth
	if err := json.Unmarshal(data, &ev); err != nil {
		return adapter.Message{}, fmt.Errorf("binance: depth: %w", err)
	}
	bids, err := adapter.Levels(ev.Bids)
	if err != nil {
		return adapter.Message{}, err
	}
	asks, err := adapter.Levels(ev.Asks)
	if err != nil {
		return adapter.Message{}, err
	}
	ts := ev.TxTime
	if ts == 0 {
		ts = ev.EventTime
	}
	return adapter.Message{
		Kind: adapter.MsgSnapshot,
		Bids: bids,
		Asks: asks,
		Seq:  ev.FinalID,
		Time: time.UnixMilli(ts),
	}, nil
}

func decodeSpotDepth(data []byte) (adapter.Message, error) {
	var ev rawSpotDepth
	if err := json.Unmarshal(data, &ev); err != nil {
		return adapter.Message{}, fmt.Errorf("binance: depth: %w", err)
	}
	bids, err := adapter.Levels(ev.Bids)
	if err != nil {
		return adapter.Message{}, err
	}
	asks, err := adapter.Levels(ev.Asks)
	if err != nil {
		return adapter.Message{}, err
	}
	return adapter.Message{
		Kind: adapter.MsgSnapshot,
		Bids: bids,
		Asks: asks,
		Seq:  ev.LastUpdateID,
	}, nil
}

// decodeTrade maps the buyer-is-maker flag to the aggressor side: a maker
// buyer means the taker sold.
func decodeTrade(data []byte) (adapter.Message, error) {
	var ev rawTrade
	if err := json.Unmarshal(data, &ev); err != nil {
		return adapter.Message{}, fmt.Errorf("binance: trade: %w", err)
	}
	side := adapter.Buy
	if ev.BuyerMaker {
		side = adapter.Sell
	}
	return adapter.Message{
		Kind: adapter.MsgTrade,
		Trades: []adapter.TradeEvent{{
			Time:     ev.TradeTime,
			Price:    adapter.ParseFloat(ev.Price),
			Quantity: adapter.ParseFloat(ev.Quantity),
			Side:     side,
		}},
	}, nil
}
