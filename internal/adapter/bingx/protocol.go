// Package bingx speaks the BingX market sockets. Every server frame is
// gzip-compressed.
package bingx

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const (
	SwapURL = "wss://open-api-swap.bingx.com/swap-market"
	SpotURL = "wss://open-api-ws.bingx.com/market"

	maxFrame = 4 << 20
)

// BingX pairs are dash separated: BTC-USDT.
var symbols = adapter.SymbolFormat{Sep: "-"}

type subscribeMsg struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	ID       string          `json:"id"`
	Code     int             `json:"code"`
	Msg      string          `json:"msg"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
	TS       int64           `json:"ts"`
	Ping     string          `json:"ping"`
	Time     string          `json:"time"`
}

type rawDepth struct {
	Bids [][]adapter.FlexString `json:"bids"`
	Asks [][]adapter.FlexString `json:"asks"`
}

type rawTrade struct {
	Event      string             `json:"e"`
	EventTime  int64              `json:"E"`
	Symbol     string             `json:"s"`
	TradeID    json.RawMessage    `json:"t"`
	Price      adapter.FlexString `json:"p"`
	Quantity   adapter.FlexString `json:"q"`
	TradeTime  int64              `json:"T"`
	BuyerMaker bool               `json:"m"`
}

type pongMsg struct {
	Pong string `json:"pong"`
	Time string `json:"time"`
}

// Protocol implements adapter.Protocol for one BingX market.
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
			url = SwapURL
		}
	case adapter.MarketSpot:
		if url == "" {
			url = SpotURL
		}
	default:
		return nil, fmt.Errorf("bingx: %w: %q", adapter.ErrUnsupportedMarket, market)
	}
	return &Protocol{market: market, url: url, trades: trades}, nil
}

func (p *Protocol) Exchange() adapter.Exchange           { return adapter.ExchangeBingX }
func (p *Protocol) Market() adapter.Market               { return p.market }
func (p *Protocol) NeedsSession() bool                   { return false }
func (p *Protocol) Symbols() adapter.SymbolFormat        { return symbols }
func (p *Protocol) URL(*adapter.Session) (string, error) { return p.url, nil }

// KeepAlive is server driven: BingX sends Ping and expects Pong.
func (p *Protocol) KeepAlive(*adapter.Session) (time.Duration, func() []byte) { return 0, nil }

func (p *Protocol) Subscribe(symbol string, depth int) ([][]byte, error) {
	s, err := symbols.Format(symbol)
	if err != nil {
		return nil, err
	}
	types := []string{fmt.Sprintf("%s@depth%d@500ms", s, bookDepth(depth))}
	if p.trades {
		types = append(types, s+"@trade")
	}
	out := make([][]byte, 0, len(types))
	for _, dt := range types {
		msg, err := json.Marshal(subscribeMsg{ID: uuid.NewString(), ReqType: "sub", DataType: dt})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func bookDepth(depth int) int {
	for _, n := range []int{5, 10, 20, 50} {
		if depth <= n {
			return n
		}
	}
	return 100
}

// Inflate returns the frame payload, gunzipped when it carries the gzip
// magic bytes.
func Inflate(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bingx: gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxFrame))
	if err != nil {
		return nil, fmt.Errorf("bingx: gzip: %w", err)
	}
	return out, nil
}

func (p *Protocol) Decode(f adapter.Frame) (adapter.Message, error) {
	data, err := Inflate(f.Data)
	if err != nil {
		return adapter.Message{}, err
	}
	data = bytes.TrimSpace(data)

	if string(data) == "Ping" {
		return adapter.Message{Kind: adapter.MsgPing, Reply: []byte("Pong"), ReplyType: websocket.TextMessage}, nil
	}

	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return adapter.Message{}, fmt.Errorf("bingx: invalid JSON: %w", err)
	}

	switch {
	case env.Ping != "":
		reply, err := json.Marshal(pongMsg{Pong: env.Ping, Time: env.Time})
		if err != nil {
			return adapter.Message{}, err
		}
		return adapter.Message{Kind: adapter.MsgPing, Reply: reply, ReplyType: websocket.TextMessage}, nil
	case env.Code != 0:
		return adapter.Message{}, fmt.Errorf("bingx: code %d: %s", env.Code, env.Msg)
	case len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")):
		// Subscription acks.
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	case strings.Contains(env.DataType, "@depth"):
		return decodeDepth(env)
	case strings.HasSuffix(env.DataType, "@trade"):
		return decodeTrades(env)
	default:
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	}
}

func decodeDepth(env rawEnvelope) (adapter.Message, error) {
	var d rawDepth
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return adapter.Message{}, fmt.Errorf("bingx: depth: %w", err)
	}
	bids, err := adapter.Levels(d.Bids)
	if err != nil {
		return adapter.Message{}, err
	}
	asks, err := adapter.Levels(d.Asks)
	if err != nil {
		return adapter.Message{}, err
	}
	msg := adapter.Message{Kind: adapter.MsgSnapshot, Bids: bids, Asks: asks}
	if env.TS > 0 {
		msg.Time = time.UnixMilli(env.TS)
	}
	return msg, nil
}

// decodeTrades accepts the swap form (an array) and the spot form (a single
// object).
func decodeTrades(env rawEnvelope) (adapter.Message, error) {
	var raw []rawTrade
	if bytes.HasPrefix(bytes.TrimSpace(env.Data), []byte("[")) {
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return adapter.Message{}, fmt.Errorf("bingx: trade: %w", err)
		}
	} else {
		var one rawTrade
		if err := json.Unmarshal(env.Data, &one); err != nil {
			return adapter.Message{}, fmt.Errorf("bingx: trade: %w", err)
		}
		raw = append(raw, one)
	}

	trades := make([]adapter.TradeEvent, 0, len(raw))
	for _, t := range raw {
		side := adapter.Buy
		if t.BuyerMaker {
			side = adapter.Sell
		}
		trades = append(trades, adapter.TradeEvent{
			Time:     t.TradeTime,
			Price:    adapter.ParseFloat(string(t.Price)),
			Quantity: adapter.ParseFloat(string(t.Quantity)),
			Side:     side,
		})
	}
	return adapter.Message{Kind: adapter.MsgTrade, Trades: trades}, nil
}
