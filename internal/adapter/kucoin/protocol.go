// Package kucoin acquires KuCoin bullet sessions and speaks the level2
// depth and match topics over the session's socket.
package kucoin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const defaultPingInterval = 18 * time.Second

var (
	// Spot pairs are dash separated: BTC-USDT.
	spotSymbols = adapter.SymbolFormat{Sep: "-"}
	// Perpetuals append M: BTCUSDTM.
	futuresSymbols = adapter.SymbolFormat{Suffix: "M"}
)

type subscribeMsg struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

type pingMsg struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
	Code    json.RawMessage `json:"code"`
}

type rawDepth struct {
	Bids      [][]adapter.FlexString `json:"bids"`
	Asks      [][]adapter.FlexString `json:"asks"`
	Timestamp int64                  `json:"timestamp"`
	TS        int64                  `json:"ts"`
}

// rawMatch covers both the spot match and the futures execution payloads.
// Futures report ts in nanoseconds; spot reports time as a nanosecond string.
type rawMatch struct {
	Price adapter.FlexString `json:"price"`
	Size  adapter.FlexString `json:"size"`
	Side  string             `json:"side"`
	TS    int64              `json:"ts"`
	Time  adapter.FlexString `json:"time"`
}

// Protocol implements adapter.Protocol for one KuCoin market.
type Protocol struct {
	market  adapter.Market
	symbols adapter.SymbolFormat
	trades  bool
}

// New returns the protocol for market.
func New(market adapter.Market, trades bool) (*Protocol, error) {
	switch market {
	case adapter.MarketSpot:
		return &Protocol{market: market, symbols: spotSymbols, trades: trades}, nil
	case adapter.MarketFutures:
		return &Protocol{market: market, symbols: futuresSymbols, trades: trades}, nil
	default:
		return nil, fmt.Errorf("kucoin: %w: %q", adapter.ErrUnsupportedMarket, market)
	}
}

func (p *Protocol) Exchange() adapter.Exchange    { return adapter.ExchangeKuCoin }
func (p *Protocol) Market() adapter.Market        { return p.market }
func (p *Protocol) NeedsSession() bool            { return true }
func (p *Protocol) Symbols() adapter.SymbolFormat { return p.symbols }

// URL appends the token and a fresh connectId to the session endpoint.
func (p *Protocol) URL(sess *adapter.Session) (string, error) {
	if sess == nil || sess.Token == "" || sess.Endpoint == "" {
		return "", fmt.Errorf("kucoin: incomplete session")
	}
	u, err := url.Parse(sess.Endpoint)
	if err != nil {
		return "", fmt.Errorf("kucoin: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", sess.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// KeepAlive pings at the interval the session advertised, with a fresh id
// on every ping.
func (p *Protocol) KeepAlive(sess *adapter.Session) (time.Duration, func() []byte) {
	interval := defaultPingInterval
	if sess != nil && sess.PingInterval > 0 {
		interval = sess.PingInterval
	}
	return interval, func() []byte {
		msg, _ := json.Marshal(pingMsg{ID: uuid.NewString(), Type: "ping"})
		return msg
	}
}

func (p *Protocol) depthTopic(s string, depth int) string {
	n := 50
	if depth <= 5 {
		n = 5
	}
	if p.market == adapter.MarketSpot {
		return fmt.Sprintf("/spotMarket/level2Depth%d:%s", n, s)
	}
	return fmt.Sprintf("/contractMarket/level2Depth%d:%s", n, s)
}

func (p *Protocol) tradeTopic(s string) string {
	if p.market == adapter.MarketSpot {
		return "/market/match:" + s
	}
	return "/contractMarket/execution:" + s
}

func (p *Protocol) Subscribe(symbol string, depth int) ([][]byte, error) {
	s, err := p.symbols.Format(symbol)
	if err != nil {
		return nil, err
	}
	topics := []string{p.depthTopic(s, depth)}
	if p.trades {
		topics = append(topics, p.tradeTopic(s))
	}
	out := make([][]byte, 0, len(topics))
	for _, t := range topics {
		msg, err := json.Marshal(subscribeMsg{
			ID:       uuid.NewString(),
			Type:     "subscribe",
			Topic:    t,
			Response: true,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (p *Protocol) Decode(f adapter.Frame) (adapter.Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return adapter.Message{}, fmt.Errorf("kucoin: invalid JSON: %w", err)
	}

	switch env.Type {
	case "message":
	case "error":
		return adapter.Message{}, fmt.Errorf("kucoin: server error: %s", env.Data)
	default:
		// welcome, ack, pong
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	}

	switch {
	case strings.Contains(env.Topic, "/level2Depth"):
		return decodeDepth(env.Data)
	case strings.HasPrefix(env.Topic, "/market/match:"),
		strings.HasPrefix(env.Topic, "/contractMarket/execution:"):
		return decodeMatch(env.Data)
	default:
		return adapter.Message{Kind: adapter.MsgIgnore}, nil
	}
}

// decodeDepth handles level2DepthN pushes, which are always a full top-N
// book.
func decodeDepth(data []byte) (adapter.Message, error) {
	var d rawDepth
	if err := json.Unmarshal(data, &d); err != nil {
		return adapter.Message{}, fmt.Errorf("kucoin: depth: %w", err)
	}
	bids, err := adapter.Levels(d.Bids)
	if err != nil {
		return adapter.Message{}, err
	}
	asks, err := adapter.Levels(d.Asks)
	if err != nil {
		return adapter.Message{}, err
	}
	ts := d.Timestamp
	if ts == 0 {
		ts = d.TS
	}
	msg := adapter.Message{Kind: adapter.MsgSnapshot, Bids: bids, Asks: asks}
	if ts > 0 {
		msg.Time = time.UnixMilli(ts)
	}
	return msg, nil
}

func decodeMatch(data []byte) (adapter.Message, error) {
	var m rawMatch
	if err := json.Unmarshal(data, &m); err != nil {
		return adapter.Message{}, fmt.Errorf("kucoin: match: %w", err)
	}
	side := adapter.Buy
	if m.Side == "sell" {
		side = adapter.Sell
	}
	ns := m.TS
	if ns == 0 {
		ns, _ = strconv.ParseInt(string(m.Time), 10, 64)
	}
	return adapter.Message{
		Kind: adapter.MsgTrade,
		Trades: []adapter.TradeEvent{{
			Time:     ns / int64(time.Millisecond),
			Price:    adapter.ParseFloat(string(m.Price)),
			Quantity: adapter.ParseFloat(string(m.Size)),
			Side:     side,
		}},
	}, nil
}
