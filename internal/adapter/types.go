package adapter

import (
	"errors"
	"fmt"
	"time"
)

// Exchange identifies the source of market data.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeKuCoin  Exchange = "kucoin"
	ExchangeBingX   Exchange = "bingx"
	ExchangeMEXC    Exchange = "mexc"
	ExchangeBybit   Exchange = "bybit"
)

// Market selects the product family on an exchange.
type Market string

const (
	MarketSpot    Market = "spot"
	MarketFutures Market = "futures"
)

// ParseMarket accepts the market names used by the REST surface.
func ParseMarket(s string) (Market, error) {
	switch Market(s) {
	case MarketSpot, MarketFutures:
		return Market(s), nil
	case "":
		return MarketFutures, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMarket, s)
	}
}

var (
	ErrUnknownExchange   = errors.New("unknown exchange")
	ErrUnsupportedMarket = errors.New("unsupported market")
)

// PriceLevel represents a single bid or ask at a given price. Both fields
// keep the exchange's decimal string so no precision is lost in transit.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookUpdate is the canonical, depth-capped order book emitted after every
// applied snapshot or delta. Bids are sorted high→low, asks low→high.
type BookUpdate struct {
	Exchange  Exchange     `json:"exchange"`
	Market    Market       `json:"market"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Seq       int64        `json:"seq,omitempty"`
	Timestamp time.Time    `json:"ts"`
}

// Side is the aggressor side of a trade.
type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TradeEvent is a single executed trade. Values are immutable once built.
type TradeEvent struct {
	Time     int64   `json:"time"` // epoch ms
	Price    float64 `json:"price"`
	Quantity float64 `json:"qty"`
	Side     Side    `json:"side"`
}

// EventKind tags the payload carried by an Event.
type EventKind uint8

const (
	EventBook EventKind = iota + 1
	EventTrade
)

// Event is what a feed hands to its consumers.
type Event struct {
	Kind  EventKind
	Key   FeedKey
	Book  BookUpdate
	Trade TradeEvent
}

// FeedKey identifies one (exchange, market, symbol) feed. Symbol is in the
// canonical form, e.g. PUMPUSDT.
type FeedKey struct {
	Exchange Exchange
	Market   Market
	Symbol   string
}

func (k FeedKey) String() string {
	return string(k.Exchange) + "/" + string(k.Market) + "/" + k.Symbol
}

// ConnState is the lifecycle state of a supervised feed.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Subscribing
	Live
	Closing
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is a short-lived credential plus endpoint required by exchanges
// that gate their public socket behind a REST call.
type Session struct {
	Token        string
	Endpoint     string
	IssuedAt     time.Time
	TTL          time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// ExpiresAt returns the end of the session's validity window.
func (s *Session) ExpiresAt() time.Time { return s.IssuedAt.Add(s.TTL) }

// SessionAcquisitionError reports a failed credential request.
type SessionAcquisitionError struct {
	Market Market
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *SessionAcquisitionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("session acquisition (%s): status %d: %v", e.Market, e.Status, e.Err)
	}
	return fmt.Sprintf("session acquisition (%s): %v", e.Market, e.Err)
}

func (e *SessionAcquisitionError) Unwrap() error { return e.Err }
