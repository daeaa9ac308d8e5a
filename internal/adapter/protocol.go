package adapter

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// MessageKind tags the variant held by a Message.
type MessageKind uint8

const (
	// MsgIgnore covers acks, welcomes and channels we do not consume.
	MsgIgnore MessageKind = iota
	// MsgSnapshot replaces the whole book.
	MsgSnapshot
	// MsgDelta is applied on top of the last snapshot.
	MsgDelta
	// MsgTrade carries one or more executed trades.
	MsgTrade
	// MsgPing is a server keepalive that must be answered with Reply.
	MsgPing
)

func (k MessageKind) String() string {
	switch k {
	case MsgIgnore:
		return "ignore"
	case MsgSnapshot:
		return "snapshot"
	case MsgDelta:
		return "delta"
	case MsgTrade:
		return "trade"
	case MsgPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Message is the decoded form of one upstream frame. Only the fields that
// belong to Kind are set.
type Message struct {
	Kind MessageKind

	// Snapshot / delta.
	Bids []PriceLevel
	Asks []PriceLevel
	Seq  int64
	Time time.Time

	// Trade.
	Trades []TradeEvent

	// Ping: the frame to send back, and its websocket frame type.
	Reply     []byte
	ReplyType int
}

// Protocol speaks one exchange's wire format for one market. Implementations
// are stateless; everything they need arrives as arguments.
type Protocol interface {
	Exchange() Exchange
	Market() Market

	// NeedsSession reports whether URL requires a Session.
	NeedsSession() bool

	// URL returns the socket endpoint. sess is nil unless NeedsSession.
	URL(sess *Session) (string, error)

	// Subscribe returns the frames to send once the socket is open.
	Subscribe(symbol string, depth int) ([][]byte, error)

	// KeepAlive returns the client ping interval and a builder called once
	// per tick for the payload. A zero interval means the exchange pings us
	// instead.
	KeepAlive(sess *Session) (time.Duration, func() []byte)

	// Decode parses one inbound frame.
	Decode(f Frame) (Message, error)

	// Symbols returns the exchange's spelling rules, used by Subscribe and
	// by the REST pass-through.
	Symbols() SymbolFormat
}

// FlexString decodes a JSON string or number into its literal text, so
// exchanges that send prices as bare numbers keep their exact digits.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("flexstring: %s is not a number", b)
	}
	*f = FlexString(b)
	return nil
}

// Levels converts [[price, size, ...], ...] rows into PriceLevels. Extra
// columns (order count, etc.) are ignored; short rows are an error.
func Levels(rows [][]FlexString) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("%w: row has %d columns", ErrBadLevel, len(r))
		}
		out = append(out, PriceLevel{Price: string(r[0]), Size: string(r[1])})
	}
	return out, nil
}

// ParseFloat parses a decimal string for display arithmetic only.
func ParseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
