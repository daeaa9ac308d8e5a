package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/depthrelay/depthrelay/internal/adapter"
	"github.com/depthrelay/depthrelay/internal/candle"
	"github.com/depthrelay/depthrelay/internal/exchanges"
	"github.com/depthrelay/depthrelay/internal/view"
)

const streamWriteTimeout = 10 * time.Second

type bookFrame struct {
	Type string `json:"type"`
	view.View
}

type tradeFrame struct {
	Type string `json:"type"`
	adapter.TradeEvent
}

type candleFrame struct {
	Type   string          `json:"type"`
	Candle candle.Candle   `json:"candle"`
	EMA    map[int]float64 `json:"ema"`
}

type streamParams struct {
	key      adapter.FeedKey
	depth    int
	interval time.Duration
}

func (s *Server) parseStreamParams(r *http.Request) (streamParams, error) {
	q := r.URL.Query()
	key, err := exchanges.NewKey(q.Get("exchange"), q.Get("market"), q.Get("symbol"))
	if err != nil {
		return streamParams{}, err
	}
	p := streamParams{key: key, depth: s.book.Depth}
	if raw := q.Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d <= 0 {
			return streamParams{}, fmt.Errorf("depth must be a positive integer, got %q", raw)
		}
		p.depth = d
	}
	if raw := q.Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < time.Second {
			return streamParams{}, fmt.Errorf("interval must be a duration of at least 1s, got %q", raw)
		}
		p.interval = d
	}
	return p, nil
}

// handleBookStream streams one feed's book views and trades to a consumer,
// plus the current candle and EMAs every interval when one is given. The
// feed is acquired for the stream's lifetime.
func (s *Server) handleBookStream(w http.ResponseWriter, r *http.Request) {
	p, err := s.parseStreamParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	events, unsubscribe := s.deps.Events.Subscribe(p.key)
	defer unsubscribe()

	if _, err := s.deps.Registry.Acquire(p.key); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, adapter.ErrUnsupportedMarket) || errors.Is(err, adapter.ErrBadSymbol) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	defer func() {
		if err := s.deps.Registry.Release(p.key); err != nil {
			s.logger.Warn("server: release feed", "feed", p.key.String(), "error", err)
		}
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With("feed", p.key.String(), "remote", r.RemoteAddr)
	log.Info("server: stream opened")
	defer log.Info("server: stream closed")

	// Consumers only send control frames; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	tape := view.NewTradeTape(s.book.TradeTape)
	var tick <-chan time.Time
	if p.interval > 0 {
		t := time.NewTicker(p.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		var frame any
		select {
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case adapter.EventBook:
				frame = bookFrame{Type: "book", View: view.Build(ev.Book, p.depth)}
			case adapter.EventTrade:
				tape.Add(ev.Trade)
				frame = tradeFrame{Type: "trade", TradeEvent: ev.Trade}
			default:
				continue
			}
		case <-tick:
			cf, ok := latestCandle(tape, p.interval)
			if !ok {
				continue
			}
			frame = cf
		}

		data, err := json.Marshal(frame)
		if err != nil {
			log.Warn("server: encode frame", "error", err)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func latestCandle(tape *view.TradeTape, interval time.Duration) (candleFrame, bool) {
	if tape.Len() == 0 {
		return candleFrame{}, false
	}
	series := candle.BuildSeries(tape.Trades(), interval)
	n := len(series.Candles)
	if n == 0 {
		return candleFrame{}, false
	}
	cf := candleFrame{Type: "candle", Candle: series.Candles[n-1], EMA: make(map[int]float64, len(series.EMA))}
	for length, values := range series.EMA {
		cf.EMA[length] = values[n-1]
	}
	return cf, true
}
