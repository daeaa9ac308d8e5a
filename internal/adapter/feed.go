package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultDepth is the number of levels per side emitted to consumers.
const DefaultDepth = 10

// Source is one connection attempt's worth of market data. Feed and
// DepthPoller implement it; a Supervisor builds a new one per attempt.
type Source interface {
	// Connect opens the upstream and returns an event stream that is closed
	// when the upstream ends. It is not restartable.
	Connect(ctx context.Context) (<-chan Event, error)
	Close() error
	// Err reports why the stream ended, nil if it was closed on request.
	Err() error
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	Key      FeedKey
	Protocol Protocol

	// Session is required when Protocol.NeedsSession.
	Session *Session

	// Depth caps emitted levels per side. SubscribeDepth is what we ask the
	// exchange for; it defaults to Depth.
	Depth          int
	SubscribeDepth int

	HeartbeatTimeout time.Duration

	// OnState is told when the socket is open and subscriptions go out.
	OnState func(ConnState)

	Logger *slog.Logger
}

// Feed owns exactly one upstream socket for one (exchange, market, symbol).
// Frames are decoded and applied to the book in arrival order by a single
// goroutine.
type Feed struct {
	cfg  FeedConfig
	log  *slog.Logger
	ws   *WSClient
	book *OrderBookState

	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	// earlyDeltas counts deltas dropped because no snapshot had arrived.
	earlyDeltas atomic.Int64

	nowFunc func() time.Time
}

// NewFeed creates a Feed. Call Connect to open it.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.SubscribeDepth <= 0 {
		cfg.SubscribeDepth = cfg.Depth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		cfg:     cfg,
		log:     logger.With("feed", cfg.Key.String()),
		book:    NewOrderBookState(),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Connect dials the exchange, sends the subscribe frames and starts reading.
func (f *Feed) Connect(ctx context.Context) (<-chan Event, error) {
	p := f.cfg.Protocol
	if p.NeedsSession() && f.cfg.Session == nil {
		return nil, fmt.Errorf("feed: %s: no session", f.cfg.Key)
	}
	url, err := p.URL(f.cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("feed: %s: %w", f.cfg.Key, err)
	}
	subs, err := p.Subscribe(f.cfg.Key.Symbol, f.cfg.SubscribeDepth)
	if err != nil {
		return nil, fmt.Errorf("feed: %s: %w", f.cfg.Key, err)
	}

	wsCfg := DefaultWSConfig(url)
	if f.cfg.HeartbeatTimeout > 0 {
		wsCfg.HeartbeatTimeout = f.cfg.HeartbeatTimeout
	}
	ws := NewWSClient(wsCfg, f.log)
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("feed: connect %s: %w", f.cfg.Key, err)
	}

	if f.cfg.OnState != nil {
		f.cfg.OnState(Subscribing)
	}
	for _, msg := range subs {
		if err := ws.Send(msg); err != nil {
			ws.Close()
			return nil, fmt.Errorf("feed: subscribe %s: %w", f.cfg.Key, err)
		}
	}
	f.ws = ws

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.run(runCtx)
	return f.events, nil
}

// Close tears the socket down and waits for the read goroutine to finish.
func (f *Feed) Close() error {
	if f.ws == nil {
		return nil
	}
	f.cancel()
	err := f.ws.Close()
	<-f.done
	return err
}

// Err reports the socket error that ended the stream.
func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// EarlyDeltas returns how many deltas were dropped before the first snapshot.
func (f *Feed) EarlyDeltas() int64 { return f.earlyDeltas.Load() }

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.events)

	interval, ping := f.cfg.Protocol.KeepAlive(f.cfg.Session)
	var tick <-chan time.Time
	if interval > 0 && ping != nil {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	frames := f.ws.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := f.ws.Send(ping()); err != nil {
				f.log.Warn("feed: keepalive failed", "err", err)
				f.ws.Close()
			}
		case fr, ok := <-frames:
			if !ok {
				if err := f.ws.Err(); err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
					f.errMu.Lock()
					f.err = err
					f.errMu.Unlock()
				}
				return
			}
			f.handle(ctx, fr)
		}
	}
}

func (f *Feed) handle(ctx context.Context, fr Frame) {
	msg, err := f.cfg.Protocol.Decode(fr)
	if err != nil {
		f.log.Debug("feed: dropping frame", "err", err)
		return
	}

	switch msg.Kind {
	case MsgPing:
		mt := msg.ReplyType
		if mt == 0 {
			mt = websocket.TextMessage
		}
		if err := f.ws.SendFrame(Frame{Type: mt, Data: msg.Reply}); err != nil {
			f.log.Warn("feed: pong failed", "err", err)
			f.ws.Close()
		}

	case MsgSnapshot:
		if err := f.book.ApplySnapshot(msg.Bids, msg.Asks, msg.Seq); err != nil {
			f.log.Warn("feed: snapshot rejected", "err", err)
			return
		}
		f.emitBook(ctx, msg.Time)

	case MsgDelta:
		err := f.book.ApplyDelta(msg.Bids, msg.Asks, msg.Seq)
		switch {
		case errors.Is(err, ErrNoSnapshot):
			n := f.earlyDeltas.Add(1)
			f.log.Debug("feed: delta before snapshot", "dropped", n)
			return
		case err != nil:
			f.log.Warn("feed: delta rejected", "err", err)
			return
		}
		f.emitBook(ctx, msg.Time)

	case MsgTrade:
		for _, tr := range msg.Trades {
			f.emit(ctx, Event{Kind: EventTrade, Key: f.cfg.Key, Trade: tr})
		}
	}
}

func (f *Feed) emitBook(ctx context.Context, ts time.Time) {
	if ts.IsZero() {
		ts = f.nowFunc()
	}
	bids, asks := f.book.Top(f.cfg.Depth)
	f.emit(ctx, Event{
		Kind: EventBook,
		Key:  f.cfg.Key,
		Book: BookUpdate{
			Exchange:  f.cfg.Key.Exchange,
			Market:    f.cfg.Key.Market,
			Symbol:    f.cfg.Key.Symbol,
			Bids:      bids,
			Asks:      asks,
			Seq:       f.book.LastUpdateID,
			Timestamp: ts,
		},
	})
}

func (f *Feed) emit(ctx context.Context, ev Event) {
	select {
	case f.events <- ev:
	case <-ctx.Done():
	}
}
