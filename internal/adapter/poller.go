package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often a DepthPoller refreshes its snapshot.
const DefaultPollInterval = 1000 * time.Millisecond

// DepthFetcher returns a full depth snapshot over REST.
type DepthFetcher interface {
	FetchDepth(ctx context.Context, symbol string, limit int) (bids, asks []PriceLevel, err error)
}

// PollerConfig configures a DepthPoller.
type PollerConfig struct {
	Key      FeedKey
	Fetcher  DepthFetcher
	Limit    int
	Depth    int
	Interval time.Duration
	Logger   *slog.Logger
}

// DepthPoller is a Source for exchanges without a usable push feed. Every
// poll is treated as a snapshot.
type DepthPoller struct {
	cfg  PollerConfig
	log  *slog.Logger
	book *OrderBookState

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	nowFunc func() time.Time
}

// NewDepthPoller creates a poller. Call Connect to start it.
func NewDepthPoller(cfg PollerConfig) *DepthPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Limit <= 0 {
		cfg.Limit = cfg.Depth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DepthPoller{
		cfg:     cfg,
		log:     logger.With("feed", cfg.Key.String(), "mode", "poll"),
		book:    NewOrderBookState(),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Connect performs the first fetch synchronously so an unreachable endpoint
// is reported as a connect failure, then keeps polling in the background.
func (p *DepthPoller) Connect(ctx context.Context) (<-chan Event, error) {
	first, err := p.poll(ctx)
	if err != nil {
		return nil, fmt.Errorf("poller: %s: %w", p.cfg.Key, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx, first)
	return p.events, nil
}

// Close stops polling and waits for the loop to exit.
func (p *DepthPoller) Close() error {
	if p.cancel == nil {
		return nil
	}
	p.once.Do(p.cancel)
	<-p.done
	return nil
}

// Err is always nil; a failed poll is logged and retried on the next tick.
func (p *DepthPoller) Err() error { return nil }

func (p *DepthPoller) run(ctx context.Context, first Event) {
	defer close(p.done)
	defer close(p.events)

	if !p.send(ctx, first) {
		return
	}

	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ev, err := p.poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("poller: fetch failed", "err", err)
				}
				continue
			}
			if !p.send(ctx, ev) {
				return
			}
		}
	}
}

func (p *DepthPoller) poll(ctx context.Context) (Event, error) {
	bids, asks, err := p.cfg.Fetcher.FetchDepth(ctx, p.cfg.Key.Symbol, p.cfg.Limit)
	if err != nil {
		return Event{}, err
	}
	if err := p.book.ApplySnapshot(bids, asks, 0); err != nil {
		return Event{}, err
	}
	topBids, topAsks := p.book.Top(p.cfg.Depth)
	return Event{
		Kind: EventBook,
		Key:  p.cfg.Key,
		Book: BookUpdate{
			Exchange:  p.cfg.Key.Exchange,
			Market:    p.cfg.Key.Market,
			Symbol:    p.cfg.Key.Symbol,
			Bids:      topBids,
			Asks:      topAsks,
			Timestamp: p.nowFunc(),
		},
	}, nil
}

func (p *DepthPoller) send(ctx context.Context, ev Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
