package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	*redis.Client
}

// NewGoRedis opens a client for addr. The connection is established lazily.
func NewGoRedis(addr, password string, db int) *GoRedis {
	return &GoRedis{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.Client.HSet(ctx, key, values...).Err()
}

// bookTop holds the last-written best bid/ask for a feed so we can skip
// duplicate writes.
type bookTop struct {
	Bid string
	Ask string
}

// RedisWriter mirrors the current top of book for every feed into Redis:
//
//	Key:    book:{exchange}:{market}:{symbol}
//	Fields: bid, ask, ts
//
// Only the latest value is kept; there is no history. Duplicate prices are
// suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan Event
	buf    chan BookUpdate
	log    *slog.Logger

	mu   sync.Mutex
	last map[string]bookTop // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from a
// Broadcaster.SubscribeAll channel.
func NewRedisWriter(client RedisClient, feed <-chan Event, logger *slog.Logger) *RedisWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan BookUpdate, 1024),
		log:    logger,
		last:   make(map[string]bookTop),
	}
}

// Run drains the feed into an internal buffer and flushes it to Redis from a
// second goroutine so a slow Redis never blocks the Broadcaster. It blocks
// until ctx is cancelled or the feed is closed.
func (rw *RedisWriter) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.feed:
				if !ok {
					return
				}
				if ev.Kind != EventBook {
					continue
				}
				select {
				case rw.buf <- ev.Book:
				default:
					// Buffer full; the next update supersedes this one.
				}
			}
		}
	})
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-rw.buf:
				if err := rw.write(ctx, update); err != nil {
					rw.log.Warn("redis: hset failed", "err", err)
				}
			}
		}
	})
	wg.Wait()
}

// BookKey returns the Redis key for a feed.
func BookKey(exchange Exchange, market Market, symbol string) string {
	return fmt.Sprintf("book:%s:%s:%s", exchange, market, symbol)
}

// write extracts best bid/ask, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, update BookUpdate) error {
	bestBid := bestPrice(update.Bids, true)
	bestAsk := bestPrice(update.Asks, false)

	key := BookKey(update.Exchange, update.Market, update.Symbol)

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev.Bid == bestBid && prev.Ask == bestAsk {
		rw.mu.Unlock()
		return nil
	}
	rw.last[key] = bookTop{Bid: bestBid, Ask: bestAsk}
	rw.mu.Unlock()

	ts := strconv.FormatInt(update.Timestamp.UnixMilli(), 10)
	return rw.client.HSet(ctx, key, "bid", bestBid, "ask", bestAsk, "ts", ts)
}

// bestPrice returns the best (highest bid or lowest ask) price as the
// exchange spelled it, or "0" for an empty side.
func bestPrice(levels []PriceLevel, isBid bool) string {
	best := "0"
	var bestD decimal.Decimal
	found := false
	for _, l := range levels {
		d, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		if !found || (isBid && d.GreaterThan(bestD)) || (!isBid && d.LessThan(bestD)) {
			best, bestD, found = l.Price, d, true
		}
	}
	return best
}
