// Package relay bridges one downstream WebSocket consumer to one upstream
// exchange socket. Downstream messages are translated and queued until the
// upstream is open; upstream frames are forwarded verbatim.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

var ErrQueueFull = errors.New("relay: queue full")

// Config controls one bridge.
type Config struct {
	Upstream string

	// MaxQueue caps the pre-open queue. Zero leaves it unbounded; above
	// zero, one message too many closes the downstream with 1008.
	MaxQueue int

	// DefaultSub sends {"method":DefaultMethod,"param":{...}} on upstream
	// open when nothing was queued.
	DefaultSub    bool
	DefaultMethod string
	DefaultSymbol string
	DefaultLimit  int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type defaultParam struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit,omitempty"`
}

func (c Config) defaultSubscription() ([]byte, error) {
	return json.Marshal(struct {
		Method string       `json:"method"`
		Param  defaultParam `json:"param"`
	}{
		Method: c.DefaultMethod,
		Param:  defaultParam{Symbol: c.DefaultSymbol, Limit: c.DefaultLimit},
	})
}

type queued struct {
	typ  int
	data []byte
}

// Bridge couples a downstream connection to the upstream it dials. Either
// side closing closes the other.
type Bridge struct {
	id     string
	cfg    Config
	down   *websocket.Conn
	dialer *websocket.Dialer
	log    *slog.Logger

	// mu serializes upstream writes with the queue; up is set under mu once
	// the queue has been flushed.
	mu    sync.Mutex
	queue []queued
	up    atomic.Pointer[websocket.Conn]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	onQueue func(depth int)
}

func newBridge(ctx context.Context, id string, cfg Config, down *websocket.Conn, logger *slog.Logger) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		id:   id,
		cfg:  cfg,
		down: down,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: logger,
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	return b
}

// Run blocks until both sides are closed.
func (b *Bridge) Run() {
	defer b.cancel()
	stop := context.AfterFunc(b.ctx, func() {
		b.shutdown(websocket.CloseGoingAway, "")
	})
	defer stop()

	var wg conc.WaitGroup
	wg.Go(b.readDownstream)
	wg.Go(func() { b.runUpstream(b.ctx) })
	wg.Wait()
}

func (b *Bridge) readDownstream() {
	for {
		mt, data, err := b.down.ReadMessage()
		if err != nil {
			b.log.Debug("relay: downstream closed", "err", err)
			b.shutdown(websocket.CloseNormalClosure, "")
			return
		}
		if err := b.forward(mt, data); err != nil {
			if errors.Is(err, ErrQueueFull) {
				b.log.Warn("relay: queue limit exceeded, closing downstream", "max_queue", b.cfg.MaxQueue)
				b.shutdown(websocket.ClosePolicyViolation, "queue full")
				return
			}
			b.log.Warn("relay: upstream write failed", "err", err)
			b.shutdown(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// forward queues the translated message until the upstream is open, then
// writes it straight through.
func (b *Bridge) forward(mt int, data []byte) error {
	msg := queued{typ: mt, data: Translate(data)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if up := b.up.Load(); up != nil {
		return b.write(up, msg)
	}
	if b.cfg.MaxQueue > 0 && len(b.queue) >= b.cfg.MaxQueue {
		return ErrQueueFull
	}
	b.queue = append(b.queue, msg)
	if b.onQueue != nil {
		b.onQueue(len(b.queue))
	}
	return nil
}

func (b *Bridge) runUpstream(ctx context.Context) {
	defer b.shutdown(websocket.CloseNormalClosure, "")

	up, _, err := b.dialer.DialContext(ctx, b.cfg.Upstream, nil)
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("relay: upstream dial failed", "url", b.cfg.Upstream, "err", err)
		}
		return
	}
	if err := b.open(up); err != nil {
		b.log.Warn("relay: flush failed", "err", err)
		up.Close()
		return
	}
	if ctx.Err() != nil {
		up.Close()
		return
	}
	b.log.Debug("relay: upstream open", "url", b.cfg.Upstream)

	for {
		mt, data, err := up.ReadMessage()
		if err != nil {
			b.log.Debug("relay: upstream closed", "err", err)
			return
		}
		b.down.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := b.down.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// open flushes the queue in arrival order, or sends the default
// subscription when nothing arrived, and then marks the upstream live.
func (b *Bridge) open(up *websocket.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.queue
	b.queue = nil
	if len(pending) == 0 && b.cfg.DefaultSub {
		sub, err := b.cfg.defaultSubscription()
		if err != nil {
			return fmt.Errorf("relay: default subscription: %w", err)
		}
		pending = append(pending, queued{typ: websocket.TextMessage, data: Translate(sub)})
	}
	for _, msg := range pending {
		if err := b.write(up, msg); err != nil {
			return err
		}
	}
	b.up.Store(up)
	return nil
}

func (b *Bridge) write(up *websocket.Conn, msg queued) error {
	up.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	return up.WriteMessage(msg.typ, msg.data)
}

// shutdown closes both sides once. The dial context is cancelled before the
// upstream pointer is read so a connection that opens concurrently is closed
// by one side or the other.
func (b *Bridge) shutdown(code int, reason string) {
	b.closeOnce.Do(func() {
		b.cancel()
		deadline := time.Now().Add(time.Second)
		_ = b.down.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		b.down.Close()
		if up := b.up.Load(); up != nil {
			_ = up.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			up.Close()
		}
	})
}

// Close tears the bridge down.
func (b *Bridge) Close() {
	b.shutdown(websocket.CloseGoingAway, "")
}
