package adapter

import (
	"context"
	"sync"
	"time"
)

// StatusSetter receives health transitions per feed. The gRPC health server
// in internal/health satisfies it.
type StatusSetter interface {
	SetServing(service string, serving bool)

	// Forget withdraws a feed that is no longer supervised.
	Forget(service string)
}

// HealthConfig holds tunable parameters for the HealthMonitor.
type HealthConfig struct {
	// StaleThreshold is the maximum age of the last book update before a
	// Live feed is reported as not serving. Default: 10s.
	StaleThreshold time.Duration

	// PollInterval is how often staleness is re-evaluated. Default: 1s.
	PollInterval time.Duration
}

// DefaultHealthConfig returns production defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleThreshold: 10 * time.Second,
		PollInterval:   time.Second,
	}
}

type feedHealth struct {
	lastUpdate time.Time
	state      ConnState
	serving    bool
}

// HealthMonitor combines supervisor state with data freshness. A feed is
// serving only while it is Live and its last book update is within
// StaleThreshold.
type HealthMonitor struct {
	cfg  HealthConfig
	sink StatusSetter
	feed <-chan Event

	mu    sync.Mutex
	feeds map[FeedKey]*feedHealth

	nowFunc func() time.Time // injectable clock for testing
}

// NewHealthMonitor creates a monitor reading events from feed (usually a
// Broadcaster.SubscribeAll channel). sink may be nil.
func NewHealthMonitor(cfg HealthConfig, sink StatusSetter, feed <-chan Event) *HealthMonitor {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultHealthConfig().StaleThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultHealthConfig().PollInterval
	}
	return &HealthMonitor{
		cfg:     cfg,
		sink:    sink,
		feed:    feed,
		feeds:   make(map[FeedKey]*feedHealth),
		nowFunc: time.Now,
	}
}

// OnState records a supervisor transition. Wire it into
// SupervisorConfig.OnState.
func (m *HealthMonitor) OnState(key FeedKey, st ConnState) {
	m.mu.Lock()
	fh := m.entry(key)
	fh.state = st
	m.evaluateLocked(key, fh, m.nowFunc())
	m.mu.Unlock()
}

// Forget drops a feed whose supervisor has stopped. Wire it into
// SupervisorConfig.OnStop. Book events that arrive for it afterwards are
// ignored until the feed is supervised again.
func (m *HealthMonitor) Forget(key FeedKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[key]; !ok {
		return
	}
	delete(m.feeds, key)
	if m.sink != nil {
		m.sink.Forget(key.String())
	}
}

// Healthy reports whether key is currently serving.
func (m *HealthMonitor) Healthy(key FeedKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	fh, ok := m.feeds[key]
	if !ok {
		return false
	}
	return m.serving(fh, m.nowFunc())
}

// Run consumes the event feed and re-evaluates staleness on every tick. It
// blocks until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.feed:
			if !ok {
				return
			}
			if ev.Kind == EventBook {
				m.recordUpdate(ev.Key)
			}
		case <-t.C:
			m.sweep()
		}
	}
}

// recordUpdate stamps a known feed. Feeds are registered by OnState, which
// every supervisor calls before its first event.
func (m *HealthMonitor) recordUpdate(key FeedKey) {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	fh, ok := m.feeds[key]
	if !ok {
		return
	}
	fh.lastUpdate = now
	m.evaluateLocked(key, fh, now)
}

func (m *HealthMonitor) sweep() {
	now := m.nowFunc()
	m.mu.Lock()
	for k, fh := range m.feeds {
		m.evaluateLocked(k, fh, now)
	}
	m.mu.Unlock()
}

func (m *HealthMonitor) entry(key FeedKey) *feedHealth {
	fh, ok := m.feeds[key]
	if !ok {
		fh = &feedHealth{}
		m.feeds[key] = fh
		if m.sink != nil {
			m.sink.SetServing(key.String(), false)
		}
	}
	return fh
}

func (m *HealthMonitor) serving(fh *feedHealth, now time.Time) bool {
	if fh.state != Live || fh.lastUpdate.IsZero() {
		return false
	}
	return now.Sub(fh.lastUpdate) <= m.cfg.StaleThreshold
}

// evaluateLocked pushes a transition to the sink. Must hold m.mu.
func (m *HealthMonitor) evaluateLocked(key FeedKey, fh *feedHealth, now time.Time) {
	serving := m.serving(fh, now)
	if serving == fh.serving {
		return
	}
	fh.serving = serving
	if m.sink != nil {
		m.sink.SetServing(key.String(), serving)
	}
}
