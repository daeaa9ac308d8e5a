package adapter

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig holds the reconnection schedule.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoffConfig returns the production schedule: 5s, doubling, capped
// at 60s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:   5 * time.Second,
		Max:    60 * time.Second,
		Factor: 2.0,
	}
}

// Reconnector decides how long to wait before the next connection attempt.
// It never gives up; the owner stops asking when it is torn down.
type Reconnector struct {
	mu       sync.Mutex
	b        *backoff.ExponentialBackOff
	attempts int
}

// NewReconnector builds a jitter-free exponential schedule from cfg.
func NewReconnector(cfg BackoffConfig) *Reconnector {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBackoffConfig().Base
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultBackoffConfig().Factor
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Base,
		RandomizationFactor: 0,
		Multiplier:          cfg.Factor,
		MaxInterval:         cfg.Max,
	}
	b.Reset()
	return &Reconnector{b: b}
}

// NextDelay records a failed attempt and returns the wait before the next
// one: Base, Base*Factor, ... capped at Max.
func (r *Reconnector) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.b.NextBackOff()
}

// Attempts returns the number of consecutive failures since the last success.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// OnSuccess resets the schedule to Base.
func (r *Reconnector) OnSuccess() {
	r.mu.Lock()
	r.attempts = 0
	r.b.Reset()
	r.mu.Unlock()
}
