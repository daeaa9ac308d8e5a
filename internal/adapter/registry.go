package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// SupervisorFactory builds an unstarted Supervisor for key.
type SupervisorFactory func(key FeedKey) (*Supervisor, error)

// FeedStatus is a point-in-time view of one registered feed.
type FeedStatus struct {
	Key      FeedKey   `json:"-"`
	Name     string    `json:"feed"`
	State    ConnState `json:"state"`
	Refs     int       `json:"refs"`
	Attempts int       `json:"attempts"`
}

type registryEntry struct {
	sup  *Supervisor
	refs int
}

// FeedRegistry is the process-wide map from (exchange, market, symbol) to
// its running Supervisor. Concurrent Acquire calls for one key share a
// single supervisor, and so a single upstream session. The last Release
// stops it.
type FeedRegistry struct {
	ctx     context.Context
	factory SupervisorFactory
	log     *slog.Logger

	mu    sync.Mutex
	feeds map[FeedKey]*registryEntry
	group singleflight.Group
}

// NewFeedRegistry creates a registry. Supervisors are started with ctx.
func NewFeedRegistry(ctx context.Context, factory SupervisorFactory, logger *slog.Logger) *FeedRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedRegistry{
		ctx:     ctx,
		factory: factory,
		log:     logger,
		feeds:   make(map[FeedKey]*registryEntry),
	}
}

// Acquire returns the running supervisor for key, creating and starting it
// on first use. Every successful Acquire must be paired with a Release.
func (r *FeedRegistry) Acquire(key FeedKey) (*Supervisor, error) {
	for {
		if sup, ok := r.ref(key, nil); ok {
			return sup, nil
		}

		v, err, _ := r.group.Do(key.String(), func() (any, error) {
			r.mu.Lock()
			if e, ok := r.feeds[key]; ok {
				r.mu.Unlock()
				return e.sup, nil
			}
			r.mu.Unlock()

			sup, err := r.factory(key)
			if err != nil {
				return nil, err
			}
			sup.Start(r.ctx)

			r.mu.Lock()
			r.feeds[key] = &registryEntry{sup: sup}
			r.mu.Unlock()
			r.log.Info("registry: feed started", "feed", key.String())
			return sup, nil
		})
		if err != nil {
			return nil, fmt.Errorf("registry: acquire %s: %w", key, err)
		}

		// The entry may have been released to zero between Do returning
		// and taking the reference; start over if so.
		if sup, ok := r.ref(key, v.(*Supervisor)); ok {
			return sup, nil
		}
	}
}

// ref increments the refcount of key's entry. When want is non-nil the
// entry must still hold that supervisor.
func (r *FeedRegistry) ref(key FeedKey, want *Supervisor) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.feeds[key]
	if !ok || (want != nil && e.sup != want) {
		return nil, false
	}
	e.refs++
	return e.sup, true
}

// Release drops one reference to key. The last release stops the
// supervisor and removes it.
func (r *FeedRegistry) Release(key FeedKey) error {
	r.mu.Lock()
	e, ok := r.feeds[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.feeds, key)
	r.mu.Unlock()

	r.log.Info("registry: feed stopped", "feed", key.String())
	return e.sup.Stop()
}

// List returns the status of every registered feed, ordered by key.
func (r *FeedRegistry) List() []FeedStatus {
	r.mu.Lock()
	out := make([]FeedStatus, 0, len(r.feeds))
	for k, e := range r.feeds {
		out = append(out, FeedStatus{
			Key:      k,
			Name:     k.String(),
			State:    e.sup.State(),
			Refs:     e.refs,
			Attempts: e.sup.Attempts(),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CloseAll stops every supervisor regardless of reference counts.
func (r *FeedRegistry) CloseAll() error {
	r.mu.Lock()
	feeds := r.feeds
	r.feeds = make(map[FeedKey]*registryEntry)
	r.mu.Unlock()

	var err error
	for _, e := range feeds {
		err = multierr.Append(err, e.sup.Stop())
	}
	return err
}
