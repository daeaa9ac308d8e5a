package adapter

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Broadcaster is a many-to-many hub: supervisors Publish events into it and
// consumers subscribe to a single feed or to everything.
type Broadcaster struct {
	log *slog.Logger

	// Filtered subscribers keyed by feed.
	mu   sync.RWMutex
	subs map[FeedKey]map[*subscriber]struct{}

	// allMu guards the unified subscriber set.
	allMu  sync.RWMutex
	allSub map[*subscriber]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		log:    logger,
		subs:   make(map[FeedKey]map[*subscriber]struct{}),
		allSub: make(map[*subscriber]struct{}),
	}
}

// Subscribe returns a buffered channel of events for one feed and a func
// that removes the subscription and closes the channel. The caller must
// drain the channel; a full buffer drops events for that subscriber only.
func (b *Broadcaster) Subscribe(key FeedKey) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 256)}

	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[key] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[key], s)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// SubscribeAll returns a channel that receives every event regardless of
// feed. Used by the health monitor and the Redis mirror.
func (b *Broadcaster) SubscribeAll() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 1024)}

	b.allMu.Lock()
	b.allSub[s] = struct{}{}
	b.allMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.allMu.Lock()
			delete(b.allSub, s)
			close(s.ch)
			b.allMu.Unlock()
		})
	}
}

// Publish distributes ev to every matching subscriber. It never blocks.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	for s := range b.subs[ev.Key] {
		b.offer(s, ev)
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for s := range b.allSub {
		b.offer(s, ev)
	}
	b.allMu.RUnlock()
}

func (b *Broadcaster) offer(s *subscriber, ev Event) {
	select {
	case s.ch <- ev:
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			b.log.Warn("broadcaster: dropping event for slow subscriber",
				"feed", ev.Key.String(), "dropped", n)
		}
	}
}
