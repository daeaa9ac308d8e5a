package adapter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSessionRefresh is how long after issue a session-backed feed is
// proactively rebuilt with a fresh session.
const DefaultSessionRefresh = 55 * time.Second

// SessionSource acquires short-lived sessions for token-gated exchanges.
type SessionSource interface {
	Acquire(ctx context.Context, market Market) (*Session, error)
}

// Publisher receives every event a supervised feed produces.
type Publisher interface {
	Publish(ev Event)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Key FeedKey

	// NewSource builds a fresh Source for one connection attempt. sess is nil
	// when Sessions is nil. onState must be passed through to the Source so
	// it can report Subscribing.
	NewSource func(sess *Session, onState func(ConnState)) Source

	// Sessions is set for exchanges that need a token before dialing.
	Sessions SessionSource

	// Refresh is how long after the session was issued the connection is
	// torn down and rebuilt. When the session carries a TTL the rebuild keeps
	// TTL-Refresh of validity in hand, however long Connect took. Zero uses
	// DefaultSessionRefresh.
	Refresh time.Duration

	Backoff   BackoffConfig
	Publisher Publisher

	// OnState observes every state transition.
	OnState func(FeedKey, ConnState)

	// OnStop runs once after Stop has torn the feed down.
	OnStop func(FeedKey)

	Logger *slog.Logger
}

type endReason int

const (
	endClosed endReason = iota
	endRefresh
	endStopped
)

// Supervisor keeps one feed alive: it acquires sessions, builds a Source per
// attempt, waits out the backoff after failures and proactively refreshes
// sessions before they expire. It owns its retry and refresh timers; Stop
// cancels both, so nothing fires once Stop has returned.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger
	rc  *Reconnector

	state atomic.Int32

	mu           sync.Mutex
	source       Source
	retryTimer   *time.Timer
	refreshTimer *time.Timer
	stopped      bool
	cancel       context.CancelFunc
	done         chan struct{}

	onRetry func(d time.Duration) // testing hook
	nowFunc func() time.Time
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultSessionRefresh
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:  cfg,
		log:  logger.With("feed", cfg.Key.String()),
		rc:      NewReconnector(cfg.Backoff),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Key returns the feed this supervisor owns.
func (s *Supervisor) Key() FeedKey { return s.cfg.Key }

// State returns the current connection state.
func (s *Supervisor) State() ConnState { return ConnState(s.state.Load()) }

// Attempts returns the consecutive failures since the feed was last Live.
func (s *Supervisor) Attempts() int { return s.rc.Attempts() }

// Start launches the run loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop cancels pending timers, closes the current upstream and waits for the
// run loop to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopTimersLocked()
	src := s.source
	s.source = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	s.setState(Closing)
	cancel()

	var err error
	if src != nil {
		err = src.Close()
	}
	<-s.done
	s.setState(Disconnected)
	if s.cfg.OnStop != nil {
		s.cfg.OnStop(s.cfg.Key)
	}
	return err
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		s.setState(Connecting)

		var sess *Session
		if s.cfg.Sessions != nil {
			var err error
			sess, err = s.cfg.Sessions.Acquire(ctx, s.cfg.Key.Market)
			if err != nil {
				s.log.Warn("supervisor: session acquisition failed", "err", err)
				if !s.retry(ctx) {
					return
				}
				continue
			}
		}

		src := s.cfg.NewSource(sess, s.setState)
		events, err := src.Connect(ctx)
		if err != nil {
			s.log.Warn("supervisor: connect failed", "err", err)
			if !s.retry(ctx) {
				return
			}
			continue
		}

		var refresh <-chan struct{}
		if sess != nil {
			refresh = s.armRefresh(sess)
		}
		if !s.setSource(src) {
			src.Close()
			return
		}

		s.setState(Live)
		s.rc.OnSuccess()
		s.log.Info("supervisor: live")

		reason := s.pump(ctx, events, refresh)

		s.clearSource()
		closeErr := src.Close()

		switch reason {
		case endStopped:
			return
		case endRefresh:
			s.log.Info("supervisor: refreshing session")
			continue
		default:
			err := src.Err()
			if err == nil {
				err = closeErr
			}
			s.log.Warn("supervisor: upstream closed", "err", err)
			if !s.retry(ctx) {
				return
			}
		}
	}
}

// pump forwards events until the stream ends, the refresh timer fires or the
// supervisor is stopped.
func (s *Supervisor) pump(ctx context.Context, events <-chan Event, refresh <-chan struct{}) endReason {
	for {
		select {
		case <-ctx.Done():
			return endStopped
		case <-refresh:
			return endRefresh
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return endStopped
				}
				return endClosed
			}
			if s.cfg.Publisher != nil {
				s.cfg.Publisher.Publish(ev)
			}
		}
	}
}

// retry moves to Disconnected and waits out the next backoff delay. It
// reports false if the supervisor was stopped first.
func (s *Supervisor) retry(ctx context.Context) bool {
	s.setState(Disconnected)
	d := s.rc.NextDelay()

	fire := make(chan struct{})
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.retryTimer = time.AfterFunc(d, func() { close(fire) })
	s.mu.Unlock()

	if s.onRetry != nil {
		s.onRetry(d)
	}
	s.log.Info("supervisor: retrying", "delay", d, "attempt", s.rc.Attempts())

	select {
	case <-fire:
		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// refreshDelay returns how long the connection built on sess may run,
// measured from the session's issue time rather than the connect time.
func refreshDelay(sess *Session, refresh time.Duration, now time.Time) time.Duration {
	issued := sess.IssuedAt
	if issued.IsZero() {
		issued = now
	}
	renewAt := issued.Add(refresh)
	if sess.TTL > 0 {
		margin := sess.TTL - refresh
		if margin <= 0 {
			margin = sess.TTL / 12
		}
		expires := issued.Add(sess.TTL)
		if !sess.IssuedAt.IsZero() {
			expires = sess.ExpiresAt()
		}
		renewAt = expires.Add(-margin)
	}
	if d := renewAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Supervisor) armRefresh(sess *Session) <-chan struct{} {
	d := refreshDelay(sess, s.cfg.Refresh, s.nowFunc())
	if d == 0 {
		s.log.Warn("supervisor: session near expiry after connect, refreshing now")
	}

	fire := make(chan struct{})
	s.mu.Lock()
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = time.AfterFunc(d, func() { close(fire) })
	s.mu.Unlock()
	return fire
}

func (s *Supervisor) setSource(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.stopTimersLocked()
		return false
	}
	s.source = src
	return true
}

func (s *Supervisor) clearSource() {
	s.mu.Lock()
	s.source = nil
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
}

func (s *Supervisor) setState(st ConnState) {
	if ConnState(s.state.Swap(int32(st))) == st {
		return
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(s.cfg.Key, st)
	}
}
