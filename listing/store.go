// Package listing holds the current ticker listing snapshot and manages its
// refresh lifecycle.
package listing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
)

const (
	// DefaultLimit matches the top-5000 listing pull of the upstream API.
	DefaultLimit = 5000
	// DefaultFreshness is how long a snapshot is considered fresh.
	DefaultFreshness = 10 * time.Minute
)

// Store keeps the most recent listing snapshot. Reads never block; refreshes
// are single-flight and fail open to the previous snapshot.
type Store struct {
	source    core.MarketSource
	limit     int
	freshness time.Duration
	log       logger.Logger
	clock     func() time.Time

	current atomic.Pointer[core.Snapshot]

	mu       sync.Mutex
	inflight *refreshCall
}

// refreshCall is one shared in-flight refresh. Waiters block on done and then
// read snap/err.
type refreshCall struct {
	done chan struct{}
	snap *core.Snapshot
	err  error
}

// Option configures a Store.
type Option func(*Store)

// WithLimit sets the number of listings pulled per refresh.
func WithLimit(limit int) Option {
	return func(s *Store) {
		s.limit = limit
	}
}

// WithFreshness sets the snapshot freshness window.
func WithFreshness(window time.Duration) Option {
	return func(s *Store) {
		s.freshness = window
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates a listing store backed by the given market source.
func NewStore(source core.MarketSource, log logger.Logger, options ...Option) *Store {
	store := &Store{
		source:    source,
		limit:     DefaultLimit,
		freshness: DefaultFreshness,
		log:       log,
		clock:     time.Now,
	}

	for _, option := range options {
		option(store)
	}

	return store
}

// Current implements core.SnapshotProvider. It returns the last good
// snapshot even when stale, or nil before the first successful refresh.
func (s *Store) Current() *core.Snapshot {
	return s.current.Load()
}

// Stale reports whether the current snapshot is missing or older than the
// freshness window.
func (s *Store) Stale() bool {
	snapshot := s.current.Load()
	return snapshot == nil || !snapshot.Fresh(s.freshness, s.clock())
}

// Refresh implements core.SnapshotProvider. Only one fetch is in flight at a
// time; concurrent callers wait for it and observe the same result. On
// failure the previous snapshot stays current.
func (s *Store) Refresh(ctx context.Context) (*core.Snapshot, error) {
	s.mu.Lock()
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		return s.wait(ctx, call)
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	go s.fetch(call)

	return s.wait(ctx, call)
}

func (s *Store) wait(ctx context.Context, call *refreshCall) (*core.Snapshot, error) {
	select {
	case <-ctx.Done():
		return s.current.Load(), ctx.Err()
	case <-call.done:
		return call.snap, call.err
	}
}

// fetch runs the actual listing pull. It deliberately ignores waiter
// contexts: a caller giving up must not cancel the fetch other waiters
// share.
func (s *Store) fetch(call *refreshCall) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := s.source.FetchListings(ctx, s.limit)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).Warn("listing refresh failed, keeping previous snapshot")
		call.snap, call.err = s.current.Load(), fmt.Errorf("failed to refresh listings: %w", err)
		close(call.done)
		return
	}

	snapshot := core.NewSnapshot(entries, s.clock())
	s.current.Store(snapshot)
	s.log.WithFields(map[string]any{
		"entries":    snapshot.Len(),
		"fetched_at": snapshot.FetchedAt(),
	}).Info("listing snapshot refreshed")

	call.snap = snapshot
	close(call.done)
}
