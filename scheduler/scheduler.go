// Package scheduler runs the automation control loop: find due automations,
// deliver, reschedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/go-co-op/gocron"
)

const (
	// DefaultInterval is the tick interval in long-running mode.
	DefaultInterval = time.Minute
	// DefaultLease is how long a claimed automation stays locked for one
	// delivery attempt.
	DefaultLease = 2 * time.Minute
)

// Firer is the delivery side of the loop.
type Firer interface {
	Fire(ctx context.Context, automation *core.Automation) error
}

// TickStats summarizes one tick.
type TickStats struct {
	Due       int
	Fired     int
	Failed    int
	Skipped   int
	Contended int
}

// Scheduler drives automation firings. The same Tick serves both execution
// models: long-running mode calls it on a timer, stateless mode calls it once
// per external invocation. All state needed to resume lives in storage.
type Scheduler struct {
	store core.AutomationStorage
	firer Firer
	log   logger.Logger

	interval time.Duration
	lease    time.Duration
	clock    func() time.Time

	cron *gocron.Scheduler
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval for long-running mode.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = interval
	}
}

// WithLease sets the delivery lease duration.
func WithLease(lease time.Duration) Option {
	return func(s *Scheduler) {
		s.lease = lease
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// New creates a scheduler.
func New(store core.AutomationStorage, firer Firer, log logger.Logger, options ...Option) *Scheduler {
	scheduler := &Scheduler{
		store:    store,
		firer:    firer,
		log:      log,
		interval: DefaultInterval,
		lease:    DefaultLease,
		clock:    time.Now,
	}

	for _, option := range options {
		option(scheduler)
	}

	return scheduler
}

// Tick performs exactly one scheduling pass. Storage failure on the due query
// aborts the tick; anything that goes wrong with a single automation is
// absorbed so the rest of the due set still fires.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	now := s.clock().UTC()

	due, err := s.store.DueBefore(ctx, now)
	if err != nil {
		return TickStats{}, fmt.Errorf("failed to query due automations: %w", err)
	}

	stats := TickStats{Due: len(due)}
	for _, automation := range due {
		s.process(ctx, automation, now, &stats)
	}

	if stats.Due > 0 {
		s.log.WithFields(map[string]any{
			"due":       stats.Due,
			"fired":     stats.Fired,
			"failed":    stats.Failed,
			"skipped":   stats.Skipped,
			"contended": stats.Contended,
		}).Info("scheduler tick complete")
	}

	return stats, nil
}

// process handles one due automation: claim, deliver, advance. Delivery runs
// before the advance so a crash in between costs at most one duplicate,
// never a silent skip.
func (s *Scheduler) process(ctx context.Context, automation *core.Automation, now time.Time, stats *TickStats) {
	claimed, ok, err := s.store.Claim(ctx, automation.ID, now, s.lease)
	if err != nil {
		s.log.WithError(err).WithField("automation", automation.ID).Error("claim failed")
		stats.Skipped++
		return
	}
	if !ok {
		// Another invocation holds the lease or already rescheduled.
		stats.Contended++
		return
	}

	fireErr := s.firer.Fire(ctx, claimed)
	switch {
	case fireErr == nil:
		stats.Fired++
	case errors.Is(fireErr, core.ErrDeliveryFailed):
		stats.Failed++
		if err := s.store.RecordFailure(ctx, claimed.ID, fireErr.Error()); err != nil {
			s.log.WithError(err).WithField("automation", claimed.ID).Error("failed to record delivery failure")
		}
	default:
		// Market data unavailable: a skipped firing, not a failure of the
		// automation itself.
		stats.Skipped++
	}

	// Reschedule forward regardless of the delivery outcome. Catch-up
	// arithmetic keeps the original phase and guarantees at most one firing
	// per tick after a long sleep.
	next := claimed.Cadence.Next(claimed.NextDue, now)
	advanced, err := s.store.Advance(ctx, claimed.ID, claimed.NextDue, next)
	if err != nil {
		s.log.WithError(err).WithField("automation", claimed.ID).Error("reschedule failed")
		return
	}
	if !advanced {
		s.log.WithField("automation", claimed.ID).Debug("reschedule lost to a concurrent invocation")
	}
}

// Start begins ticking on the configured interval until Stop is called.
// Long-running mode only; stateless hosts call Tick directly instead.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	s.cron = gocron.NewScheduler(time.UTC)
	_, err := s.cron.Every(s.interval).Do(func() {
		if _, err := s.Tick(ctx); err != nil {
			s.log.WithError(err).Error("scheduler tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule tick job: %w", err)
	}

	s.cron.StartAsync()
	s.log.WithField("interval", s.interval).Info("scheduler started")
	return nil
}

// Stop halts the tick timer. Safe to call when never started.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}
