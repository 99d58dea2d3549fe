// Package core defines the domain types and interfaces shared by all
// pocket-crypto components.
package core

import (
	"context"
	"time"
)

// MarketSource provides market data for instruments. Implementations talk to
// an external provider such as the CoinMarketCap public data API.
type MarketSource interface {
	// FetchListings returns up to limit listings ranked by market cap descending.
	FetchListings(ctx context.Context, limit int) ([]ListingEntry, error)

	// FetchQuote returns the current quote for a single instrument.
	FetchQuote(ctx context.Context, instrumentID int64) (*Quote, error)
}

// SnapshotProvider holds the current listing snapshot.
type SnapshotProvider interface {
	// Current returns the last successfully fetched snapshot, possibly stale,
	// or nil when no snapshot has ever been fetched. It never blocks on a
	// refresh in progress.
	Current() *Snapshot

	// Refresh fetches a new snapshot. Concurrent callers share a single
	// in-flight fetch and observe the same result. On failure the previous
	// snapshot remains current.
	Refresh(ctx context.Context) (*Snapshot, error)
}

// Resolver turns raw user text into instrument candidates.
type Resolver interface {
	Resolve(ctx context.Context, raw string) (Resolution, error)
}

// Notifier delivers a text message to a chat user.
type Notifier interface {
	Send(userID int64, text string) error
}

// NotifierWithStart is a notifier that also runs its own inbound update loop.
type NotifierWithStart interface {
	Notifier
	Start()
	Stop()
}

// AutomationStorage is the durable store for automations. All mutations are
// atomic per record.
type AutomationStorage interface {
	// Upsert creates an automation for (user, instrument) or, when one
	// already exists, updates its cadence and recomputes the next due time
	// from now. The check-then-write is a single atomic operation.
	Upsert(ctx context.Context, userID, instrumentID int64, symbol string, cadence Cadence, now time.Time) (*Automation, error)

	// Automations returns automations matching all given filters.
	Automations(ctx context.Context, filters ...AutomationFilter) ([]*Automation, error)

	// SetCadence changes the cadence of an existing automation and recomputes
	// its next due time from now.
	SetCadence(ctx context.Context, id int64, cadence Cadence, now time.Time) (*Automation, error)

	// Delete removes an automation. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id int64) error

	// DueBefore returns automations whose next due time is at or before t.
	DueBefore(ctx context.Context, t time.Time) ([]*Automation, error)

	// Claim atomically takes a short delivery lease on a due automation.
	// It fails (ok=false) when the record is gone, no longer due, or already
	// leased by another invocation.
	Claim(ctx context.Context, id int64, now time.Time, lease time.Duration) (*Automation, bool, error)

	// Advance moves the next due time from the observed value to a strictly
	// later one and releases the delivery lease. It fails (ok=false) when the
	// due time no longer matches from, meaning another invocation already
	// rescheduled the record.
	Advance(ctx context.Context, id int64, from, to time.Time) (bool, error)

	// RecordFailure increments the failure counter and remembers the reason.
	// Failures are surfaced in listings; automations are never auto-deleted.
	RecordFailure(ctx context.Context, id int64, reason string) error

	Close() error
}
