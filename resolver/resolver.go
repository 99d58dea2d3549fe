// Package resolver turns raw user text into canonical instruments using the
// current listing snapshot.
package resolver

import (
	"context"
	"strings"
	"unicode"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
)

// Snapshots is the listing-store surface the resolver needs.
type Snapshots interface {
	core.SnapshotProvider
	Stale() bool
}

// Resolver implements core.Resolver against a listing store.
type Resolver struct {
	snapshots Snapshots
	log       logger.Logger
}

// New creates a resolver.
func New(snapshots Snapshots, log logger.Logger) *Resolver {
	return &Resolver{snapshots: snapshots, log: log}
}

// Normalize trims whitespace and uppercases a raw symbol.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// valid reports whether a normalized symbol is plausible ticker text.
func valid(symbol string) bool {
	if symbol == "" {
		return false
	}
	for _, r := range symbol {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Resolve implements core.Resolver. On a miss it refreshes a stale snapshot
// once and retries before reporting not found.
func (r *Resolver) Resolve(ctx context.Context, raw string) (core.Resolution, error) {
	symbol := Normalize(raw)
	if !valid(symbol) {
		return core.Resolution{Status: core.ResolutionNotFound, Symbol: symbol}, core.ErrInvalidSymbol
	}

	snapshot := r.snapshots.Current()
	if snapshot == nil || r.snapshots.Stale() {
		refreshed, err := r.snapshots.Refresh(ctx)
		if err != nil && refreshed == nil {
			return core.Resolution{Status: core.ResolutionNotFound, Symbol: symbol}, core.ErrNoSnapshot
		}
		snapshot = refreshed
	}

	if resolution, ok := match(snapshot, symbol); ok {
		return resolution, nil
	}

	// Miss against a possibly aging snapshot: refresh once and retry before
	// giving up.
	if r.snapshots.Stale() {
		if refreshed, err := r.snapshots.Refresh(ctx); err == nil && refreshed != nil {
			if resolution, ok := match(refreshed, symbol); ok {
				return resolution, nil
			}
		} else if err != nil {
			r.log.WithError(err).Debug("refresh-on-miss failed")
		}
	}

	return core.Resolution{Status: core.ResolutionNotFound, Symbol: symbol}, nil
}

// match looks the symbol up in a snapshot and classifies the outcome.
func match(snapshot *core.Snapshot, symbol string) (core.Resolution, bool) {
	candidates := snapshot.Lookup(symbol)
	switch len(candidates) {
	case 0:
		return core.Resolution{}, false
	case 1:
		return core.Resolution{
			Status:     core.ResolutionResolved,
			Symbol:     symbol,
			Best:       &candidates[0],
			Candidates: candidates,
		}, true
	default:
		// Candidates keep listing order, which is market cap descending.
		return core.Resolution{
			Status:     core.ResolutionAmbiguous,
			Symbol:     symbol,
			Best:       &candidates[0],
			Candidates: candidates,
		}, true
	}
}
