package core

import (
	"strings"
	"time"
)

// ListingEntry is one instrument from a listing pull. Symbols are short
// uppercase tickers and are not unique across the listing; the numeric ID is
// the stable identifier.
type ListingEntry struct {
	ID        int64   `json:"id"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Slug      string  `json:"slug"`
	Price     float64 `json:"price"`
	MarketCap float64 `json:"market_cap"`
	Change24h float64 `json:"change_24h"`
	Rank      int     `json:"rank"`
}

// Quote is the current market data for a single instrument.
type Quote struct {
	Name      string
	Symbol    string
	Price     float64
	MarketCap float64
	Volume24h float64
	Change24h float64
	Rank      int
}

// Snapshot is an immutable listing pull, ranked by market cap descending.
// Snapshots are replaced wholesale, never patched in place.
type Snapshot struct {
	entries   []ListingEntry
	bySymbol  map[string][]ListingEntry
	fetchedAt time.Time
}

// NewSnapshot builds a snapshot from entries in listing order. The symbol
// index preserves that order, so collisions stay ranked by market cap.
func NewSnapshot(entries []ListingEntry, fetchedAt time.Time) *Snapshot {
	bySymbol := make(map[string][]ListingEntry, len(entries))
	for _, entry := range entries {
		symbol := strings.ToUpper(entry.Symbol)
		bySymbol[symbol] = append(bySymbol[symbol], entry)
	}

	return &Snapshot{
		entries:   entries,
		bySymbol:  bySymbol,
		fetchedAt: fetchedAt,
	}
}

// Entries returns all entries in listing order.
func (s *Snapshot) Entries() []ListingEntry {
	return s.entries
}

// Len returns the number of entries in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// FetchedAt returns the time the snapshot was pulled.
func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Lookup returns all entries matching an already-normalized symbol, ordered
// by market cap descending.
func (s *Snapshot) Lookup(symbol string) []ListingEntry {
	return s.bySymbol[symbol]
}

// Fresh reports whether the snapshot age is within the given window at now.
func (s *Snapshot) Fresh(window time.Duration, now time.Time) bool {
	return now.Sub(s.fetchedAt) < window
}

// ResolutionStatus is the outcome of a symbol resolution.
type ResolutionStatus int

const (
	// ResolutionNotFound means no listing matched the symbol.
	ResolutionNotFound ResolutionStatus = iota
	// ResolutionResolved means exactly one listing matched.
	ResolutionResolved
	// ResolutionAmbiguous means multiple listings share the symbol.
	ResolutionAmbiguous
)

// Resolution carries both the single best guess and the full candidate list,
// so the chat layer can either default to the best candidate or prompt.
type Resolution struct {
	Status     ResolutionStatus
	Symbol     string
	Best       *ListingEntry
	Candidates []ListingEntry
}
