package listing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/stretchr/testify/require"
)

// fakeSource counts fetches and can be made slow or failing.
type fakeSource struct {
	fetches atomic.Int32
	delay   time.Duration
	err     error
	entries []core.ListingEntry
}

func (f *fakeSource) FetchListings(ctx context.Context, limit int) ([]core.ListingEntry, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func (f *fakeSource) FetchQuote(ctx context.Context, instrumentID int64) (*core.Quote, error) {
	return nil, core.ErrQuoteUnavailable
}

func TestStore_CurrentIsNilBeforeFirstRefresh(t *testing.T) {
	store := NewStore(&fakeSource{}, logger.Nop())
	require.Nil(t, store.Current())
	require.True(t, store.Stale())
}

func TestStore_RefreshInstallsSnapshot(t *testing.T) {
	source := &fakeSource{entries: []core.ListingEntry{{ID: 1, Symbol: "BTC"}}}
	store := NewStore(source, logger.Nop())

	snapshot, err := store.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snapshot.Len())
	require.Same(t, snapshot, store.Current())
	require.False(t, store.Stale())
}

func TestStore_SingleFlight(t *testing.T) {
	source := &fakeSource{
		delay:   50 * time.Millisecond,
		entries: []core.ListingEntry{{ID: 1, Symbol: "BTC"}},
	}
	store := NewStore(source, logger.Nop())

	const callers = 10
	results := make([]*core.Snapshot, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot, err := store.Refresh(context.Background())
			require.NoError(t, err)
			results[i] = snapshot
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), source.fetches.Load())
	for _, snapshot := range results {
		require.Same(t, results[0], snapshot)
	}
}

func TestStore_FailOpenKeepsPreviousSnapshot(t *testing.T) {
	source := &fakeSource{entries: []core.ListingEntry{{ID: 1, Symbol: "BTC"}}}
	store := NewStore(source, logger.Nop())

	first, err := store.Refresh(context.Background())
	require.NoError(t, err)

	source.err = errors.New("upstream down")
	second, err := store.Refresh(context.Background())
	require.Error(t, err)
	require.Same(t, first, second)
	require.Same(t, first, store.Current())
}

func TestStore_StaleHonorsFreshnessWindow(t *testing.T) {
	now := time.Now()
	clock := now
	source := &fakeSource{entries: []core.ListingEntry{{ID: 1, Symbol: "BTC"}}}
	store := NewStore(source, logger.Nop(),
		WithFreshness(10*time.Minute),
		WithClock(func() time.Time { return clock }),
	)

	_, err := store.Refresh(context.Background())
	require.NoError(t, err)
	require.False(t, store.Stale())

	clock = now.Add(11 * time.Minute)
	require.True(t, store.Stale())
}
