package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/stretchr/testify/require"
)

const (
	userID = int64(42)
	btcID  = int64(1)
	ethID  = int64(1027)
)

func newStore(t *testing.T) *BuntStorage {
	t.Helper()
	store, err := NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuntStorage_UpsertCreates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	automation, err := store.Upsert(ctx, userID, ethID, "ETH", core.CadenceWeekly, now)
	require.NoError(t, err)
	require.NotZero(t, automation.ID)
	require.Equal(t, now.Add(7*24*time.Hour), automation.NextDue)
	require.Equal(t, now, automation.CreatedAt)
	require.False(t, automation.NextDue.Before(automation.CreatedAt))
}

func TestBuntStorage_UpsertIsDedupedPerUserInstrument(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, now)
	require.NoError(t, err)

	second, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceDaily, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, core.CadenceDaily, second.Cadence)

	all, err := store.Automations(ctx, core.WithUser(userID))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, core.CadenceDaily, all[0].Cadence)
}

func TestBuntStorage_UpsertDifferentInstrumentsCreateSeparateRecords(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, now)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, userID, ethID, "ETH", core.CadenceDaily, now)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, userID+1, btcID, "BTC", core.CadenceHourly, now)
	require.NoError(t, err)

	mine, err := store.Automations(ctx, core.WithUser(userID))
	require.NoError(t, err)
	require.Len(t, mine, 2)

	all, err := store.Automations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestBuntStorage_SetCadence(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	automation, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, now)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	updated, err := store.SetCadence(ctx, automation.ID, core.CadenceMonthly, later)
	require.NoError(t, err)
	require.Equal(t, core.CadenceMonthly, updated.Cadence)
	require.Equal(t, later.Add(30*24*time.Hour), updated.NextDue)

	_, err = store.SetCadence(ctx, 99999, core.CadenceDaily, later)
	require.ErrorIs(t, err, core.ErrAutomationNotFound)
}

func TestBuntStorage_DeleteIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	automation, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, automation.ID))
	require.NoError(t, store.Delete(ctx, automation.ID))

	all, err := store.Automations(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestBuntStorage_DueBefore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hourly, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, now)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, userID, ethID, "ETH", core.CadenceWeekly, now)
	require.NoError(t, err)

	due, err := store.DueBefore(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, hourly.ID, due[0].ID)

	due, err = store.DueBefore(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
}

func TestBuntStorage_ClaimOnlyOnceWhileLeased(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-2 * time.Hour)

	automation, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, created)
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, ok, err := store.Claim(ctx, automation.ID, now, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, claimed.LeaseUntil.After(now))

	// Second claim within the lease window fails.
	_, ok, err = store.Claim(ctx, automation.ID, now.Add(time.Second), 2*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// After the lease expires the record can be claimed again.
	_, ok, err = store.Claim(ctx, automation.ID, now.Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuntStorage_ClaimRefusesNotDue(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	automation, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceDaily, now)
	require.NoError(t, err)

	_, ok, err := store.Claim(ctx, automation.ID, now.Add(time.Hour), 2*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Claim(ctx, 99999, now, 2*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBuntStorage_AdvanceIsCompareAndSwap(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-2 * time.Hour)

	automation, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, created)
	require.NoError(t, err)

	from := automation.NextDue
	to := from.Add(time.Hour)

	ok, err := store.Advance(ctx, automation.ID, from, to)
	require.NoError(t, err)
	require.True(t, ok)

	// A second advance from the stale due time is rejected.
	ok, err = store.Advance(ctx, automation.ID, from, to.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	// Backward moves are rejected outright.
	_, err = store.Advance(ctx, automation.ID, to, to.Add(-time.Minute))
	require.Error(t, err)

	all, err := store.Automations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].NextDue.Equal(to))
	require.False(t, all[0].Leased(time.Now().UTC()))
}

func TestBuntStorage_RecordFailure(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	automation, err := store.Upsert(ctx, userID, btcID, "BTC", core.CadenceHourly, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.RecordFailure(ctx, automation.ID, "chat transport: blocked"))
	require.NoError(t, store.RecordFailure(ctx, automation.ID, "chat transport: blocked"))
	require.NoError(t, store.RecordFailure(ctx, 99999, "gone"))

	failed, err := store.Automations(ctx, core.WithFailures())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 2, failed[0].FailCount)
	require.Equal(t, "chat transport: blocked", failed[0].LastError)
}

func TestBuntStorage_IDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/automations.db"

	store, err := NewFromFile(path)
	require.NoError(t, err)

	first, err := store.Upsert(context.Background(), userID, btcID, "BTC", core.CadenceHourly, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFromFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Upsert(context.Background(), userID, ethID, "ETH", core.CadenceDaily, time.Now())
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
}
