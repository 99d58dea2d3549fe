package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCadence_Period(t *testing.T) {
	require.Equal(t, time.Hour, CadenceHourly.Period())
	require.Equal(t, 24*time.Hour, CadenceDaily.Period())
	require.Equal(t, 7*24*time.Hour, CadenceWeekly.Period())
	require.Equal(t, 30*24*time.Hour, CadenceMonthly.Period())
}

func TestParseCadence(t *testing.T) {
	cadence, err := ParseCadence(" Weekly ")
	require.NoError(t, err)
	require.Equal(t, CadenceWeekly, cadence)

	_, err = ParseCadence("fortnightly")
	require.ErrorIs(t, err, ErrInvalidCadence)
}

func TestCadence_Next(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Normal advance: one period forward.
	next := CadenceDaily.Next(t0, t0)
	require.Equal(t, t0.Add(24*time.Hour), next)

	// Host slept through three periods: catch up past now in one step,
	// keeping the original phase.
	now := t0.Add(73 * time.Hour)
	next = CadenceDaily.Next(t0, now)
	require.Equal(t, t0.Add(96*time.Hour), next)
	require.True(t, next.After(now))
}

func TestCadence_NextNeverBackward(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := t0

	for i := 0; i < 50; i++ {
		next := CadenceHourly.Next(now, now)
		require.True(t, next.After(now))
		now = next
	}
}

func TestAutomation_Due(t *testing.T) {
	now := time.Now()
	a := &Automation{NextDue: now.Add(-time.Minute)}
	require.True(t, a.Due(now))
	require.True(t, (&Automation{NextDue: now}).Due(now))
	require.False(t, (&Automation{NextDue: now.Add(time.Minute)}).Due(now))
}

func TestAutomationFilters(t *testing.T) {
	now := time.Now()
	a := Automation{UserID: 42, InstrumentID: 1, NextDue: now, FailCount: 2}

	require.True(t, WithUser(42)(a))
	require.False(t, WithUser(7)(a))
	require.True(t, WithInstrument(1)(a))
	require.True(t, WithDueBeforeOrAt(now)(a))
	require.False(t, WithDueBeforeOrAt(now.Add(-time.Second))(a))
	require.True(t, WithFailures()(a))
	require.False(t, WithFailures()(Automation{}))
}
