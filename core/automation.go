package core

import (
	"fmt"
	"strings"
	"time"
)

// Cadence is the recurrence period of an automation.
type Cadence string

const (
	CadenceHourly  Cadence = "hourly"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// Cadences lists all valid cadences in ascending period order.
func Cadences() []Cadence {
	return []Cadence{CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly}
}

// ParseCadence converts user input into a cadence.
func ParseCadence(value string) (Cadence, error) {
	cadence := Cadence(strings.ToLower(strings.TrimSpace(value)))
	switch cadence {
	case CadenceHourly, CadenceDaily, CadenceWeekly, CadenceMonthly:
		return cadence, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCadence, value)
	}
}

// Period returns the fixed duration of one cadence interval. A month counts
// as 30 days.
func (c Cadence) Period() time.Duration {
	switch c {
	case CadenceHourly:
		return time.Hour
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	case CadenceMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Next returns the first due time strictly after now, starting from one
// period past from. Repeated addition (rather than reset to now+period) lets
// a host that slept through several periods catch up to the correct future
// schedule while firing at most once.
func (c Cadence) Next(from, now time.Time) time.Time {
	next := from.Add(c.Period())
	for !next.After(now) {
		next = next.Add(c.Period())
	}
	return next
}

// Automation is a per-user recurring price update. The symbol is kept for
// display only; deliveries always resolve by instrument id.
type Automation struct {
	ID           int64     `json:"id" gorm:"primaryKey"`
	UserID       int64     `json:"user_id" gorm:"index;uniqueIndex:idx_user_instrument"`
	InstrumentID int64     `json:"instrument_id" gorm:"uniqueIndex:idx_user_instrument"`
	Symbol       string    `json:"symbol"`
	Cadence      Cadence   `json:"cadence"`
	NextDue      time.Time `json:"next_due" gorm:"index"`
	LeaseUntil   time.Time `json:"lease_until"`
	FailCount    int       `json:"fail_count"`
	LastError    string    `json:"last_error"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Due reports whether the automation should fire at now.
func (a *Automation) Due(now time.Time) bool {
	return !a.NextDue.After(now)
}

// Leased reports whether a delivery lease is held at now.
func (a *Automation) Leased(now time.Time) bool {
	return a.LeaseUntil.After(now)
}

// AutomationFilter selects automations in storage queries.
type AutomationFilter func(Automation) bool

// WithUser matches automations owned by the given user.
func WithUser(userID int64) AutomationFilter {
	return func(a Automation) bool {
		return a.UserID == userID
	}
}

// WithInstrument matches automations for the given instrument.
func WithInstrument(instrumentID int64) AutomationFilter {
	return func(a Automation) bool {
		return a.InstrumentID == instrumentID
	}
}

// WithDueBeforeOrAt matches automations due at or before the given time.
func WithDueBeforeOrAt(t time.Time) AutomationFilter {
	return func(a Automation) bool {
		return !a.NextDue.After(t)
	}
}

// WithFailures matches automations that recorded at least one delivery
// failure.
func WithFailures() AutomationFilter {
	return func(a Automation) bool {
		return a.FailCount > 0
	}
}
