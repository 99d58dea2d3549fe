// Package dispatcher delivers a due automation's current quote to its owner.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/notification"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
)

// Dispatcher implements the fire step of the scheduler loop. Symbol ambiguity
// never comes into play here: the instrument id was fixed when the automation
// was created.
type Dispatcher struct {
	source   core.MarketSource
	notifier core.Notifier
	log      logger.Logger
	clock    func() time.Time
}

// New creates a dispatcher.
func New(source core.MarketSource, notifier core.Notifier, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		source:   source,
		notifier: notifier,
		log:      log,
		clock:    time.Now,
	}
}

// Fire fetches the automation's current quote and sends it to the owner.
// Failures wrap core.ErrQuoteUnavailable or core.ErrDeliveryFailed so the
// scheduler can tell a skipped fetch from a failed delivery.
func (d *Dispatcher) Fire(ctx context.Context, automation *core.Automation) error {
	quote, err := d.source.FetchQuote(ctx, automation.InstrumentID)
	if err != nil {
		d.log.WithError(err).WithFields(map[string]any{
			"automation": automation.ID,
			"instrument": automation.InstrumentID,
		}).Warn("quote fetch failed, skipping this firing")
		return fmt.Errorf("%w: instrument %d: %v", core.ErrQuoteUnavailable, automation.InstrumentID, err)
	}

	text := notification.FormatAutomationUpdate(quote, automation.Cadence, d.clock())
	if err := d.notifier.Send(automation.UserID, text); err != nil {
		d.log.WithError(err).WithFields(map[string]any{
			"automation": automation.ID,
			"user":       automation.UserID,
		}).Warn("delivery failed")
		return fmt.Errorf("%w: user %d: %v", core.ErrDeliveryFailed, automation.UserID, err)
	}

	return nil
}
