// Package storage provides the durable automation stores.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/tidwall/buntdb"
)

const (
	// DueIndexName orders automations by their next due time.
	DueIndexName = "next_due"
)

// BuntStorage implements core.AutomationStorage using BuntDB.
type BuntStorage struct {
	lastID atomic.Int64
	db     *buntdb.DB
}

// BuntConfig holds configuration options for BuntDB.
type BuntConfig struct {
	// SyncPolicy determines how often data is synchronized to disk.
	SyncPolicy buntdb.SyncPolicy
}

// DefaultBuntConfig returns the default configuration for BuntDB.
func DefaultBuntConfig() BuntConfig {
	return BuntConfig{
		SyncPolicy: buntdb.EverySecond,
	}
}

// NewFromMemory creates an in-memory store with default configuration.
func NewFromMemory() (*BuntStorage, error) {
	return NewBuntStorage(":memory:", DefaultBuntConfig())
}

// NewFromFile creates a file-based store with default configuration.
func NewFromFile(file string) (*BuntStorage, error) {
	return NewBuntStorage(file, DefaultBuntConfig())
}

// NewBuntStorage creates a BuntDB-backed automation store.
func NewBuntStorage(sourceFile string, config BuntConfig) (*BuntStorage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy: config.SyncPolicy,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	if err := db.CreateIndex(DueIndexName, "*", buntdb.IndexJSON("next_due")); err != nil {
		return nil, fmt.Errorf("failed to create due index: %w", err)
	}

	storage := &BuntStorage{db: db}
	if err := storage.restoreLastID(); err != nil {
		return nil, err
	}

	return storage, nil
}

// restoreLastID seeds the ID counter from persisted records so restarting
// never reuses an ID.
func (b *BuntStorage) restoreLastID() error {
	return b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			if id, err := strconv.ParseInt(key, 10, 64); err == nil && id > b.lastID.Load() {
				b.lastID.Store(id)
			}
			return true
		})
	})
}

func (b *BuntStorage) nextID() int64 {
	return b.lastID.Add(1)
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

func put(tx *buntdb.Tx, automation *core.Automation) error {
	content, err := json.Marshal(automation)
	if err != nil {
		return fmt.Errorf("failed to marshal automation: %w", err)
	}

	if _, _, err := tx.Set(key(automation.ID), string(content), nil); err != nil {
		return fmt.Errorf("failed to store automation: %w", err)
	}
	return nil
}

func get(tx *buntdb.Tx, id int64) (*core.Automation, error) {
	value, err := tx.Get(key(id))
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil, core.ErrAutomationNotFound
		}
		return nil, fmt.Errorf("failed to read automation: %w", err)
	}

	var automation core.Automation
	if err := json.Unmarshal([]byte(value), &automation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automation: %w", err)
	}
	return &automation, nil
}

// Upsert implements core.AutomationStorage. The lookup and write happen in a
// single Update transaction, so concurrent submissions for the same
// (user, instrument) pair cannot create duplicates.
func (b *BuntStorage) Upsert(_ context.Context, userID, instrumentID int64, symbol string, cadence core.Cadence, now time.Time) (*core.Automation, error) {
	now = now.UTC()
	var result *core.Automation

	err := b.db.Update(func(tx *buntdb.Tx) error {
		existing, err := findByUserInstrument(tx, userID, instrumentID)
		if err != nil {
			return err
		}

		if existing != nil {
			existing.Symbol = symbol
			existing.Cadence = cadence
			existing.NextDue = now.Add(cadence.Period())
			existing.UpdatedAt = now
			result = existing
			return put(tx, existing)
		}

		automation := &core.Automation{
			ID:           b.nextID(),
			UserID:       userID,
			InstrumentID: instrumentID,
			Symbol:       symbol,
			Cadence:      cadence,
			NextDue:      now.Add(cadence.Period()),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		result = automation
		return put(tx, automation)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func findByUserInstrument(tx *buntdb.Tx, userID, instrumentID int64) (*core.Automation, error) {
	var found *core.Automation
	var iterErr error

	err := tx.Ascend("", func(key, value string) bool {
		var automation core.Automation
		if err := json.Unmarshal([]byte(value), &automation); err != nil {
			iterErr = fmt.Errorf("failed to unmarshal automation %s: %w", key, err)
			return false
		}
		if automation.UserID == userID && automation.InstrumentID == instrumentID {
			found = &automation
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan automations: %w", err)
	}
	if iterErr != nil {
		return nil, iterErr
	}

	return found, nil
}

// Automations implements core.AutomationStorage.
func (b *BuntStorage) Automations(_ context.Context, filters ...core.AutomationFilter) ([]*core.Automation, error) {
	automations := make([]*core.Automation, 0)

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(DueIndexName, func(key, value string) bool {
			var automation core.Automation
			if err := json.Unmarshal([]byte(value), &automation); err != nil {
				return true
			}

			for _, filter := range filters {
				if !filter(automation) {
					return true
				}
			}

			automations = append(automations, &automation)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	return automations, nil
}

// SetCadence implements core.AutomationStorage.
func (b *BuntStorage) SetCadence(_ context.Context, id int64, cadence core.Cadence, now time.Time) (*core.Automation, error) {
	now = now.UTC()
	var result *core.Automation

	err := b.db.Update(func(tx *buntdb.Tx) error {
		automation, err := get(tx, id)
		if err != nil {
			return err
		}

		automation.Cadence = cadence
		automation.NextDue = now.Add(cadence.Period())
		automation.UpdatedAt = now
		result = automation
		return put(tx, automation)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Delete implements core.AutomationStorage. Deleting an unknown id succeeds,
// which keeps the management UI idempotent against double taps.
func (b *BuntStorage) Delete(_ context.Context, id int64) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(id))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

// DueBefore implements core.AutomationStorage.
func (b *BuntStorage) DueBefore(ctx context.Context, t time.Time) ([]*core.Automation, error) {
	return b.Automations(ctx, core.WithDueBeforeOrAt(t))
}

// Claim implements core.AutomationStorage.
func (b *BuntStorage) Claim(_ context.Context, id int64, now time.Time, lease time.Duration) (*core.Automation, bool, error) {
	now = now.UTC()
	var claimed *core.Automation

	err := b.db.Update(func(tx *buntdb.Tx) error {
		automation, err := get(tx, id)
		if err != nil {
			return err
		}

		if !automation.Due(now) || automation.Leased(now) {
			return nil
		}

		automation.LeaseUntil = now.Add(lease)
		claimed = automation
		return put(tx, automation)
	})
	if errors.Is(err, core.ErrAutomationNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return claimed, claimed != nil, nil
}

// Advance implements core.AutomationStorage. The compare-and-swap on the due
// time is what keeps overlapping invocations from double-advancing.
func (b *BuntStorage) Advance(_ context.Context, id int64, from, to time.Time) (bool, error) {
	if !to.After(from) {
		return false, fmt.Errorf("advance must move forward: %s -> %s", from, to)
	}

	advanced := false
	err := b.db.Update(func(tx *buntdb.Tx) error {
		automation, err := get(tx, id)
		if err != nil {
			return err
		}

		if !automation.NextDue.Equal(from) {
			return nil
		}

		automation.NextDue = to.UTC()
		automation.LeaseUntil = time.Time{}
		automation.UpdatedAt = time.Now().UTC()
		advanced = true
		return put(tx, automation)
	})
	if errors.Is(err, core.ErrAutomationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return advanced, nil
}

// RecordFailure implements core.AutomationStorage. A missing record is a
// no-op: the automation may have been deleted while its delivery was in
// flight.
func (b *BuntStorage) RecordFailure(_ context.Context, id int64, reason string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		automation, err := get(tx, id)
		if err != nil {
			return err
		}

		automation.FailCount++
		automation.LastError = reason
		automation.UpdatedAt = time.Now().UTC()
		return put(tx, automation)
	})
	if errors.Is(err, core.ErrAutomationNotFound) {
		return nil
	}
	return err
}

// Close closes the database.
func (b *BuntStorage) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
