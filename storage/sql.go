package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// SQLStorage implements core.AutomationStorage using a SQL database via GORM.
type SQLStorage struct {
	db *gorm.DB
}

// SQLConfig holds the configuration for SQL database connections.
type SQLConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultSQLConfig returns a default configuration for SQL connections.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// NewFromSQLite creates a new SQLite-backed automation store.
func NewFromSQLite(dbPath string, config SQLConfig, opts ...gorm.Option) (*SQLStorage, error) {
	dialect := sqlite.Open(dbPath)
	return newFromSQL(dialect, config, opts...)
}

func newFromSQL(dialect gorm.Dialector, config SQLConfig, opts ...gorm.Option) (*SQLStorage, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err = db.AutoMigrate(&core.Automation{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStorage{db: db}, nil
}

// Upsert implements core.AutomationStorage. The lookup and write run in one
// transaction to keep the (user, instrument) pair unique under concurrent
// submissions.
func (s *SQLStorage) Upsert(ctx context.Context, userID, instrumentID int64, symbol string, cadence core.Cadence, now time.Time) (*core.Automation, error) {
	now = now.UTC()
	var result *core.Automation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.Automation
		err := tx.Where("user_id = ? AND instrument_id = ?", userID, instrumentID).First(&existing).Error

		switch {
		case err == nil:
			existing.Symbol = symbol
			existing.Cadence = cadence
			existing.NextDue = now.Add(cadence.Period())
			existing.UpdatedAt = now
			result = &existing
			return tx.Save(&existing).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			automation := &core.Automation{
				UserID:       userID,
				InstrumentID: instrumentID,
				Symbol:       symbol,
				Cadence:      cadence,
				NextDue:      now.Add(cadence.Period()),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			result = automation
			return tx.Create(automation).Error

		default:
			return fmt.Errorf("failed to look up automation: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Automations implements core.AutomationStorage. Filters are applied in
// memory over the per-user result set, which stays small.
func (s *SQLStorage) Automations(ctx context.Context, filters ...core.AutomationFilter) ([]*core.Automation, error) {
	var all []*core.Automation
	if err := s.db.WithContext(ctx).Order("next_due").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	automations := make([]*core.Automation, 0, len(all))
	for _, automation := range all {
		matched := true
		for _, filter := range filters {
			if !filter(*automation) {
				matched = false
				break
			}
		}
		if matched {
			automations = append(automations, automation)
		}
	}

	return automations, nil
}

// SetCadence implements core.AutomationStorage.
func (s *SQLStorage) SetCadence(ctx context.Context, id int64, cadence core.Cadence, now time.Time) (*core.Automation, error) {
	now = now.UTC()
	var result *core.Automation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var automation core.Automation
		if err := tx.First(&automation, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrAutomationNotFound
			}
			return fmt.Errorf("failed to look up automation: %w", err)
		}

		automation.Cadence = cadence
		automation.NextDue = now.Add(cadence.Period())
		automation.UpdatedAt = now
		result = &automation
		return tx.Save(&automation).Error
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Delete implements core.AutomationStorage. Unknown ids succeed.
func (s *SQLStorage) Delete(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&core.Automation{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}
	return nil
}

// DueBefore implements core.AutomationStorage.
func (s *SQLStorage) DueBefore(ctx context.Context, t time.Time) ([]*core.Automation, error) {
	var automations []*core.Automation
	err := s.db.WithContext(ctx).
		Where("next_due <= ?", t.UTC()).
		Order("next_due").
		Find(&automations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due automations: %w", err)
	}

	return automations, nil
}

// Claim implements core.AutomationStorage. The conditional update is the
// atomic lease acquisition; zero rows affected means another invocation got
// there first.
func (s *SQLStorage) Claim(ctx context.Context, id int64, now time.Time, lease time.Duration) (*core.Automation, bool, error) {
	now = now.UTC()

	result := s.db.WithContext(ctx).
		Model(&core.Automation{}).
		Where("id = ? AND next_due <= ? AND lease_until <= ?", id, now, now).
		Update("lease_until", now.Add(lease))
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to claim automation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}

	var automation core.Automation
	if err := s.db.WithContext(ctx).First(&automation, id).Error; err != nil {
		return nil, false, fmt.Errorf("failed to reload claimed automation: %w", err)
	}

	return &automation, true, nil
}

// Advance implements core.AutomationStorage.
func (s *SQLStorage) Advance(ctx context.Context, id int64, from, to time.Time) (bool, error) {
	if !to.After(from) {
		return false, fmt.Errorf("advance must move forward: %s -> %s", from, to)
	}

	result := s.db.WithContext(ctx).
		Model(&core.Automation{}).
		Where("id = ? AND next_due = ?", id, from.UTC()).
		Updates(map[string]any{
			"next_due":    to.UTC(),
			"lease_until": time.Time{},
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to advance automation: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// RecordFailure implements core.AutomationStorage.
func (s *SQLStorage) RecordFailure(ctx context.Context, id int64, reason string) error {
	err := s.db.WithContext(ctx).
		Model(&core.Automation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"fail_count": gorm.Expr("fail_count + 1"),
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
