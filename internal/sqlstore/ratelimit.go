package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shineum/mail-dispatch/internal/ratelimit"
)

// RateWindows implements ratelimit.Store on the rate_windows table.
type RateWindows struct {
	s *Store
}

// RateWindows returns the rate-window view of the Store.
func (s *Store) RateWindows() *RateWindows {
	return &RateWindows{s: s}
}

var _ ratelimit.Store = (*RateWindows)(nil)

// Load implements ratelimit.Store.
func (r *RateWindows) Load(ctx context.Context, identity string, now time.Time) (ratelimit.Window, error) {
	var w ratelimit.Window
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureWindow(tx, identity, now); err != nil {
			return err
		}
		var err error
		w, err = readWindow(tx, identity)
		return err
	})
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("failed to load rate window %s: %w", identity, err)
	}
	return w, nil
}

// Reset implements ratelimit.Store.
func (r *RateWindows) Reset(ctx context.Context, identity string, now time.Time) (ratelimit.Window, error) {
	row := rateWindowRow{Identity: identity, Counter: 0, WindowStart: dbTime(now)}
	err := r.s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]any{
			"counter":      0,
			"window_start": row.WindowStart,
		}),
	}).Create(&row).Error
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("failed to reset rate window %s: %w", identity, err)
	}
	return ratelimit.Window{Identity: identity, WindowStart: row.WindowStart}, nil
}

// Increment implements ratelimit.Store.
func (r *RateWindows) Increment(ctx context.Context, identity string, now time.Time) (ratelimit.Window, error) {
	var w ratelimit.Window
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureWindow(tx, identity, now); err != nil {
			return err
		}
		err := tx.Model(&rateWindowRow{}).Where("identity = ?", identity).
			Update("counter", gorm.Expr("counter + 1")).Error
		if err != nil {
			return err
		}
		w, err = readWindow(tx, identity)
		return err
	})
	if err != nil {
		return ratelimit.Window{}, fmt.Errorf("failed to increment rate window %s: %w", identity, err)
	}
	return w, nil
}

// Consume implements ratelimit.Store. The conditional UPDATE is the
// atomic step: it only matches while counter is below the limit.
func (r *RateWindows) Consume(ctx context.Context, identity string, now time.Time, limit int, period time.Duration) (ratelimit.Window, bool, error) {
	now = dbTime(now)
	var (
		w  ratelimit.Window
		ok bool
	)
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureWindow(tx, identity, now); err != nil {
			return err
		}

		err := tx.Model(&rateWindowRow{}).
			Where("identity = ? AND window_start <= ?", identity, now.Add(-period)).
			Updates(map[string]any{"counter": 0, "window_start": now}).Error
		if err != nil {
			return err
		}

		res := tx.Model(&rateWindowRow{}).
			Where("identity = ? AND counter < ?", identity, limit).
			Update("counter", gorm.Expr("counter + 1"))
		if res.Error != nil {
			return res.Error
		}
		ok = res.RowsAffected == 1

		w, err = readWindow(tx, identity)
		return err
	})
	if err != nil {
		return ratelimit.Window{}, false, fmt.Errorf("failed to consume rate window %s: %w", identity, err)
	}
	return w, ok, nil
}

// Release implements ratelimit.Store.
func (r *RateWindows) Release(ctx context.Context, identity string, windowStart time.Time) error {
	err := r.s.db.WithContext(ctx).Model(&rateWindowRow{}).
		Where("identity = ? AND window_start = ? AND counter > 0", identity, dbTime(windowStart)).
		Update("counter", gorm.Expr("counter - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to release rate window %s: %w", identity, err)
	}
	return nil
}

func ensureWindow(tx *gorm.DB, identity string, now time.Time) error {
	row := rateWindowRow{Identity: identity, Counter: 0, WindowStart: dbTime(now)}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func readWindow(tx *gorm.DB, identity string) (ratelimit.Window, error) {
	var row rateWindowRow
	if err := tx.First(&row, "identity = ?", identity).Error; err != nil {
		return ratelimit.Window{}, err
	}
	return ratelimit.Window{
		Identity:    row.Identity,
		Count:       row.Counter,
		WindowStart: row.WindowStart.UTC(),
	}, nil
}
