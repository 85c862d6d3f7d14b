package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dateLayout is the calendar-date key for the activity log.
const dateLayout = "2006-01-02"

// RecordActivity marks userID active on the calendar date of at (in at's own
// location) and returns the activity-day counter. The counter advances at
// most once per distinct date; repeat calls for a date are no-ops.
func (db *DB) RecordActivity(ctx context.Context, userID string, at time.Time) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("record activity: user id required")
	}
	date := at.Format(dateLayout)

	var day int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := currentDay(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO activity_log (user_id, activity_date, day_number, recorded_at)
			VALUES (?, ?, ?, ?)
		`, userID, date, current+1, now)
		if err != nil {
			return fmt.Errorf("insert activity log: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			day = current
			return nil
		}

		day = current + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity_counters (user_id, activity_days, last_active_date, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				activity_days = excluded.activity_days,
				last_active_date = MAX(COALESCE(last_active_date, ''), excluded.last_active_date),
				updated_at = excluded.updated_at
		`, userID, day, date, now)
		if err != nil {
			return fmt.Errorf("bump activity counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record activity: %w", err)
	}
	return day, nil
}

// CurrentActivityDay returns the user's activity-day counter. A user who has
// never been active is on day 0.
func (db *DB) CurrentActivityDay(ctx context.Context, userID string) (int64, error) {
	return currentDay(ctx, db, userID)
}

func currentDay(ctx context.Context, q querier, userID string) (int64, error) {
	var day int64
	err := q.QueryRowContext(ctx,
		`SELECT activity_days FROM activity_counters WHERE user_id = ?`, userID).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read activity counter: %w", err)
	}
	return day, nil
}
