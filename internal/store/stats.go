package store

import (
	"context"
	"fmt"
)

// UserStats summarizes one user's memories.
type UserStats struct {
	UserID        string  `json:"user_id"`
	Active        int     `json:"active"`
	Archived      int     `json:"archived"`
	MeanScore     float64 `json:"mean_score"`
	OutboundLinks int     `json:"outbound_links"`
	ActivityDay   int64   `json:"activity_day"`
}

// Stats returns per-user counts ordered by user id.
func (db *DB) Stats(ctx context.Context) ([]UserStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.user_id,
			SUM(CASE WHEN m.archived = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN m.archived = 1 THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN m.archived = 0 THEN m.importance_score END), 0),
			COALESCE(SUM(json_array_length(m.outbound_links)), 0),
			COALESCE(MAX(a.activity_days), 0)
		FROM memories m
		LEFT JOIN activity_counters a ON a.user_id = m.user_id
		GROUP BY m.user_id
		ORDER BY m.user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var out []UserStats
	for rows.Next() {
		var s UserStats
		if err := rows.Scan(&s.UserID, &s.Active, &s.Archived, &s.MeanScore, &s.OutboundLinks, &s.ActivityDay); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
