package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when a memory id is unknown for the user.
var ErrNotFound = errors.New("memory not found")

// DefaultScore is the importance a memory starts with.
const DefaultScore = 0.5

// Lifecycle is the discrete state of a memory. Score is continuous; the
// transition between states happens only at explicit archive/restore points.
type Lifecycle int

const (
	Active Lifecycle = iota
	Archived
)

func (l Lifecycle) String() string {
	if l == Archived {
		return "archived"
	}
	return "active"
}

// Memory is a discrete fact owned by one user.
type Memory struct {
	ID                      string
	UserID                  string
	Text                    string
	Embedding               []float64
	ImportanceScore         float64
	AccessCount             int
	CreatedActivityDay      int64
	LastAccessedActivityDay int64
	ScoredActivityDay       int64
	ScoredAt                *time.Time
	ExpiresAt               *time.Time
	HappensAt               *time.Time
	OutboundLinks           []Link
	InboundLinks            []Link
	Archived                bool
	ArchivedAt              *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Lifecycle returns the memory's current lifecycle state.
func (m *Memory) Lifecycle() Lifecycle {
	if m.Archived {
		return Archived
	}
	return Active
}

// NewMemory holds the fields supplied when a memory is created.
type NewMemory struct {
	UserID    string
	Text      string
	Embedding []float64
	ExpiresAt *time.Time
	HappensAt *time.Time
}

const memoryColumns = `id, user_id, text, embedding, importance_score, access_count,
	created_activity_day, last_accessed_activity_day, scored_activity_day, scored_at,
	expires_at, happens_at, outbound_links, inbound_links, archived, archived_at,
	created_at, updated_at`

// CreateMemory inserts a new memory with the default score and both activity
// snapshots at the user's current activity day.
func (db *DB) CreateMemory(ctx context.Context, nm NewMemory) (*Memory, error) {
	if nm.UserID == "" {
		return nil, fmt.Errorf("create memory: user id required")
	}

	var m *Memory
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		day, err := currentDay(ctx, tx, nm.UserID)
		if err != nil {
			return err
		}

		now := time.Now()
		m = &Memory{
			ID:                      ulid.Make().String(),
			UserID:                  nm.UserID,
			Text:                    nm.Text,
			Embedding:               nm.Embedding,
			ImportanceScore:         DefaultScore,
			CreatedActivityDay:      day,
			LastAccessedActivityDay: day,
			ScoredActivityDay:       day,
			ExpiresAt:               nm.ExpiresAt,
			HappensAt:               nm.HappensAt,
			CreatedAt:               now,
			UpdatedAt:               now,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (id, user_id, text, embedding, importance_score, access_count,
				created_activity_day, last_accessed_activity_day, scored_activity_day, scored_at,
				expires_at, happens_at, outbound_links, inbound_links, archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, NULL, ?, ?, '[]', '[]', 0, ?, ?)
		`, m.ID, m.UserID, m.Text, encodeEmbedding(m.Embedding), m.ImportanceScore,
			day, day, day,
			millisOrNil(m.ExpiresAt), millisOrNil(m.HappensAt),
			now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create memory: %w", err)
	}
	return m, nil
}

// GetMemory returns a memory by id, archived or not.
func (db *DB) GetMemory(ctx context.Context, userID, id string) (*Memory, error) {
	return getMemory(ctx, db, userID, id)
}

func getMemory(ctx context.Context, q querier, userID, id string) (*Memory, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND id = ?`, userID, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// GetMemories returns the memories for ids that exist. Missing ids are
// silently omitted; callers compare requested and returned ids to find
// dead references.
func (db *DB) GetMemories(ctx context.Context, userID string, ids []string) ([]Memory, error) {
	return getMemories(ctx, db, userID, ids)
}

func getMemories(ctx context.Context, q querier, userID string, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND id IN (%s)`,
		placeholders(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// UpdateScore persists a recomputed importance score.
func (db *DB) UpdateScore(ctx context.Context, userID, id string, score float64, scoredDay int64, scoredAt time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET importance_score = ?, scored_activity_day = ?, scored_at = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`, score, scoredDay, scoredAt.UnixMilli(), time.Now().UnixMilli(), userID, id)
	if err != nil {
		return fmt.Errorf("update score %s: %w", id, err)
	}
	return expectRow(res, id)
}

// RecordAccess increments access_count and moves the last-access snapshot
// to day. Returns the updated memory.
func (db *DB) RecordAccess(ctx context.Context, userID, id string, day int64) (*Memory, error) {
	var m *Memory
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET access_count = access_count + 1,
				last_accessed_activity_day = MAX(last_accessed_activity_day, ?),
				updated_at = ?
			WHERE user_id = ? AND id = ?
		`, day, time.Now().UnixMilli(), userID, id)
		if err != nil {
			return fmt.Errorf("record access %s: %w", id, err)
		}
		if err := expectRow(res, id); err != nil {
			return err
		}
		m, err = getMemory(ctx, tx, userID, id)
		return err
	})
	return m, err
}

// Archive moves a memory out of the active set unconditionally.
func (db *DB) Archive(ctx context.Context, userID, id string) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET archived = 1, archived_at = COALESCE(archived_at, ?), updated_at = ?
		WHERE user_id = ? AND id = ?
	`, now, now, userID, id)
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	return expectRow(res, id)
}

// ArchiveIfBelow archives an active memory only while its stored score is
// at or below threshold. A concurrent touch that raised the score wins.
func (db *DB) ArchiveIfBelow(ctx context.Context, userID, id string, threshold float64) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET archived = 1, archived_at = ?, updated_at = ?
		WHERE user_id = ? AND id = ? AND archived = 0 AND importance_score <= ?
	`, now, now, userID, id, threshold)
	if err != nil {
		return false, fmt.Errorf("archive %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Restore returns an archived memory to the active set and resets its
// last-access snapshot to day.
func (db *DB) Restore(ctx context.Context, userID, id string, day int64) (*Memory, error) {
	var m *Memory
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE memories SET archived = 0, archived_at = NULL,
				last_accessed_activity_day = MAX(created_activity_day, ?),
				updated_at = ?
			WHERE user_id = ? AND id = ?
		`, day, time.Now().UnixMilli(), userID, id)
		if err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
		if err := expectRow(res, id); err != nil {
			return err
		}
		m, err = getMemory(ctx, tx, userID, id)
		return err
	})
	return m, err
}

// DeleteMemory destroys a memory. Peers keep their entries pointing at it;
// those are repaired when a traversal reaches them.
func (db *DB) DeleteMemory(ctx context.Context, userID, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return expectRow(res, id)
}

// ListSweepCandidates returns active memories that need a scheduled rescore:
// idle for at least idleDays activity days, or carrying a temporal field
// whose multiplier moves with calendar time.
func (db *DB) ListSweepCandidates(ctx context.Context, userID string, currentDay int64, idleDays int64) ([]Memory, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND archived = 0
		  AND (? - last_accessed_activity_day >= ? OR happens_at IS NOT NULL OR expires_at IS NOT NULL)
		ORDER BY last_accessed_activity_day ASC
	`, userID, currentDay, idleDays)
	if err != nil {
		return nil, fmt.Errorf("list sweep candidates: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListUsers returns every user id that owns at least one memory.
func (db *DB) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memories ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var embedding []byte
	var archived int
	var scoredAt, expiresAt, happensAt, archivedAt sql.NullInt64
	var outbound, inbound string
	var createdAt, updatedAt int64

	err := row.Scan(&m.ID, &m.UserID, &m.Text, &embedding, &m.ImportanceScore, &m.AccessCount,
		&m.CreatedActivityDay, &m.LastAccessedActivityDay, &m.ScoredActivityDay, &scoredAt,
		&expiresAt, &happensAt, &outbound, &inbound, &archived, &archivedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if m.OutboundLinks, err = decodeLinks(outbound); err != nil {
		return nil, fmt.Errorf("memory %s outbound: %w", m.ID, err)
	}
	if m.InboundLinks, err = decodeLinks(inbound); err != nil {
		return nil, fmt.Errorf("memory %s inbound: %w", m.ID, err)
	}
	m.Embedding = decodeEmbedding(embedding)
	m.Archived = archived != 0
	m.ScoredAt = timeOrNil(scoredAt)
	m.ExpiresAt = timeOrNil(expiresAt)
	m.HappensAt = timeOrNil(happensAt)
	m.ArchivedAt = timeOrNil(archivedAt)
	m.CreatedAt = time.UnixMilli(createdAt)
	m.UpdatedAt = time.UnixMilli(updatedAt)
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
