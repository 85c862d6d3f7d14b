package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	assert.Equal(t, ":memory:", db.Path)
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestSchemaVersionCancelled(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.SchemaVersion(ctx)
	assert.Error(t, err)
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"memories", "activity_counters", "activity_log"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
}

func TestMemoriesConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO memories (id, user_id, text, importance_score, created_activity_day,
			last_accessed_activity_day, scored_activity_day, created_at, updated_at)
		VALUES ('m1', 'u1', 'ok', 0.5, 3, 3, 3, 1000, 1000)
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO memories (id, user_id, text, importance_score, created_activity_day,
			last_accessed_activity_day, scored_activity_day, created_at, updated_at)
		VALUES ('m2', 'u1', 'bad score', 1.5, 3, 3, 3, 1000, 1000)
	`)
	assert.Error(t, err, "score above 1 should be rejected")

	_, err = db.Exec(`
		INSERT INTO memories (id, user_id, text, importance_score, created_activity_day,
			last_accessed_activity_day, scored_activity_day, created_at, updated_at)
		VALUES ('m3', 'u1', 'accessed before created', 0.5, 5, 4, 5, 1000, 1000)
	`)
	assert.Error(t, err, "last access before creation should be rejected")
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.migrate(context.Background()))
	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/engram.db"

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	m, err := db.CreateMemory(context.Background(), NewMemory{UserID: "u1", Text: "persisted"})
	require.NoError(t, err)
	db.Close()

	db2, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.GetMemory(context.Background(), "u1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Text)
}
