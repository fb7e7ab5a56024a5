package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"agentcore/pkg/proto"
)

// createV1Schema lays down the original schema without later migrations.
func createV1Schema(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := GetSchemaVersion(db)
	require.NoError(t, err)
	for _, stmt := range baseSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, setSchemaVersion(db, 1))
}

func TestMigrateV1ToCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	createV1Schema(t, raw)
	_, err = raw.Exec(`INSERT INTO memory_items (id, text, embedding, dimensions, created_at) VALUES ('m1', 'old fact', ?, 2, ?)`,
		EncodeVector([]float32{1, 0}), time.Now().UnixNano())
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	version, err := GetSchemaVersion(db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	item, err := db.Ops().GetMemoryItem(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "old fact", item.Text)
	assert.Zero(t, item.Importance)
	assert.True(t, item.ExpiresAt.IsZero())
	assert.Equal(t, []float32{1, 0}, item.Embedding)

	var triggers int
	require.NoError(t, db.SQL().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name IN ('activities_no_delete', 'messages_no_update', 'messages_no_delete')`,
	).Scan(&triggers))
	assert.Equal(t, 3, triggers)
}

func TestRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = GetSchemaVersion(raw)
	require.NoError(t, err)
	require.NoError(t, setSchemaVersion(raw, CurrentSchemaVersion+1))
	require.NoError(t, raw.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestActivitiesAreAppendOnly(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Ops().InsertActivity(ctx, &Activity{
		ID: "a1", WorkerID: "w1", Timestamp: time.Now().UTC(), Category: "THINKING",
	}))

	_, err := db.SQL().ExecContext(ctx, `UPDATE activities SET description = 'edited' WHERE id = 'a1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = db.SQL().ExecContext(ctx, `DELETE FROM activities WHERE id = 'a1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestMessagesAreImmutable(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1")

	m, err := proto.NewRequest("a", "b", "ping", nil, proto.WithConversation("c1"))
	require.NoError(t, err)
	require.NoError(t, db.Ops().InsertMessage(ctx, m, 0))

	for _, stmt := range []string{
		`UPDATE messages SET content = '{}' WHERE id = ?`,
		`DELETE FROM messages WHERE id = ?`,
	} {
		_, err := db.SQL().ExecContext(ctx, stmt, m.ID)
		require.Error(t, err, stmt)
		assert.Contains(t, err.Error(), "immutable")
	}

	got, err := db.Ops().GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
