package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/proto"
)

func createTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *DB, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Ops().InsertConversation(context.Background(), &Conversation{
		ID: id, Status: ConversationActive, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestOpenCreatesCurrentSchema(t *testing.T) {
	db := createTestDB(t)

	version, err := GetSchemaVersion(db.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, db.Close())
	again, err := Open(db.Path())
	require.NoError(t, err)
	defer again.Close()
	version, err = GetSchemaVersion(again.SQL())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(ops *Ops) error {
		now := time.Now().UTC()
		if err := ops.InsertConversation(ctx, &Conversation{ID: "c1", Status: ConversationActive, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Ops().GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = db.WithTx(ctx, func(ops *Ops) error {
			now := time.Now().UTC()
			_ = ops.InsertConversation(ctx, &Conversation{ID: "c1", Status: ConversationActive, CreatedAt: now, UpdatedAt: now})
			panic("boom")
		})
	})

	_, err := db.Ops().GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxCommits(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	m, err := proto.NewRequest("a", "b", "ping", nil, proto.WithConversation("c1"))
	require.NoError(t, err)

	err = db.WithTx(ctx, func(ops *Ops) error {
		now := time.Now().UTC()
		if err := ops.InsertConversation(ctx, &Conversation{ID: "c1", Status: ConversationActive, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := ops.InsertMessage(ctx, m, 0); err != nil {
			return err
		}
		return ops.InsertDelivery(ctx, m.ID, m.Receiver, now)
	})
	require.NoError(t, err)

	got, err := db.Ops().GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestReadsDoNotWaitForOpenTransaction(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c0")

	inTx := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- db.WithTx(ctx, func(ops *Ops) error {
			now := time.Now().UTC()
			if err := ops.InsertConversation(ctx, &Conversation{ID: "c1", Status: ConversationActive, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
			close(inTx)
			<-release
			return nil
		})
	}()
	<-inTx

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := db.Reads().GetConversation(readCtx, "c0")
	require.NoError(t, err, "read must not queue behind the open transaction")
	assert.Equal(t, "c0", got.ID)

	_, err = db.Reads().GetConversation(readCtx, "c1")
	assert.ErrorIs(t, err, ErrNotFound, "uncommitted rows are invisible to readers")

	close(release)
	require.NoError(t, <-done)

	got, err = db.Reads().GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
}

func TestReadsRejectWrites(t *testing.T) {
	db := createTestDB(t)
	now := time.Now().UTC()
	err := db.Reads().InsertConversation(context.Background(), &Conversation{ID: "c1", Status: ConversationActive, CreatedAt: now, UpdatedAt: now})
	assert.Error(t, err)
}
