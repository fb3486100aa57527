package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestEnqueueThenClaim(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := Enqueue(db, "default", "identity", "CREATE_USER", "req-1", []byte(`{}`))
	require.NoError(t, err)

	claimed, err := ClaimBatch(ctx, db, "worker-a", DefaultTunables())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, StatusLocked, claimed[0].Status)
	require.Equal(t, "worker-a", claimed[0].LockedBy)
	require.NotNil(t, claimed[0].LockedAt)
}

func TestClaimBatchSkipsFreshlyLockedRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := Enqueue(db, "default", "identity", "CREATE_USER", "req-1", []byte(`{}`))
	require.NoError(t, err)

	first, err := ClaimBatch(ctx, db, "worker-a", DefaultTunables())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := ClaimBatch(ctx, db, "worker-b", DefaultTunables())
	require.NoError(t, err)
	require.Empty(t, second, "a freshly-locked row must not be claimable by another worker")
}

func TestClaimBatchReclaimsStaleLocks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cmd, err := Enqueue(db, "default", "identity", "CREATE_USER", "req-1", []byte(`{}`))
	require.NoError(t, err)

	staleAt := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&Command{}).Where("id = ?", cmd.ID).Updates(map[string]any{
		"status":    StatusLocked,
		"locked_by": "worker-dead",
		"locked_at": staleAt,
	}).Error)

	tunables := Tunables{BatchSize: 10, MaxRetries: 5, LockTimeout: time.Minute}
	claimed, err := ClaimBatch(ctx, db, "worker-b", tunables)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "worker-b", claimed[0].LockedBy)
}

func TestClaimBatchExcludesDeadLetters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cmd, err := Enqueue(db, "default", "identity", "CREATE_USER", "req-1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, db.Model(&Command{}).Where("id = ?", cmd.ID).Updates(map[string]any{
		"status":   StatusFailed,
		"attempts": 5,
	}).Error)

	claimed, err := ClaimBatch(ctx, db, "worker-a", DefaultTunables())
	require.NoError(t, err)
	require.Empty(t, claimed, "a dead-lettered row (attempts >= maxRetries) must never be claimed")
}

func TestCommitRequiresValidLease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cmd, err := Enqueue(db, "default", "identity", "CREATE_USER", "req-1", []byte(`{}`))
	require.NoError(t, err)
	claimed, err := ClaimBatch(ctx, db, "worker-a", DefaultTunables())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = Commit(ctx, db, cmd.ID, "worker-b", "tx-1", 42)
	require.ErrorIs(t, err, ErrLeaseLost)

	err = Commit(ctx, db, cmd.ID, "worker-a", "tx-1", 42)
	require.NoError(t, err)

	var reloaded Command
	require.NoError(t, db.First(&reloaded, "id = ?", cmd.ID).Error)
	require.Equal(t, StatusCommitted, reloaded.Status)
	require.Equal(t, "tx-1", reloaded.FabricTxID)
}

func TestFailIncrementsAttempts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cmd, err := Enqueue(db, "default", "identity", "CREATE_USER", "req-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = ClaimBatch(ctx, db, "worker-a", DefaultTunables())
	require.NoError(t, err)

	require.NoError(t, Fail(ctx, db, cmd.ID, "worker-a", "ledger unavailable", "TRANSPORT"))

	var reloaded Command
	require.NoError(t, db.First(&reloaded, "id = ?", cmd.ID).Error)
	require.Equal(t, StatusFailed, reloaded.Status)
	require.Equal(t, 1, reloaded.Attempts)
	require.Equal(t, "TRANSPORT", reloaded.ErrorCode)
}
