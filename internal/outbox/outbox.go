// Package outbox implements the transactional outbox: a durable queue of
// pending ledger commands, written atomically with the business state that
// caused them and drained via a race-safe claim-and-lock primitive.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state of an outbox row.
type Status string

// All outbox statuses.
const (
	StatusPending   Status = "PENDING"
	StatusLocked    Status = "LOCKED"
	StatusCommitted Status = "COMMITTED"
	StatusFailed    Status = "FAILED"
)

// Command is a durable row describing a pending ledger command.
//
// Invariants (enforced by the methods in this package, not by the caller):
// a LOCKED row always has both LockedBy and LockedAt set; COMMITTED is
// terminal; FAILED with Attempts >= maxRetries is terminal (dead-letter).
// (TenantID, Service, RequestID) is the logical idempotency key; Enqueue
// does not check it for duplicates and the table has no unique index on it.
type Command struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID    string    `gorm:"size:64;index;not null;default:default"`
	Service     string    `gorm:"size:64;index;not null"`
	CommandType string    `gorm:"size:64;index;not null"`
	RequestID   string    `gorm:"size:128;not null"`
	Payload     []byte    `gorm:"type:bytea;not null"`
	Status      Status    `gorm:"size:16;index;not null"`
	Attempts    int       `gorm:"not null;default:0"`
	LockedBy    string    `gorm:"size:128"`
	LockedAt    *time.Time
	SubmittedAt *time.Time
	FabricTxID  string `gorm:"size:128;index"`
	CommitBlock uint64
	Error       string `gorm:"type:text"`
	ErrorCode   string `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the gorm table name independent of struct renames.
func (Command) TableName() string { return "outbox_commands" }

// Tunables bundles the claim-and-lock knobs named in §4.3; defaults mirror
// the operating spec's stated values.
type Tunables struct {
	BatchSize   int
	MaxRetries  int
	LockTimeout time.Duration
}

// DefaultTunables returns the documented defaults: batchSize=10,
// maxRetries=5, lockTimeout=300s.
func DefaultTunables() Tunables {
	return Tunables{BatchSize: 10, MaxRetries: 5, LockTimeout: 300 * time.Second}
}

// AutoMigrate creates the outbox_commands table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Command{})
}

// Enqueue inserts a new PENDING command. Callers MUST invoke this against a
// *gorm.DB that is already inside the same local transaction as the
// business-state mutation that justified the command; that joint commit is
// the only thing keeping on-ledger effects consistent with off-ledger state
// across a crash.
func Enqueue(tx *gorm.DB, tenantID, service, commandType, requestID string, payload []byte) (*Command, error) {
	cmd := &Command{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Service:     service,
		CommandType: commandType,
		RequestID:   requestID,
		Payload:     payload,
		Status:      StatusPending,
	}
	if err := tx.Create(cmd).Error; err != nil {
		return nil, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return cmd, nil
}

// ErrLeaseLost is returned by Commit/Fail when the row was no longer held
// by the caller's lease at update time (stolen by another worker after
// expiry, or already terminal).
var ErrLeaseLost = errors.New("outbox: lease lost")

// ClaimBatch atomically selects up to tunables.BatchSize eligible rows —
// PENDING, stale LOCKED (lockedAt older than lockTimeout), or FAILED with
// attempts below maxRetries — skips rows currently held by other workers,
// and promotes the selected rows to LOCKED under the caller's workerID.
// The selection and promotion happen in one statement so that two workers
// polling concurrently never observe the same row.
func ClaimBatch(ctx context.Context, db *gorm.DB, workerID string, tunables Tunables) ([]Command, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-tunables.LockTimeout)

	// The eligibility predicate is repeated in both the subquery and the
	// outer UPDATE's WHERE clause: the subquery picks candidate ids, and
	// the outer re-check ensures a row that a concurrent claimant already
	// promoted to LOCKED between the subquery snapshot and this update
	// taking its row lock is excluded rather than re-stolen. RETURNING
	// hands back exactly the rows this call claimed.
	const claimSQL = `
		UPDATE outbox_commands
		SET status = ?, locked_by = ?, locked_at = ?
		WHERE id IN (
			SELECT id FROM outbox_commands
			WHERE (status = ?)
			   OR (status = ? AND locked_at < ?)
			   OR (status = ? AND attempts < ?)
			ORDER BY created_at ASC
			LIMIT ?
		)
		AND (
			(status = ?)
			OR (status = ? AND locked_at < ?)
			OR (status = ? AND attempts < ?)
		)
		RETURNING *`

	var claimed []Command
	err := db.WithContext(ctx).Raw(claimSQL,
		StatusLocked, workerID, now,
		StatusPending, StatusLocked, staleBefore, StatusFailed, tunables.MaxRetries, tunables.BatchSize,
		StatusPending, StatusLocked, staleBefore, StatusFailed, tunables.MaxRetries,
	).Scan(&claimed).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	return claimed, nil
}

// Commit transitions a row LOCKED -> COMMITTED, conditional on the row
// still being held by workerID. Returns ErrLeaseLost if the lease had
// already been reclaimed by another worker.
func Commit(ctx context.Context, db *gorm.DB, cmdID uuid.UUID, workerID, fabricTxID string, commitBlock uint64) error {
	result := db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND status = ? AND locked_by = ?", cmdID, StatusLocked, workerID).
		Updates(map[string]any{
			"status":       StatusCommitted,
			"fabric_tx_id": fabricTxID,
			"commit_block": commitBlock,
			"error":        "",
			"error_code":   "",
			"locked_by":    "",
			"locked_at":    nil,
		})
	if result.Error != nil {
		return fmt.Errorf("outbox: commit: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail transitions a row LOCKED -> FAILED, conditional on the row still
// being held by workerID, incrementing Attempts and recording the error.
// When the resulting attempts count reaches maxRetries the row becomes a
// dead letter: it remains FAILED but is permanently excluded from future
// ClaimBatch calls by the attempts < maxRetries predicate.
func Fail(ctx context.Context, db *gorm.DB, cmdID uuid.UUID, workerID, errMsg, errCode string) error {
	result := db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND status = ? AND locked_by = ?", cmdID, StatusLocked, workerID).
		Updates(map[string]any{
			"status":     StatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"error":      truncate(errMsg, 2000),
			"error_code": errCode,
			"locked_by":  "",
			"locked_at":  nil,
		})
	if result.Error != nil {
		return fmt.Errorf("outbox: fail: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
