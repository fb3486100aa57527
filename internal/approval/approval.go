// Package approval implements the Multi-Signature / Approval Engine (C6):
// m-of-n authorisation for privileged actions — protocol governance,
// treasury multi-sig, and deployment promotion — gating a command before
// it ever enters the transactional outbox.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/outbox"
)

// TransactionStatus is the lifecycle state of a PendingMultiSigTransaction.
type TransactionStatus string

// All pending-transaction statuses.
const (
	StatusPending   TransactionStatus = "PENDING"
	StatusApproved  TransactionStatus = "APPROVED"
	StatusExecuted  TransactionStatus = "EXECUTED"
	StatusCancelled TransactionStatus = "CANCELLED"
	StatusExpired   TransactionStatus = "EXPIRED"
	StatusRejected  TransactionStatus = "REJECTED"
)

// SignatoryRule is one candidate authorisation rule for an entity. The
// lowest ruleOrder whose filters (transaction type, amount range, validity
// window) match the proposed action wins.
type SignatoryRule struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID          string    `gorm:"size:64;index;not null;default:default"`
	EntityType        string    `gorm:"size:32;index;not null"`
	EntityID          string    `gorm:"size:64;index;not null"`
	RuleOrder         int       `gorm:"not null"`
	MinAmount         *string   `gorm:"size:78"`
	MaxAmount         *string   `gorm:"size:78"`
	RequiredApprovals int       `gorm:"not null"`
	TransactionTypes  string    `gorm:"type:text"` // JSON []string; empty list means "any"
	ApproverRoles     string    `gorm:"type:text"` // JSON []string
	AutoExecute       bool      `gorm:"not null;default:false"`
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	IsActive          bool `gorm:"not null;default:true"`
}

// PendingMultiSigTransaction is a proposed privileged action awaiting
// m-of-n sign-off before it is allowed to enter the outbox.
type PendingMultiSigTransaction struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID          string    `gorm:"size:64;index;not null;default:default"`
	EntityType        string    `gorm:"size:32;index;not null"`
	EntityID          string    `gorm:"size:64;index;not null"`
	TransactionType   string    `gorm:"size:64;index;not null"`
	FromEntityID      string    `gorm:"size:64"`
	ToEntityID        string    `gorm:"size:64"`
	Amount            string    `gorm:"size:78"`
	Fee               string    `gorm:"size:78;default:0"`
	Purpose           string    `gorm:"size:128"`
	Category          string    `gorm:"size:64"`
	ExternalRef       string    `gorm:"size:128"`
	RequiredApprovals int       `gorm:"not null"`
	CurrentApprovals  int       `gorm:"not null;default:0"`
	Status            TransactionStatus `gorm:"size:16;index;not null"`
	InitiatedBy       string    `gorm:"size:64;not null"`
	InitiatedAt       time.Time
	ExpiresAt         time.Time `gorm:"index"`
	ExecutedAt        *time.Time
	ExecutedTxID      string `gorm:"size:128"`
	RejectedBy        string `gorm:"size:64"`
	RejectedAt        *time.Time
	RejectionReason   string `gorm:"type:text"`
	CommandPayload    []byte `gorm:"type:bytea"`
	CommandType       string `gorm:"size:64"`
	Votes             []MultiSigVote `gorm:"foreignKey:PendingTxID"`
}

// MultiSigVote is a single signatory's vote on a pending transaction.
type MultiSigVote struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	PendingTxID uuid.UUID `gorm:"type:uuid;index;not null"`
	VoterID     string    `gorm:"size:64;index;not null"`
	VoterRole   string    `gorm:"size:64"`
	Approved    bool      `gorm:"not null"`
	Remarks     string    `gorm:"type:text"`
	VotedAt     time.Time
}

// DeploymentPhase is the execution-time state of a promotion once its
// approval has cleared.
type DeploymentPhase string

// All deployment phases.
const (
	DeploymentPendingApproval DeploymentPhase = "PENDING_APPROVAL"
	DeploymentInProgress      DeploymentPhase = "IN_PROGRESS"
	DeploymentHealthCheck     DeploymentPhase = "HEALTH_CHECK"
	DeploymentCompleted       DeploymentPhase = "COMPLETED"
	DeploymentFailed          DeploymentPhase = "FAILED"
	DeploymentRolledBack      DeploymentPhase = "ROLLED_BACK"
)

// promotionOrder enforces devnet -> testnet -> mainnet.
var promotionOrder = map[string]int{"devnet": 0, "testnet": 1, "mainnet": 2}

// DeploymentRecord tracks one service promotion through its approval and
// execution lifecycle.
type DeploymentRecord struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Service          string          `gorm:"size:64;not null"`
	SourceEnv        string          `gorm:"size:32;not null"`
	TargetEnv        string          `gorm:"size:32;not null"`
	ImageTag         string          `gorm:"size:128;not null"`
	PreviousImageTag string          `gorm:"size:128"`
	Reason           string          `gorm:"type:text"`
	Status           DeploymentPhase `gorm:"size:32;index;not null"`
	RequestedBy      string          `gorm:"size:64;not null"`
	ApprovalID       uuid.UUID       `gorm:"type:uuid;index"`
	Logs             string          `gorm:"type:text"` // newline-joined log entries
}

// AutoMigrate migrates every table owned by this package.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SignatoryRule{}, &PendingMultiSigTransaction{}, &MultiSigVote{}, &DeploymentRecord{})
}

// ErrAlreadyVoted is returned when voterID has already cast a vote on this
// pending transaction.
var ErrAlreadyVoted = errors.New("approval: voter has already voted")

// ErrNotInitiator is returned when someone other than the initiator
// attempts to cancel a pending transaction.
var ErrNotInitiator = errors.New("approval: only the initiator may cancel")

// ErrNotPending is returned when an operation requires PENDING status but
// the transaction has already left it.
var ErrNotPending = errors.New("approval: transaction is not pending")

// SelectRule returns the winning rule for a proposed action, or nil if no
// rule matches (meaning the action executes immediately, unauthorised).
// Candidates are iterated in ruleOrder ascending; the first whose
// transactionTypes (empty = any) and [minAmount, maxAmount] window
// (open-ended bounds allowed) match wins.
func SelectRule(db *gorm.DB, now time.Time, tenantID, entityType, entityID, transactionType string, amount *big.Int) (*SignatoryRule, error) {
	var candidates []SignatoryRule
	err := db.Where("tenant_id = ? AND entity_type = ? AND entity_id = ? AND is_active = ?",
		tenantID, entityType, entityID, true).
		Order("rule_order ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("approval: select rule: %w", err)
	}

	for i := range candidates {
		rule := &candidates[i]
		if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
			continue
		}
		if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
			continue
		}
		if !typeMatches(rule.TransactionTypes, transactionType) {
			continue
		}
		if !amountInRange(rule.MinAmount, rule.MaxAmount, amount) {
			continue
		}
		return rule, nil
	}
	return nil, nil
}

func typeMatches(encodedTypes, transactionType string) bool {
	if encodedTypes == "" {
		return true
	}
	var types []string
	if err := json.Unmarshal([]byte(encodedTypes), &types); err != nil {
		return true
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == transactionType {
			return true
		}
	}
	return false
}

func amountInRange(minStr, maxStr *string, amount *big.Int) bool {
	if amount == nil {
		return true
	}
	if minStr != nil {
		if min, ok := new(big.Int).SetString(*minStr, 10); ok && amount.Cmp(min) < 0 {
			return false
		}
	}
	if maxStr != nil {
		if max, ok := new(big.Int).SetString(*maxStr, 10); ok && amount.Cmp(max) > 0 {
			return false
		}
	}
	return true
}

// Vote records a signatory's decision on a pending transaction. Approvals
// that reach requiredApprovals move the transaction to APPROVED and, when
// the pending transaction carries a CommandType, enqueue that outbox
// command in the same local transaction as the vote itself; a rule's
// AutoExecute flag is not consulted here. A dissenting vote is always
// recorded; it only forces REJECTED when the remaining eligible voters can
// no longer possibly reach requiredApprovals. A vote on a transaction past
// its ExpiresAt marks it EXPIRED and returns ErrNotPending.
func Vote(db *gorm.DB, now time.Time, pendingTxID uuid.UUID, voterID, voterRole string, approvedVote bool, remarks string, eligibleVoters int, tenantID, service string) error {
	expired := false
	err := db.Transaction(func(tx *gorm.DB) error {
		var pending PendingMultiSigTransaction
		if err := tx.Where("id = ?", pendingTxID).First(&pending).Error; err != nil {
			return fmt.Errorf("approval: load pending transaction: %w", err)
		}

		if !pending.ExpiresAt.IsZero() && now.After(pending.ExpiresAt) && isNonTerminal(pending.Status) {
			if err := tx.Model(&pending).Update("status", StatusExpired).Error; err != nil {
				return err
			}
			expired = true
			return nil
		}
		if pending.Status != StatusPending {
			return ErrNotPending
		}

		var existing int64
		if err := tx.Model(&MultiSigVote{}).
			Where("pending_tx_id = ? AND voter_id = ?", pendingTxID, voterID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("approval: check existing vote: %w", err)
		}
		if existing > 0 {
			return ErrAlreadyVoted
		}

		vote := MultiSigVote{
			ID:          uuid.New(),
			PendingTxID: pendingTxID,
			VoterID:     voterID,
			VoterRole:   voterRole,
			Approved:    approvedVote,
			Remarks:     remarks,
			VotedAt:     now,
		}
		if err := tx.Create(&vote).Error; err != nil {
			return fmt.Errorf("approval: record vote: %w", err)
		}

		var totalVotes, approvals, rejections int64
		if err := tx.Model(&MultiSigVote{}).Where("pending_tx_id = ?", pendingTxID).Count(&totalVotes).Error; err != nil {
			return err
		}
		if err := tx.Model(&MultiSigVote{}).Where("pending_tx_id = ? AND approved = ?", pendingTxID, true).Count(&approvals).Error; err != nil {
			return err
		}
		rejections = totalVotes - approvals

		updates := map[string]any{"current_approvals": int(approvals)}

		switch {
		case int(approvals) >= pending.RequiredApprovals:
			updates["status"] = StatusApproved
		case quorumImpossible(eligibleVoters, int(totalVotes), int(approvals), int(rejections), pending.RequiredApprovals):
			updates["status"] = StatusRejected
			updates["rejected_by"] = voterID
			updates["rejected_at"] = now
			updates["rejection_reason"] = "quorum no longer achievable after dissenting votes"
		}

		if err := tx.Model(&pending).Updates(updates).Error; err != nil {
			return fmt.Errorf("approval: update pending transaction status: %w", err)
		}

		if status, ok := updates["status"]; ok && status == StatusApproved {
			if pending.CommandType != "" {
				if _, err := outbox.Enqueue(tx, tenantID, service, pending.CommandType, pendingTxID.String(), pending.CommandPayload); err != nil {
					return fmt.Errorf("approval: enqueue approved command: %w", err)
				}
			}
			if err := beginLinkedDeployment(tx, pendingTxID); err != nil {
				return fmt.Errorf("approval: begin linked deployment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expired {
		return ErrNotPending
	}
	return nil
}

// beginLinkedDeployment starts execution of the DeploymentRecord gated by
// pendingTxID, if one exists and is still awaiting approval. Most approved
// pending transactions have no linked deployment, so zero rows affected is
// the common and non-error case.
func beginLinkedDeployment(tx *gorm.DB, pendingTxID uuid.UUID) error {
	return tx.Model(&DeploymentRecord{}).
		Where("approval_id = ? AND status = ?", pendingTxID, DeploymentPendingApproval).
		Update("status", DeploymentInProgress).Error
}

// quorumImpossible reports whether, even if every voter who has not yet
// voted approves, requiredApprovals can no longer be reached.
func quorumImpossible(eligibleVoters, totalVotes, approvals, rejections, requiredApprovals int) bool {
	remaining := eligibleVoters - totalVotes
	if remaining < 0 {
		remaining = 0
	}
	maxPossibleApprovals := approvals + remaining
	return maxPossibleApprovals < requiredApprovals
}

func isNonTerminal(status TransactionStatus) bool {
	switch status {
	case StatusExecuted, StatusCancelled, StatusExpired, StatusRejected:
		return false
	default:
		return true
	}
}

// Cancel transitions a PENDING transaction to CANCELLED. Only the
// initiator may cancel, and only while it remains PENDING.
func Cancel(db *gorm.DB, pendingTxID uuid.UUID, requestedBy string) error {
	result := db.Model(&PendingMultiSigTransaction{}).
		Where("id = ? AND status = ? AND initiated_by = ?", pendingTxID, StatusPending, requestedBy).
		Update("status", StatusCancelled)
	if result.Error != nil {
		return fmt.Errorf("approval: cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var pending PendingMultiSigTransaction
		if err := db.Where("id = ?", pendingTxID).First(&pending).Error; err == nil && pending.InitiatedBy != requestedBy {
			return ErrNotInitiator
		}
		return ErrNotPending
	}
	return nil
}

// CanPromote reports whether a deployment promotion from sourceEnv to
// targetEnv respects the fixed devnet -> testnet -> mainnet ordering.
func CanPromote(sourceEnv, targetEnv string) bool {
	src, srcOK := promotionOrder[sourceEnv]
	dst, dstOK := promotionOrder[targetEnv]
	return srcOK && dstOK && dst == src+1
}

// ProposeDeployment creates a DeploymentRecord and its gating
// PendingMultiSigTransaction together, in one local transaction. The
// deployment stays PENDING_APPROVAL and does not begin executing until
// Vote carries the linked approval to quorum.
func ProposeDeployment(db *gorm.DB, now time.Time, tenantID, service, requestedBy, sourceEnv, targetEnv, imageTag, previousImageTag, reason string, requiredApprovals int) (*DeploymentRecord, *PendingMultiSigTransaction, error) {
	if !CanPromote(sourceEnv, targetEnv) {
		return nil, nil, fmt.Errorf("approval: %s -> %s is not a valid promotion step", sourceEnv, targetEnv)
	}

	var record DeploymentRecord
	var pending PendingMultiSigTransaction
	err := db.Transaction(func(tx *gorm.DB) error {
		pending = PendingMultiSigTransaction{
			ID:                uuid.New(),
			TenantID:          tenantID,
			EntityType:        "DEPLOYMENT",
			EntityID:          service,
			TransactionType:   "DEPLOYMENT_PROMOTION",
			Purpose:           reason,
			RequiredApprovals: requiredApprovals,
			Status:            StatusPending,
			InitiatedBy:       requestedBy,
			InitiatedAt:       now,
			ExpiresAt:         now.Add(24 * time.Hour),
		}
		if err := tx.Create(&pending).Error; err != nil {
			return fmt.Errorf("approval: create deployment approval: %w", err)
		}

		record = DeploymentRecord{
			ID:               uuid.New(),
			Service:          service,
			SourceEnv:        sourceEnv,
			TargetEnv:        targetEnv,
			ImageTag:         imageTag,
			PreviousImageTag: previousImageTag,
			Reason:           reason,
			Status:           DeploymentPendingApproval,
			RequestedBy:      requestedBy,
			ApprovalID:       pending.ID,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("approval: create deployment record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &record, &pending, nil
}

// AdvanceDeployment moves a DeploymentRecord through its own state
// machine. A failed health check always triggers rollback to the image
// tag that was live before this promotion; there is no retry-in-place.
func AdvanceDeployment(db *gorm.DB, deploymentID uuid.UUID, healthCheckPassed bool) error {
	var record DeploymentRecord
	if err := db.Where("id = ?", deploymentID).First(&record).Error; err != nil {
		return fmt.Errorf("approval: load deployment: %w", err)
	}

	updates := map[string]any{}
	switch record.Status {
	case DeploymentInProgress:
		updates["status"] = DeploymentHealthCheck
	case DeploymentHealthCheck:
		if healthCheckPassed {
			updates["status"] = DeploymentCompleted
		} else {
			updates["status"] = DeploymentRolledBack
			updates["image_tag"] = record.PreviousImageTag
		}
	default:
		return fmt.Errorf("approval: deployment %s is not advanceable from %s", deploymentID, record.Status)
	}

	return db.Model(&record).Updates(updates).Error
}

// FailDeployment marks a deployment FAILED when execution itself could not
// complete — an image pull error, a migration failure — before it ever
// reached the health-check stage. This is distinct from a failed health
// check, which rolls back to the previous image tag instead of failing.
func FailDeployment(db *gorm.DB, deploymentID uuid.UUID, reason string) error {
	var record DeploymentRecord
	if err := db.Where("id = ?", deploymentID).First(&record).Error; err != nil {
		return fmt.Errorf("approval: load deployment: %w", err)
	}
	if record.Status != DeploymentInProgress {
		return fmt.Errorf("approval: deployment %s cannot fail from %s", deploymentID, record.Status)
	}

	logs := record.Logs
	if logs != "" {
		logs += "\n"
	}
	logs += reason

	return db.Model(&record).Updates(map[string]any{
		"status": DeploymentFailed,
		"logs":   logs,
	}).Error
}
