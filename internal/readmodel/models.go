// Package readmodel holds the canonical relational read model: the
// projected, eventually-consistent view of users, wallets, transactions,
// notifications, and the audit event log.
package readmodel

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProfileStatus is the off-chain lifecycle status of a user profile.
type ProfileStatus string

// All profile statuses.
const (
	ProfileStatusRegistered ProfileStatus = "REGISTERED"
	ProfileStatusActive     ProfileStatus = "ACTIVE"
	ProfileStatusFrozen     ProfileStatus = "FROZEN"
	ProfileStatusDeleted    ProfileStatus = "DELETED"
)

// OnchainStatus mirrors the identity contract's view of the account.
type OnchainStatus string

// All on-chain statuses.
const (
	OnchainStatusNotRegistered OnchainStatus = "NOT_REGISTERED"
	OnchainStatusActive        OnchainStatus = "ACTIVE"
	OnchainStatusFrozen        OnchainStatus = "FROZEN"
)

// UserProfile is the projected view of an identity-contract account.
type UserProfile struct {
	ID                  uuid.UUID     `gorm:"type:uuid;primaryKey"`
	TenantID            string        `gorm:"size:64;index;not null;default:default"`
	AccountID           string        `gorm:"size:24;uniqueIndex;not null"`
	Status              ProfileStatus `gorm:"size:16;index;not null"`
	OnchainStatus       OnchainStatus `gorm:"size:16;index;not null"`
	OnchainRegisteredAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Wallets             []Wallet
}

// Wallet is the projected balance cache for a profile's primary wallet.
type Wallet struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID       string    `gorm:"size:64;index;not null;default:default"`
	WalletID       string    `gorm:"size:64;uniqueIndex;not null"`
	ProfileID      uuid.UUID `gorm:"type:uuid;index;not null"`
	CachedBalance  string    `gorm:"size:78;not null;default:0"`
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transaction is the projected record of a committed ledger transfer.
type Transaction struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID       string    `gorm:"size:64;index;not null;default:default"`
	TxID           string    `gorm:"size:128;uniqueIndex;not null"`
	Type           string    `gorm:"size:32;index;not null"`
	FromAccountID  string    `gorm:"size:24;index"`
	ToAccountID    string    `gorm:"size:24;index"`
	Amount         string    `gorm:"size:78;not null"`
	Fee            string    `gorm:"size:78;not null;default:0"`
	Purpose        string    `gorm:"size:64"`
	Category       string    `gorm:"size:64"`
	ExternalRef    string    `gorm:"size:128"`
	BlockchainTxID string    `gorm:"size:128;index"`
	BlockNumber    uint64    `gorm:"index"`
	CreatedAt      time.Time
}

// Notification is a user-facing message produced by post-commit
// reconciliation or a projection (e.g. WALLET_DEBITED, WALLET_CREDITED).
type Notification struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID  string    `gorm:"size:64;index;not null;default:default"`
	ProfileID uuid.UUID `gorm:"type:uuid;index;not null"`
	Kind      string    `gorm:"size:32;index;not null"`
	Message   string    `gorm:"type:text;not null"`
	ReadAt    *time.Time
	CreatedAt time.Time
}

// EventLog is the append-only audit trail of applied projections and
// post-commit reconciliation writes.
type EventLog struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID    string    `gorm:"size:64;index;not null;default:default"`
	EventName   string    `gorm:"size:64;index;not null"`
	TxID        string    `gorm:"size:128;index"`
	BlockNumber uint64    `gorm:"index"`
	Details     string    `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs schema migration for every read-model table. The
// projector's own checkpoint and dedupe tables are migrated separately by
// internal/projector's AutoMigrate.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserProfile{},
		&Wallet{},
		&Transaction{},
		&Notification{},
		&EventLog{},
	)
}
