package approval

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/outbox"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, outbox.AutoMigrate(db))
	return db
}

func TestSelectRulePicksLowestMatchingOrder(t *testing.T) {
	db := setupTestDB(t)
	min1, max1 := "0", "1000"
	min2, max2 := "0", "1000000"
	require.NoError(t, db.Create(&SignatoryRule{
		ID: uuid.New(), EntityType: "TREASURY", EntityID: "treasury-1",
		RuleOrder: 2, MinAmount: &min2, MaxAmount: &max2, RequiredApprovals: 2, IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&SignatoryRule{
		ID: uuid.New(), EntityType: "TREASURY", EntityID: "treasury-1",
		RuleOrder: 1, MinAmount: &min1, MaxAmount: &max1, RequiredApprovals: 3, IsActive: true,
	}).Error)

	rule, err := SelectRule(db, time.Now().UTC(), "default", "TREASURY", "treasury-1", "DISBURSEMENT", big.NewInt(500))
	require.NoError(t, err)
	require.NotNil(t, rule)
	require.Equal(t, 3, rule.RequiredApprovals)
}

func TestSelectRuleSkipsOutOfRangeAmount(t *testing.T) {
	db := setupTestDB(t)
	min1, max1 := "0", "1000"
	require.NoError(t, db.Create(&SignatoryRule{
		ID: uuid.New(), EntityType: "TREASURY", EntityID: "treasury-1",
		RuleOrder: 1, MinAmount: &min1, MaxAmount: &max1, RequiredApprovals: 3, IsActive: true,
	}).Error)

	rule, err := SelectRule(db, time.Now().UTC(), "default", "TREASURY", "treasury-1", "DISBURSEMENT", big.NewInt(5000))
	require.NoError(t, err)
	require.Nil(t, rule)
}

func newPendingTx(t *testing.T, db *gorm.DB, requiredApprovals int, expiresAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, db.Create(&PendingMultiSigTransaction{
		ID: id, EntityType: "TREASURY", EntityID: "treasury-1", TransactionType: "DISBURSEMENT",
		Amount: "500", RequiredApprovals: requiredApprovals, Status: StatusPending,
		InitiatedBy: "user-1", InitiatedAt: time.Now().UTC(), ExpiresAt: expiresAt,
		CommandType: "TRANSFER_TOKENS", CommandPayload: []byte(`{"from":"a","to":"b"}`),
	}).Error)
	return id
}

func TestVoteReachesQuorumAndEnqueuesCommand(t *testing.T) {
	db := setupTestDB(t)
	txID := newPendingTx(t, db, 2, time.Now().UTC().Add(time.Hour))

	require.NoError(t, Vote(db, time.Now().UTC(), txID, "signer-1", "ADMIN", true, "ok", 3, "default", "custodian-core"))
	require.NoError(t, Vote(db, time.Now().UTC(), txID, "signer-2", "ADMIN", true, "ok", 3, "default", "custodian-core"))

	var pending PendingMultiSigTransaction
	require.NoError(t, db.Where("id = ?", txID).First(&pending).Error)
	require.Equal(t, StatusApproved, pending.Status)
	require.Equal(t, 2, pending.CurrentApprovals)

	var commands []outbox.Command
	require.NoError(t, db.Find(&commands).Error)
	require.Len(t, commands, 1)
	require.Equal(t, "TRANSFER_TOKENS", commands[0].CommandType)
}

func TestVoteRecordsDissentWithoutRejectingWhenQuorumStillPossible(t *testing.T) {
	db := setupTestDB(t)
	txID := newPendingTx(t, db, 2, time.Now().UTC().Add(time.Hour))

	require.NoError(t, Vote(db, time.Now().UTC(), txID, "signer-1", "ADMIN", false, "disagree", 3, "default", "custodian-core"))

	var pending PendingMultiSigTransaction
	require.NoError(t, db.Where("id = ?", txID).First(&pending).Error)
	require.Equal(t, StatusPending, pending.Status)
}

func TestVoteRejectsWhenQuorumBecomesImpossible(t *testing.T) {
	db := setupTestDB(t)
	txID := newPendingTx(t, db, 2, time.Now().UTC().Add(time.Hour))

	require.NoError(t, Vote(db, time.Now().UTC(), txID, "signer-1", "ADMIN", false, "no", 3, "default", "custodian-core"))
	require.NoError(t, Vote(db, time.Now().UTC(), txID, "signer-2", "ADMIN", false, "no", 3, "default", "custodian-core"))

	var pending PendingMultiSigTransaction
	require.NoError(t, db.Where("id = ?", txID).First(&pending).Error)
	require.Equal(t, StatusRejected, pending.Status)
}

func TestVoteRejectsDuplicateVoter(t *testing.T) {
	db := setupTestDB(t)
	txID := newPendingTx(t, db, 2, time.Now().UTC().Add(time.Hour))

	require.NoError(t, Vote(db, time.Now().UTC(), txID, "signer-1", "ADMIN", true, "", 3, "default", "custodian-core"))
	err := Vote(db, time.Now().UTC(), txID, "signer-1", "ADMIN", true, "", 3, "default", "custodian-core")
	require.ErrorIs(t, err, ErrAlreadyVoted)
}

func TestVoteOnExpiredTransactionTransitionsAndRejects(t *testing.T) {
	db := setupTestDB(t)
	txID := newPendingTx(t, db, 2, time.Now().UTC().Add(-time.Minute))

	err := Vote(db, time.Now().UTC(), txID, "signer-1", "ADMIN", true, "", 3, "default", "custodian-core")
	require.ErrorIs(t, err, ErrNotPending)

	var pending PendingMultiSigTransaction
	require.NoError(t, db.Where("id = ?", txID).First(&pending).Error)
	require.Equal(t, StatusExpired, pending.Status)
}

func TestCancelOnlyAllowedByInitiatorWhilePending(t *testing.T) {
	db := setupTestDB(t)
	txID := newPendingTx(t, db, 2, time.Now().UTC().Add(time.Hour))

	err := Cancel(db, txID, "someone-else")
	require.ErrorIs(t, err, ErrNotInitiator)

	require.NoError(t, Cancel(db, txID, "user-1"))

	var pending PendingMultiSigTransaction
	require.NoError(t, db.Where("id = ?", txID).First(&pending).Error)
	require.Equal(t, StatusCancelled, pending.Status)
}

func TestCanPromoteEnforcesOrdering(t *testing.T) {
	require.True(t, CanPromote("devnet", "testnet"))
	require.True(t, CanPromote("testnet", "mainnet"))
	require.False(t, CanPromote("devnet", "mainnet"))
	require.False(t, CanPromote("mainnet", "devnet"))
}

func TestAdvanceDeploymentRollsBackOnFailedHealthCheck(t *testing.T) {
	db := setupTestDB(t)
	id := uuid.New()
	require.NoError(t, db.Create(&DeploymentRecord{
		ID: id, Service: "submitterd", SourceEnv: "testnet", TargetEnv: "mainnet",
		ImageTag: "v1.2.3", PreviousImageTag: "v1.2.2", Status: DeploymentInProgress, RequestedBy: "operator-1",
	}).Error)

	require.NoError(t, AdvanceDeployment(db, id, false))
	var record DeploymentRecord
	require.NoError(t, db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, DeploymentHealthCheck, record.Status)

	require.NoError(t, AdvanceDeployment(db, id, false))
	require.NoError(t, db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, DeploymentRolledBack, record.Status)
	require.Equal(t, "v1.2.2", record.ImageTag)
}

func TestAdvanceDeploymentCompletesOnPassedHealthCheck(t *testing.T) {
	db := setupTestDB(t)
	id := uuid.New()
	require.NoError(t, db.Create(&DeploymentRecord{
		ID: id, Service: "submitterd", SourceEnv: "testnet", TargetEnv: "mainnet",
		ImageTag: "v1.2.3", PreviousImageTag: "v1.2.2", Status: DeploymentInProgress, RequestedBy: "operator-1",
	}).Error)

	require.NoError(t, AdvanceDeployment(db, id, true))
	require.NoError(t, AdvanceDeployment(db, id, true))

	var record DeploymentRecord
	require.NoError(t, db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, DeploymentCompleted, record.Status)
	require.Equal(t, "v1.2.3", record.ImageTag)
}

func TestFailDeploymentTransitionsFromInProgress(t *testing.T) {
	db := setupTestDB(t)
	id := uuid.New()
	require.NoError(t, db.Create(&DeploymentRecord{
		ID: id, Service: "submitterd", SourceEnv: "testnet", TargetEnv: "mainnet",
		ImageTag: "v1.2.3", PreviousImageTag: "v1.2.2", Status: DeploymentInProgress, RequestedBy: "operator-1",
	}).Error)

	require.NoError(t, FailDeployment(db, id, "image pull failed: manifest unknown"))

	var record DeploymentRecord
	require.NoError(t, db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, DeploymentFailed, record.Status)
	require.Contains(t, record.Logs, "image pull failed")
}

func TestFailDeploymentRejectsNonInProgressSource(t *testing.T) {
	db := setupTestDB(t)
	id := uuid.New()
	require.NoError(t, db.Create(&DeploymentRecord{
		ID: id, Service: "submitterd", SourceEnv: "testnet", TargetEnv: "mainnet",
		ImageTag: "v1.2.3", Status: DeploymentPendingApproval, RequestedBy: "operator-1",
	}).Error)

	err := FailDeployment(db, id, "should not apply")
	require.Error(t, err)
}

func TestProposeDeploymentCreatesLinkedApproval(t *testing.T) {
	db := setupTestDB(t)

	record, pending, err := ProposeDeployment(db, time.Now().UTC(), "default", "submitterd", "operator-1",
		"testnet", "mainnet", "v1.3.0", "v1.2.3", "quarterly promotion", 2)
	require.NoError(t, err)
	require.Equal(t, DeploymentPendingApproval, record.Status)
	require.Equal(t, "v1.2.3", record.PreviousImageTag)
	require.Equal(t, record.ApprovalID, pending.ID)
	require.Equal(t, "DEPLOYMENT", pending.EntityType)
	require.Equal(t, StatusPending, pending.Status)
}

func TestProposeDeploymentRejectsInvalidPromotionStep(t *testing.T) {
	db := setupTestDB(t)

	_, _, err := ProposeDeployment(db, time.Now().UTC(), "default", "submitterd", "operator-1",
		"devnet", "mainnet", "v1.3.0", "v1.2.3", "skip testnet", 2)
	require.Error(t, err)
}

func TestDeploymentBeginsExecutionWhenApprovalReachesQuorum(t *testing.T) {
	db := setupTestDB(t)

	record, pending, err := ProposeDeployment(db, time.Now().UTC(), "default", "submitterd", "operator-1",
		"testnet", "mainnet", "v1.3.0", "v1.2.3", "quarterly promotion", 2)
	require.NoError(t, err)

	require.NoError(t, Vote(db, time.Now().UTC(), pending.ID, "signer-1", "ADMIN", true, "ok", 3, "default", "custodian-core"))

	var reloaded DeploymentRecord
	require.NoError(t, db.Where("id = ?", record.ID).First(&reloaded).Error)
	require.Equal(t, DeploymentPendingApproval, reloaded.Status, "quorum not yet reached")

	require.NoError(t, Vote(db, time.Now().UTC(), pending.ID, "signer-2", "ADMIN", true, "ok", 3, "default", "custodian-core"))

	require.NoError(t, db.Where("id = ?", record.ID).First(&reloaded).Error)
	require.Equal(t, DeploymentInProgress, reloaded.Status)
}
