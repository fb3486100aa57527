package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/commandrouter"
	"github.com/qirat-network/custodian-core/internal/gatewayclient"
	"github.com/qirat-network/custodian-core/internal/outbox"
	"github.com/qirat-network/custodian-core/internal/readmodel"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, outbox.AutoMigrate(db))
	require.NoError(t, readmodel.AutoMigrate(db))
	return db
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGatewayClient struct {
	submitResult gatewayclient.SubmitResult
	submitErr    error
	balances     map[string]string
	evaluateErr  error
	submitCalls  []string
}

func (f *fakeGatewayClient) Submit(ctx context.Context, contract, function string, args []string) (gatewayclient.SubmitResult, error) {
	f.submitCalls = append(f.submitCalls, function)
	if f.submitErr != nil {
		return gatewayclient.SubmitResult{}, f.submitErr
	}
	return f.submitResult, nil
}

func (f *fakeGatewayClient) Evaluate(ctx context.Context, contract, function string, args []string) ([]byte, error) {
	if f.evaluateErr != nil {
		return nil, f.evaluateErr
	}
	balance := f.balances[args[0]]
	return []byte(fmt.Sprintf(`"%s"`, balance)), nil
}

func (f *fakeGatewayClient) CircuitBreakerStats() gatewayclient.BreakerStats {
	return gatewayclient.BreakerStats{State: gatewayclient.BreakerClosed}
}

type fakeResolver struct {
	client GatewayClient
}

func (r fakeResolver) Resolve(identity commandrouter.Identity) (GatewayClient, error) {
	return r.client, nil
}

func enqueueCommand(t *testing.T, db *gorm.DB, commandType string, payload any) *outbox.Command {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd, err := outbox.Enqueue(db, "default", "custodian-core", commandType, uuid.NewString(), raw)
	require.NoError(t, err)
	return cmd
}

func TestCreateUserCommitsAndReconciles(t *testing.T) {
	db := setupTestDB(t)
	fake := &fakeGatewayClient{
		submitResult: gatewayclient.SubmitResult{TxID: "tx-1", BlockNumber: 5},
		balances:     map[string]string{"US A3F12345CDE": "1000"},
	}
	worker := New(db, "worker-1", time.Second, outbox.DefaultTunables(), fakeResolver{client: fake}, silentLogger())

	enqueueCommand(t, db, "CREATE_USER", map[string]any{
		"userId":        "US A3F12345CDE",
		"biometricHash": "deadbeef",
		"countryCode":   "US",
		"age":           30,
	})

	worker.pollOnce(context.Background())

	var cmd outbox.Command
	require.NoError(t, db.First(&cmd).Error)
	require.Equal(t, outbox.StatusCommitted, cmd.Status)
	require.Equal(t, "tx-1", cmd.FabricTxID)

	var profile readmodel.UserProfile
	require.NoError(t, db.Where("account_id = ?", "US A3F12345CDE").First(&profile).Error)
	require.Equal(t, readmodel.ProfileStatusActive, profile.Status)
	require.Equal(t, readmodel.OnchainStatusActive, profile.OnchainStatus)
	require.NotNil(t, profile.OnchainRegisteredAt)

	var wallet readmodel.Wallet
	require.NoError(t, db.Where("wallet_id = ?", "US A3F12345CDE").First(&wallet).Error)
	require.Equal(t, "1000", wallet.CachedBalance)
}

func TestTransferTokensRefreshesBothWalletsAndNotifies(t *testing.T) {
	db := setupTestDB(t)

	senderProfile := readmodel.UserProfile{ID: uuid.New(), AccountID: "US SENDER0001A", Status: readmodel.ProfileStatusActive, OnchainStatus: readmodel.OnchainStatusActive}
	receiverProfile := readmodel.UserProfile{ID: uuid.New(), AccountID: "US RECEIVER001B", Status: readmodel.ProfileStatusActive, OnchainStatus: readmodel.OnchainStatusActive}
	require.NoError(t, db.Create(&senderProfile).Error)
	require.NoError(t, db.Create(&receiverProfile).Error)
	require.NoError(t, db.Create(&readmodel.Wallet{ID: uuid.New(), WalletID: "US SENDER0001A", ProfileID: senderProfile.ID, CachedBalance: "500"}).Error)
	require.NoError(t, db.Create(&readmodel.Wallet{ID: uuid.New(), WalletID: "US RECEIVER001B", ProfileID: receiverProfile.ID, CachedBalance: "10"}).Error)

	fake := &fakeGatewayClient{
		submitResult: gatewayclient.SubmitResult{TxID: "tx-2", BlockNumber: 8},
		balances: map[string]string{
			"US SENDER0001A":  "400",
			"US RECEIVER001B": "110",
		},
	}
	worker := New(db, "worker-1", time.Second, outbox.DefaultTunables(), fakeResolver{client: fake}, silentLogger())

	enqueueCommand(t, db, "TRANSFER_TOKENS", map[string]any{
		"from":           "US SENDER0001A",
		"to":             "US RECEIVER001B",
		"amount":         "100",
		"txTypeHint":     "P2P",
		"remark":         "rent",
		"idempotencyKey": "req-1",
	})

	worker.pollOnce(context.Background())

	var senderWallet, receiverWallet readmodel.Wallet
	require.NoError(t, db.Where("wallet_id = ?", "US SENDER0001A").First(&senderWallet).Error)
	require.NoError(t, db.Where("wallet_id = ?", "US RECEIVER001B").First(&receiverWallet).Error)
	require.Equal(t, "400", senderWallet.CachedBalance)
	require.Equal(t, "110", receiverWallet.CachedBalance)

	var notifications []readmodel.Notification
	require.NoError(t, db.Find(&notifications).Error)
	require.Len(t, notifications, 2)
}

func TestSubmitFailureDeadLettersAfterMaxRetries(t *testing.T) {
	db := setupTestDB(t)
	fake := &fakeGatewayClient{submitErr: fmt.Errorf("endorsement failed")}
	tunables := outbox.Tunables{BatchSize: 10, MaxRetries: 2, LockTimeout: 300 * time.Second}
	worker := New(db, "worker-1", time.Second, tunables, fakeResolver{client: fake}, silentLogger())

	enqueueCommand(t, db, "CREATE_USER", map[string]any{
		"userId":        "US A3F12345CDE",
		"biometricHash": "deadbeef",
		"countryCode":   "US",
		"age":           30,
	})

	worker.pollOnce(context.Background())
	worker.pollOnce(context.Background())

	var cmd outbox.Command
	require.NoError(t, db.First(&cmd).Error)
	require.Equal(t, outbox.StatusFailed, cmd.Status)
	require.Equal(t, 2, cmd.Attempts)

	// A third poll must not reclaim the dead-lettered row.
	claimed, err := outbox.ClaimBatch(context.Background(), db, "worker-1", tunables)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestPauseAndResumeToggleStatus(t *testing.T) {
	db := setupTestDB(t)
	fake := &fakeGatewayClient{submitResult: gatewayclient.SubmitResult{TxID: "tx-1", BlockNumber: 1}}
	worker := New(db, "worker-1", time.Second, outbox.DefaultTunables(), fakeResolver{client: fake}, silentLogger())
	worker.Pause()
	require.True(t, worker.Status().Paused)

	enqueueCommand(t, db, "CREATE_USER", map[string]any{"userId": "US A3F12345CDE"})
	require.True(t, worker.isPaused())

	worker.Resume()
	require.False(t, worker.Status().Paused)
}
