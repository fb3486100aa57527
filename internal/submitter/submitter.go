// Package submitter implements the Outbox Submitter Worker: it drains the
// transactional outbox, dispatches each row to the ledger gateway via the
// canonical command-to-contract mapping, and reconciles read-model state the
// ledger's own events cannot convey.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/commandrouter"
	"github.com/qirat-network/custodian-core/internal/gatewayclient"
	"github.com/qirat-network/custodian-core/internal/obsmetrics"
	"github.com/qirat-network/custodian-core/internal/outbox"
	"github.com/qirat-network/custodian-core/internal/readmodel"
)

// GatewayClient is the subset of *gatewayclient.Client the worker needs;
// narrowed to an interface so tests can substitute a fake without standing
// up a gRPC server.
type GatewayClient interface {
	Submit(ctx context.Context, contract, function string, args []string) (gatewayclient.SubmitResult, error)
	Evaluate(ctx context.Context, contract, function string, args []string) ([]byte, error)
	CircuitBreakerStats() gatewayclient.BreakerStats
}

// IdentityResolver maps a commandrouter.Identity to the gateway client that
// holds that identity's connection.
type IdentityResolver interface {
	Resolve(identity commandrouter.Identity) (GatewayClient, error)
}

// RegistryResolver adapts a *gatewayclient.Registry to IdentityResolver.
type RegistryResolver struct {
	Registry *gatewayclient.Registry
}

// Resolve looks up the connected client for identity.
func (r RegistryResolver) Resolve(identity commandrouter.Identity) (GatewayClient, error) {
	client, ok := r.Registry.Get(string(identity))
	if !ok {
		return nil, fmt.Errorf("submitter: identity %q has no open connection", identity)
	}
	return client, nil
}

// Status is a snapshot of the worker's run state.
type Status struct {
	Paused bool
	Tick   time.Time
}

// Worker is the Outbox Submitter Worker (C4).
type Worker struct {
	db           *gorm.DB
	workerID     string
	pollInterval time.Duration
	tunables     outbox.Tunables
	resolver     IdentityResolver
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *obsmetrics.SubmitterMetrics

	mu     sync.Mutex
	paused bool
}

// New constructs a submitter worker. workerID identifies this process's
// lease owner for ClaimBatch/Commit/Fail.
func New(db *gorm.DB, workerID string, pollInterval time.Duration, tunables outbox.Tunables, resolver IdentityResolver, logger *slog.Logger) *Worker {
	return &Worker{
		db:           db,
		workerID:     workerID,
		pollInterval: pollInterval,
		tunables:     tunables,
		resolver:     resolver,
		logger:       logger,
		tracer:       otel.Tracer("submitter"),
		metrics:      obsmetrics.Submitter(),
	}
}

// Pause stops the worker from leasing new batches; in-flight work is
// unaffected.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume re-enables leasing.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

// Status reports whether the worker is currently paused.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Paused: w.paused, Tick: time.Now().UTC()}
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Run blocks, polling every pollInterval until ctx is canceled. On
// cancellation it stops accepting new leases and returns once the poll
// loop has exited; in-flight submits are bounded by the gateway client's
// own 120s submit timeout rather than by ctx, since a caller-initiated
// shutdown must not be mistaken by the ledger for a rejected submission.
func (w *Worker) Run(ctx context.Context) error {
	w.metrics.WorkerStatus.Set(1)
	defer w.metrics.WorkerStatus.Set(0)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("submitter: shutdown signal received, stopping poll loop")
			return nil
		case <-ticker.C:
			if w.isPaused() {
				w.metrics.WorkerStatus.Set(0)
				continue
			}
			w.metrics.WorkerStatus.Set(1)
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	var depth int64
	if err := w.db.WithContext(ctx).Model(&outbox.Command{}).
		Where("status = ?", outbox.StatusPending).Count(&depth).Error; err == nil {
		w.metrics.QueueDepth.Set(float64(depth))
	}

	claimed, err := outbox.ClaimBatch(ctx, w.db, w.workerID, w.tunables)
	if err != nil {
		w.logger.Error("submitter: claim batch failed", slog.String("error", err.Error()))
		return
	}
	for _, cmd := range claimed {
		w.processOne(ctx, cmd)
	}
}

func (w *Worker) processOne(ctx context.Context, cmd outbox.Command) {
	ctx, span := w.tracer.Start(ctx, "submitter.process_one")
	defer span.End()

	start := time.Now()
	defer func() {
		w.metrics.ProcessingLatency.WithLabelValues(cmd.CommandType).Observe(time.Since(start).Seconds())
	}()

	log := w.logger.With(
		slog.String("command_id", cmd.ID.String()),
		slog.String("command_type", cmd.CommandType),
	)

	identity, inv, err := commandrouter.Resolve(cmd.CommandType, cmd.Payload)
	if err != nil {
		log.Error("submitter: route resolution failed", slog.String("error", err.Error()))
		w.fail(ctx, cmd, err, "ROUTE_ERROR")
		return
	}

	client, err := w.resolver.Resolve(identity)
	if err != nil {
		log.Error("submitter: identity resolution failed", slog.String("error", err.Error()))
		w.fail(ctx, cmd, err, "IDENTITY_UNAVAILABLE")
		return
	}

	// Deliberately not derived from ctx: a worker shutdown signal must not
	// abort an in-flight submit mid-flight, only stop new ones from
	// starting. The submit call is self-bounded by its own 120s timeout.
	result, err := client.Submit(context.Background(), inv.Contract, inv.Function, inv.Args)
	if err != nil {
		log.Warn("submitter: submit failed", slog.String("error", err.Error()))
		w.fail(ctx, cmd, err, errorCode(err))
		return
	}

	if err := outbox.Commit(ctx, w.db, cmd.ID, w.workerID, result.TxID, result.BlockNumber); err != nil {
		if errors.Is(err, outbox.ErrLeaseLost) {
			log.Warn("submitter: lease lost before commit, skipping reconciliation")
			return
		}
		log.Error("submitter: commit write failed", slog.String("error", err.Error()))
		return
	}
	w.metrics.CommandsProcessed.WithLabelValues(string(outbox.StatusCommitted)).Inc()

	w.reconcile(ctx, cmd, client, result)
}

func (w *Worker) fail(ctx context.Context, cmd outbox.Command, cause error, code string) {
	if err := outbox.Fail(ctx, w.db, cmd.ID, w.workerID, cause.Error(), code); err != nil && !errors.Is(err, outbox.ErrLeaseLost) {
		w.logger.Error("submitter: fail write failed", slog.String("error", err.Error()))
	}
	w.metrics.CommandsProcessed.WithLabelValues(string(outbox.StatusFailed)).Inc()
}

func errorCode(err error) string {
	var chaincodeErr *gatewayclient.ChaincodeError
	var timeoutErr *gatewayclient.TimeoutError
	var endorsementErr *gatewayclient.EndorsementError
	var connectionErr *gatewayclient.ConnectionError
	switch {
	case errors.As(err, &chaincodeErr):
		return "CHAINCODE_ERROR"
	case errors.As(err, &timeoutErr):
		return "SUBMIT_TIMEOUT"
	case errors.As(err, &endorsementErr):
		return "ENDORSEMENT_FAILED"
	case errors.As(err, &connectionErr):
		return "CONNECTION_ERROR"
	case errors.Is(err, gatewayclient.ErrBreakerOpen):
		return "BREAKER_OPEN"
	default:
		return "UNKNOWN"
	}
}

// reconcile performs the post-commit read-model writes the ledger's
// one-event-per-transaction limitation cannot convey on its own. It only
// runs once Commit has already succeeded under this worker's lease.
func (w *Worker) reconcile(ctx context.Context, cmd outbox.Command, client GatewayClient, result gatewayclient.SubmitResult) {
	switch cmd.CommandType {
	case "CREATE_USER":
		w.reconcileCreateUser(ctx, cmd, client)
	case "TRANSFER_TOKENS":
		w.reconcileTransferTokens(ctx, cmd, client)
	}
}

func (w *Worker) reconcileCreateUser(ctx context.Context, cmd outbox.Command, client GatewayClient) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		w.logger.Error("submitter: reconcile CREATE_USER: decode payload", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile readmodel.UserProfile
		err := tx.Where("account_id = ?", payload.UserID).First(&profile).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			profile = readmodel.UserProfile{
				ID:                  uuid.New(),
				AccountID:           payload.UserID,
				Status:              readmodel.ProfileStatusActive,
				OnchainStatus:       readmodel.OnchainStatusActive,
				OnchainRegisteredAt: &now,
			}
			if err := tx.Create(&profile).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&profile).Updates(map[string]any{
				"status":                readmodel.ProfileStatusActive,
				"onchain_status":        readmodel.OnchainStatusActive,
				"onchain_registered_at": now,
			}).Error; err != nil {
				return err
			}
		}

		var wallet readmodel.Wallet
		err = tx.Where("wallet_id = ?", payload.UserID).First(&wallet).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			wallet = readmodel.Wallet{
				ID:            uuid.New(),
				WalletID:      payload.UserID,
				ProfileID:     profile.ID,
				CachedBalance: "0",
			}
			return tx.Create(&wallet).Error
		}
		return err
	})
	if err != nil {
		w.logger.Error("submitter: reconcile CREATE_USER: write profile/wallet", slog.String("error", err.Error()))
		return
	}

	balance, err := client.Evaluate(ctx, "TokenomicsContract", "GetBalance", []string{payload.UserID})
	if err != nil {
		w.logger.Warn("submitter: reconcile CREATE_USER: balance query failed", slog.String("error", err.Error()))
		return
	}
	if err := w.db.WithContext(ctx).Model(&readmodel.Wallet{}).
		Where("wallet_id = ?", payload.UserID).
		Update("cached_balance", decodeBalance(balance)).Error; err != nil {
		w.logger.Warn("submitter: reconcile CREATE_USER: cached balance write failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) reconcileTransferTokens(ctx context.Context, cmd outbox.Command, client GatewayClient) {
	var payload struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		w.logger.Error("submitter: reconcile TRANSFER_TOKENS: decode payload", slog.String("error", err.Error()))
		return
	}

	senderWallet := w.refreshWalletBalance(ctx, client, payload.From)
	receiverWallet := w.refreshWalletBalance(ctx, client, payload.To)

	if senderWallet != nil {
		w.notify(ctx, senderWallet.ProfileID, "WALLET_DEBITED",
			fmt.Sprintf("You sent %s Qirat to %s.", payload.Amount, payload.To))
	}
	if receiverWallet != nil {
		w.notify(ctx, receiverWallet.ProfileID, "WALLET_CREDITED",
			fmt.Sprintf("You received %s Qirat from %s.", payload.Amount, payload.From))
	}
}

func (w *Worker) refreshWalletBalance(ctx context.Context, client GatewayClient, accountID string) *readmodel.Wallet {
	balance, err := client.Evaluate(ctx, "TokenomicsContract", "GetBalance", []string{accountID})
	if err != nil {
		w.logger.Warn("submitter: reconcile TRANSFER_TOKENS: balance query failed",
			slog.String("account_id", accountID), slog.String("error", err.Error()))
		return nil
	}

	var wallet readmodel.Wallet
	if err := w.db.WithContext(ctx).Where("wallet_id = ?", accountID).First(&wallet).Error; err != nil {
		w.logger.Warn("submitter: reconcile TRANSFER_TOKENS: wallet lookup failed",
			slog.String("account_id", accountID), slog.String("error", err.Error()))
		return nil
	}
	if err := w.db.WithContext(ctx).Model(&readmodel.Wallet{}).
		Where("wallet_id = ?", accountID).
		Update("cached_balance", decodeBalance(balance)).Error; err != nil {
		w.logger.Warn("submitter: reconcile TRANSFER_TOKENS: cached balance write failed",
			slog.String("account_id", accountID), slog.String("error", err.Error()))
		return nil
	}
	return &wallet
}

// decodeBalance unwraps a JSON-string GetBalance result ("1000") to its
// decimal digits; any other payload is stored as returned.
func decodeBalance(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (w *Worker) notify(ctx context.Context, profileID uuid.UUID, kind, message string) {
	notification := readmodel.Notification{
		ID:        uuid.New(),
		ProfileID: profileID,
		Kind:      kind,
		Message:   message,
	}
	if err := w.db.WithContext(ctx).Create(&notification).Error; err != nil {
		w.logger.Warn("submitter: write notification failed", slog.String("error", err.Error()))
	}
}
