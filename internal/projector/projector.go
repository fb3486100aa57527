// Package projector implements the Projector Worker (C5): it consumes the
// ledger's committed-event stream from a resumable checkpoint and applies
// idempotent projections to the read model.
package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/qirat-network/custodian-core/internal/gatewayclient/wire"
	"github.com/qirat-network/custodian-core/internal/obsmetrics"
	"github.com/qirat-network/custodian-core/internal/readmodel"
)

// State is one logical projector's resumption checkpoint.
type State struct {
	ProjectorName      string `gorm:"size:64;primaryKey"`
	LastProcessedBlock uint64 `gorm:"not null;default:0"`
	LastProcessedTxID  string `gorm:"size:128"`
	UpdatedAt          time.Time
}

// ProcessedTx is the dedupe record backing idempotent re-delivery: a
// (blockNumber, txId) pair the projector has already applied. Needed
// because "blockNumber <= lastProcessedBlock" alone cannot distinguish
// already-seen transactions from not-yet-seen ones within the same block.
type ProcessedTx struct {
	ProjectorName string `gorm:"size:64;primaryKey"`
	BlockNumber   uint64 `gorm:"primaryKey"`
	TxID          string `gorm:"size:128;primaryKey"`
	ProcessedAt   time.Time
}

// AutoMigrate migrates the projector's own bookkeeping tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&State{}, &ProcessedTx{})
}

// EventSource is the subset of *gatewayclient.Client the projector depends
// on, narrowed to an interface so tests can feed a synthetic event stream.
type EventSource interface {
	StreamEvents(ctx context.Context, startBlock uint64, onEvent func(wire.Event), onError func(error), onReconnect func()) error
}

// Worker is the Projector Worker (C5).
type Worker struct {
	db            *gorm.DB
	projectorName string
	source        EventSource
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *obsmetrics.ProjectorMetrics
}

// New constructs a projector worker for the named logical projector.
func New(db *gorm.DB, projectorName string, source EventSource, logger *slog.Logger) *Worker {
	return &Worker{
		db:            db,
		projectorName: projectorName,
		source:        source,
		logger:        logger,
		tracer:        otel.Tracer("projector"),
		metrics:       obsmetrics.Projector(),
	}
}

// Run reads the stored checkpoint and tails the event stream from there
// until ctx is canceled. A per-event handler error is logged and the
// stream advances; it never blocks the whole projector on one bad event.
func (w *Worker) Run(ctx context.Context) error {
	state, err := w.loadOrCreateState(ctx)
	if err != nil {
		return fmt.Errorf("projector: load checkpoint: %w", err)
	}

	return w.source.StreamEvents(ctx, state.LastProcessedBlock,
		func(evt wire.Event) {
			w.handleEvent(ctx, evt)
		},
		func(err error) {
			w.logger.Warn("projector: stream error, will reconnect", slog.String("error", err.Error()))
		},
		func() {
			w.metrics.ReconnectCount.Inc()
			w.logger.Info("projector: (re)connected to event stream", slog.String("projector", w.projectorName))
		},
	)
}

func (w *Worker) loadOrCreateState(ctx context.Context) (*State, error) {
	var state State
	err := w.db.WithContext(ctx).Where("projector_name = ?", w.projectorName).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = State{ProjectorName: w.projectorName, LastProcessedBlock: 0}
		if err := w.db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *Worker) handleEvent(ctx context.Context, evt wire.Event) {
	ctx, span := w.tracer.Start(ctx, "projector.handle_event")
	defer span.End()

	log := w.logger.With(
		slog.String("event_name", evt.EventName),
		slog.String("tx_id", evt.TxID),
		slog.Uint64("block_number", evt.BlockNumber),
	)

	applier, ok := catalogue[evt.EventName]
	if !ok {
		log.Warn("projector: unknown event, skipping")
		w.metrics.EventsRejected.WithLabelValues("unknown_event").Inc()
		return
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var already int64
		if err := tx.Model(&ProcessedTx{}).
			Where("projector_name = ? AND block_number = ? AND tx_id = ?", w.projectorName, evt.BlockNumber, evt.TxID).
			Count(&already).Error; err != nil {
			return err
		}
		if already > 0 {
			return nil
		}

		if err := applier(tx, evt); err != nil {
			return fmt.Errorf("apply projection: %w", err)
		}

		if err := tx.Create(&ProcessedTx{
			ProjectorName: w.projectorName,
			BlockNumber:   evt.BlockNumber,
			TxID:          evt.TxID,
			ProcessedAt:   time.Now().UTC(),
		}).Error; err != nil {
			return err
		}

		return tx.Model(&State{}).
			Where("projector_name = ? AND last_processed_block <= ?", w.projectorName, evt.BlockNumber).
			Updates(map[string]any{
				"last_processed_block": evt.BlockNumber,
				"last_processed_tx_id": evt.TxID,
			}).Error
	})
	if err != nil {
		log.Error("projector: projection failed, skipping event", slog.String("error", err.Error()))
		w.metrics.EventsRejected.WithLabelValues("handler_error").Inc()
		return
	}
	w.metrics.EventsProcessed.WithLabelValues(evt.EventName).Inc()
	w.metrics.LastProcessedBlock.Set(float64(evt.BlockNumber))
}

type applyFunc func(tx *gorm.DB, evt wire.Event) error

// catalogue is the union of every event name the schema registry knows.
// Every entry here is grounded on a read-model write named in the
// projection design; an event arriving with no entry is logged and
// skipped rather than stalling the stream.
var catalogue = map[string]applyFunc{
	"UserCreated":                applyUserCreated,
	"WalletCreated":              applyWalletCreated,
	"TransferEvent":              applyTransferEvent,
	"TransferWithFeesCompleted":  applyTransferEvent,
	"VelocityTaxApplied":         applyVelocityTaxApplied,
	"TreasuryAllocationEvent":    applyTreasuryAllocation,
	"SystemPaused":               applySystemLifecycleEvent,
	"SystemResumed":              applySystemLifecycleEvent,
	"OrgTxExecuted":              applyOrgTxExecuted,
}

type userCreatedPayload struct {
	UserID string `json:"userId"`
}

func applyUserCreated(tx *gorm.DB, evt wire.Event) error {
	var payload userCreatedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode UserCreated payload: %w", err)
	}

	var profile readmodel.UserProfile
	err := tx.Where("account_id = ?", payload.UserID).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(&readmodel.UserProfile{
			ID:            uuid.New(),
			AccountID:     payload.UserID,
			Status:        readmodel.ProfileStatusActive,
			OnchainStatus: readmodel.OnchainStatusActive,
		}).Error
	case err != nil:
		return err
	default:
		return tx.Model(&profile).Update("onchain_status", readmodel.OnchainStatusActive).Error
	}
}

type walletCreatedPayload struct {
	WalletID  string `json:"walletId"`
	ProfileID string `json:"userId"`
	Balance   string `json:"balance"`
}

func applyWalletCreated(tx *gorm.DB, evt wire.Event) error {
	var payload walletCreatedPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode WalletCreated payload: %w", err)
	}

	var profile readmodel.UserProfile
	if err := tx.Where("account_id = ?", payload.ProfileID).First(&profile).Error; err != nil {
		return fmt.Errorf("resolve wallet owner: %w", err)
	}

	var wallet readmodel.Wallet
	err := tx.Where("wallet_id = ?", payload.WalletID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&readmodel.Wallet{
			ID:            uuid.New(),
			WalletID:      payload.WalletID,
			ProfileID:     profile.ID,
			CachedBalance: payload.Balance,
		}).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&wallet).Update("cached_balance", payload.Balance).Error
}

type transferEventPayload struct {
	TxType      string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Purpose     string `json:"purpose"`
	Category    string `json:"category"`
	ExternalRef string `json:"externalRef"`
}

func applyTransferEvent(tx *gorm.DB, evt wire.Event) error {
	var payload transferEventPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode transfer payload: %w", err)
	}

	if err := tx.Create(&readmodel.Transaction{
		ID:             uuid.New(),
		TxID:           evt.TxID,
		Type:           payload.TxType,
		FromAccountID:  payload.From,
		ToAccountID:    payload.To,
		Amount:         payload.Amount,
		Fee:            payload.Fee,
		Purpose:        payload.Purpose,
		Category:       payload.Category,
		ExternalRef:    payload.ExternalRef,
		BlockchainTxID: evt.TxID,
		BlockNumber:    evt.BlockNumber,
	}).Error; err != nil {
		return err
	}

	for _, wallet := range []string{payload.From, payload.To} {
		if wallet == "" {
			continue
		}
		if err := tx.Model(&readmodel.Wallet{}).
			Where("wallet_id = ?", wallet).
			Update("updated_at", time.Now().UTC()).Error; err != nil {
			return err
		}
	}
	return nil
}

type velocityTaxPayload struct {
	AccountID string `json:"accountId"`
	TaxAmount string `json:"taxAmount"`
}

func applyVelocityTaxApplied(tx *gorm.DB, evt wire.Event) error {
	var payload velocityTaxPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode VelocityTaxApplied payload: %w", err)
	}
	return tx.Create(&readmodel.EventLog{
		ID:          uuid.New(),
		EventName:   evt.EventName,
		TxID:        evt.TxID,
		BlockNumber: evt.BlockNumber,
		Details:     fmt.Sprintf("velocity tax applied to %s: %s", payload.AccountID, payload.TaxAmount),
	}).Error
}

func applyTreasuryAllocation(tx *gorm.DB, evt wire.Event) error {
	return tx.Create(&readmodel.EventLog{
		ID:          uuid.New(),
		EventName:   evt.EventName,
		TxID:        evt.TxID,
		BlockNumber: evt.BlockNumber,
		Details:     string(evt.Payload),
	}).Error
}

func applySystemLifecycleEvent(tx *gorm.DB, evt wire.Event) error {
	return tx.Create(&readmodel.EventLog{
		ID:          uuid.New(),
		EventName:   evt.EventName,
		TxID:        evt.TxID,
		BlockNumber: evt.BlockNumber,
		Details:     string(evt.Payload),
	}).Error
}

func applyOrgTxExecuted(tx *gorm.DB, evt wire.Event) error {
	return tx.Create(&readmodel.EventLog{
		ID:          uuid.New(),
		EventName:   evt.EventName,
		TxID:        evt.TxID,
		BlockNumber: evt.BlockNumber,
		Details:     string(evt.Payload),
	}).Error
}
