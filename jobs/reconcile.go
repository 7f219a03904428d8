package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// DriftRecorder receives the drift count of a completed reconciliation run.
type DriftRecorder interface {
	DriftObserved(count int)
}

// Reconciler replays the transaction log against cached positions.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]ledger.Drift, error)
}

// ReconcileJob runs the ledger reconciliation and reports every mismatch. It
// never mutates positions; drift is an operator signal, not something to
// silently repair.
type ReconcileJob struct {
	Ledger  Reconciler
	Logger  *slog.Logger
	Metrics DriftRecorder
	clock   func() time.Time
}

// NewReconcileJob wires dependencies for the reconciliation handler.
func NewReconcileJob(ledgerSvc Reconciler, logger *slog.Logger, metrics DriftRecorder) *ReconcileJob {
	return &ReconcileJob{
		Ledger:  ledgerSvc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes ledger reconciliation tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	start := j.now()
	logger.Info("starting ledger reconciliation")

	drifts, err := j.Ledger.Reconcile(ctx)
	if err != nil {
		logger.Error("reconciliation failed", slog.Any("error", err))
		return err
	}

	for _, drift := range drifts {
		if payload.StoreID != 0 && drift.StoreID != payload.StoreID {
			continue
		}
		logger.Warn("position drift detected",
			slog.Int64("item_id", drift.ItemID),
			slog.Int64("store_id", drift.StoreID),
			slog.Int64("on_hand", drift.OnHand),
			slog.Int64("tx_sum", drift.TxSum))
	}
	if j.Metrics != nil {
		j.Metrics.DriftObserved(len(drifts))
	}

	logger.Info("completed ledger reconciliation",
		slog.Int("drift_positions", len(drifts)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *ReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
