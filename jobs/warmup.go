package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/payments"
	"github.com/meridian-erp/meridian-erp/internal/reports"
)

// WarmupJob pre-populates the report caches so the first morning request
// does not pay for a full snapshot rebuild.
type WarmupJob struct {
	Reports *reports.Service
	Logger  *slog.Logger
	clock   func() time.Time
}

// NewWarmupJob wires dependencies for the warmup handler.
func NewWarmupJob(reportsSvc *reports.Service, logger *slog.Logger) *WarmupJob {
	return &WarmupJob{
		Reports: reportsSvc,
		Logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes report warmup tasks.
func (j *WarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reports == nil {
		return errors.New("reports warmup: handler not configured")
	}
	var payload WarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	start := j.now()
	logger.Info("starting report warmup", slog.Bool("bump", payload.Bump))

	// Bound the run so a slow snapshot cannot occupy the worker slot.
	warmCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if payload.Bump {
		if err := j.Reports.Invalidate(warmCtx); err != nil {
			logger.Error("cache bump failed", slog.Any("error", err))
			return err
		}
	}

	asOf := start.Truncate(24 * time.Hour)
	for _, kind := range []payments.DocumentKind{payments.KindSalesInvoice, payments.KindGoodsReceivedNote} {
		if _, err := j.Reports.Aging(warmCtx, kind, asOf); err != nil {
			logger.Error("warm aging", slog.String("kind", string(kind)), slog.Any("error", err))
			return err
		}
	}
	if _, err := j.Reports.StockSnapshot(warmCtx, ledger.SnapshotFilter{}); err != nil {
		logger.Error("warm stock snapshot", slog.Any("error", err))
		return err
	}

	logger.Info("completed report warmup", slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *WarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReportsWarmup))
	}
	return slog.Default().With(slog.String("job", TaskReportsWarmup))
}

func (j *WarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
