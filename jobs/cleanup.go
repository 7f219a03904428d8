package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// defaultRetention keeps processed idempotency keys for one week; long enough
// for any realistic client retry window.
const defaultRetention = 7 * 24 * time.Hour

// KeyStore prunes expired idempotency keys.
type KeyStore interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// CleanupJob removes idempotency keys past their retention window.
type CleanupJob struct {
	Store  KeyStore
	Logger *slog.Logger
}

// NewCleanupJob wires dependencies for the cleanup handler.
func NewCleanupJob(store KeyStore, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{Store: store, Logger: logger}
}

// Handle processes idempotency cleanup tasks.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	retention := defaultRetention
	if payload.OlderThanHours > 0 {
		retention = time.Duration(payload.OlderThanHours) * time.Hour
	}

	logger := j.logger()
	if err := j.Store.Cleanup(ctx, retention); err != nil {
		logger.Error("idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	logger.Info("completed idempotency cleanup", slog.Duration("retention", retention))
	return nil
}

func (j *CleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}
