// Package jobs holds the background worker, its task definitions and the
// scheduled maintenance handlers.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile verifies cached positions against the transaction log.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskReportsWarmup invalidates and pre-populates the report caches.
	TaskReportsWarmup = "reports:warmup"
	// TaskIdempotencyCleanup prunes processed idempotency keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReconcilePayload scopes a reconciliation run.
type ReconcilePayload struct {
	// StoreID limits the run to one store; zero means all stores.
	StoreID int64 `json:"store_id"`
}

// NewReconcileTask constructs a ledger reconciliation task.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, data), nil
}

// WarmupPayload scopes a report warmup run.
type WarmupPayload struct {
	// Bump invalidates the current cache version before rebuilding.
	Bump bool `json:"bump"`
}

// NewWarmupTask constructs a report warmup task.
func NewWarmupTask(payload WarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportsWarmup, data), nil
}

// CleanupPayload scopes an idempotency key cleanup run.
type CleanupPayload struct {
	// OlderThanHours sets the retention window; zero falls back to the
	// handler default.
	OlderThanHours int `json:"older_than_hours"`
}

// NewCleanupTask constructs an idempotency cleanup task.
func NewCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
