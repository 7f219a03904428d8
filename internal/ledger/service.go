package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListPositions(ctx context.Context, filter SnapshotFilter) ([]PositionDetail, error)
	ListTransactions(ctx context.Context, itemID, storeID int64, limit int) ([]Transaction, error)
	FindDrift(ctx context.Context) ([]Drift, error)
}

// TxRepository exposes the per-key serialized operations used inside one
// database transaction. GetPositionForUpdate takes a row lock so concurrent
// movements on the same (item, store) cannot interleave.
type TxRepository interface {
	EnsureItemStore(ctx context.Context, itemID, storeID int64) error
	GetPositionForUpdate(ctx context.Context, itemID, storeID int64) (Position, error)
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	UpsertPosition(ctx context.Context, pos Position) error
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	MarkReversed(ctx context.Context, originalID, reversalID int64) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives engine counters.
type MetricsPort interface {
	MovementPosted(txType string)
	ReversalPosted()
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowBackorder bool
	// MoveRetries bounds in-engine retries when the row lock cannot be taken.
	MoveRetries int
}

// Service owns stock movement posting and reversal.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort, cfg ServiceConfig) *Service {
	if cfg.MoveRetries <= 0 {
		cfg.MoveRetries = 3
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics, cfg: cfg, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Move appends one ledger transaction and updates the position in a single
// atomic step. The read-modify-write is serialized per (item, store) by the
// repository row lock.
func (s *Service) Move(ctx context.Context, input MovementInput) (Movement, error) {
	if err := validateMovement(input); err != nil {
		return Movement{}, err
	}

	key := movementKey(input)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, shared.ModuleLedger); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}

	var result Movement
	err := s.withLockRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.post(ctx, tx, postParams{
			ItemID:         input.ItemID,
			StoreID:        input.StoreID,
			Quantity:       input.Quantity,
			Type:           input.Type,
			BatchNo:        input.BatchNo,
			RefType:        input.RefType,
			RefID:          input.RefID,
			ActorID:        input.ActorID,
			AllowBackorder: input.AllowBackorder || s.cfg.AllowBackorder,
		})
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Movement{}, err
	}

	if s.metrics != nil {
		s.metrics.MovementPosted(string(input.Type))
	}
	s.recordAudit(ctx, input.ActorID, fmt.Sprintf("ledger:%s", input.Type), result.Transaction)
	return result, nil
}

// Reverse emits a compensating transaction for the original and applies it
// through the same locked path. A transaction may be reversed at most once;
// the original row is never edited beyond the reversed_by marker.
func (s *Service) Reverse(ctx context.Context, txID, actorID int64) (Movement, error) {
	if txID == 0 {
		return Movement{}, fmt.Errorf("%w: transaction id required", shared.ErrValidation)
	}

	var result Movement
	var reversedType TransactionType
	err := s.withLockRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetTransactionForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		if original.ReversedBy != nil {
			return fmt.Errorf("%w: transaction %d", ErrAlreadyReversed, txID)
		}
		compensating, ok := reversalTypes[original.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotReversible, original.Type)
		}
		reversedType = original.Type

		originalID := original.ID
		result, err = s.post(ctx, tx, postParams{
			ItemID:         original.ItemID,
			StoreID:        original.StoreID,
			Quantity:       -original.Quantity,
			Type:           compensating,
			BatchNo:        original.BatchNo,
			RefType:        original.RefType,
			RefID:          original.RefID,
			ActorID:        actorID,
			ReversalOf:     &originalID,
			AllowBackorder: s.cfg.AllowBackorder,
		})
		if err != nil {
			return err
		}
		return tx.MarkReversed(ctx, originalID, result.Transaction.ID)
	})
	if err != nil {
		return Movement{}, err
	}

	if s.metrics != nil {
		s.metrics.ReversalPosted()
	}
	s.recordAudit(ctx, actorID, fmt.Sprintf("ledger:reverse:%s", reversedType), result.Transaction)
	return result, nil
}

// Snapshot returns positions joined with item metadata for reporting reads.
func (s *Service) Snapshot(ctx context.Context, filter SnapshotFilter) ([]PositionDetail, error) {
	if filter.Limit <= 0 {
		filter.Limit = 200
	}
	return s.repo.ListPositions(ctx, filter)
}

// History lists the transaction trail for one (item, store).
func (s *Service) History(ctx context.Context, itemID, storeID int64, limit int) ([]Transaction, error) {
	if itemID == 0 || storeID == 0 {
		return nil, fmt.Errorf("%w: item and store required", shared.ErrValidation)
	}
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListTransactions(ctx, itemID, storeID, limit)
}

// Reconcile compares each position against the running sum of its
// transactions and returns the keys that drifted apart.
func (s *Service) Reconcile(ctx context.Context) ([]Drift, error) {
	return s.repo.FindDrift(ctx)
}

type postParams struct {
	ItemID         int64
	StoreID        int64
	Quantity       int64
	Type           TransactionType
	BatchNo        string
	RefType        string
	RefID          string
	ActorID        int64
	ReversalOf     *int64
	AllowBackorder bool
}

// post is the single atomic step shared by Move and Reverse: lock the
// position row, guard the balance, append the transaction, write the new
// on-hand quantity.
func (s *Service) post(ctx context.Context, tx TxRepository, params postParams) (Movement, error) {
	now := s.now().UTC()

	pos, err := tx.GetPositionForUpdate(ctx, params.ItemID, params.StoreID)
	if err != nil {
		if !errors.Is(err, ErrPositionNotFound) {
			return Movement{}, err
		}
		if params.Quantity < 0 {
			return Movement{}, fmt.Errorf("%w: item %d store %d", ErrUnknownItemOrStore, params.ItemID, params.StoreID)
		}
		if err := tx.EnsureItemStore(ctx, params.ItemID, params.StoreID); err != nil {
			return Movement{}, err
		}
		pos = Position{ItemID: params.ItemID, StoreID: params.StoreID}
	}

	newQty := pos.QuantityOnHand + params.Quantity
	if newQty < 0 && !params.AllowBackorder {
		return Movement{}, fmt.Errorf("%w: on hand %d, movement %d", ErrInsufficientStock, pos.QuantityOnHand, params.Quantity)
	}

	record := Transaction{
		ItemID:     params.ItemID,
		StoreID:    params.StoreID,
		Type:       params.Type,
		Quantity:   params.Quantity,
		BatchNo:    params.BatchNo,
		RefType:    params.RefType,
		RefID:      params.RefID,
		ReversalOf: params.ReversalOf,
		CreatedBy:  params.ActorID,
		CreatedAt:  now,
	}
	id, err := tx.InsertTransaction(ctx, record)
	if err != nil {
		return Movement{}, err
	}
	record.ID = id

	pos.QuantityOnHand = newQty
	pos.UpdatedAt = now
	if params.Quantity > 0 && (params.Type == TypeGRN || params.Type == TypeOpeningStock) {
		pos.LastRestockAt = now
	}
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return Movement{}, err
	}

	return Movement{Transaction: record, Position: pos}, nil
}

// withLockRetry runs fn inside a repository transaction, retrying bounded
// times when the database reports lock contention, then surfaces the
// conflict as retry-safe for the caller.
func (s *Service) withLockRetry(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MoveRetries; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if err == nil || !db.IsLockConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", shared.ErrConcurrencyConflict, err)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, tx Transaction) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory_transaction",
		EntityID: fmt.Sprintf("%d", tx.ID),
		Meta: map[string]any{
			"item_id":  tx.ItemID,
			"store_id": tx.StoreID,
			"quantity": tx.Quantity,
			"type":     string(tx.Type),
			"ref_type": tx.RefType,
			"ref_id":   tx.RefID,
		},
	})
}

func validateMovement(input MovementInput) error {
	if input.ItemID == 0 || input.StoreID == 0 {
		return fmt.Errorf("%w: item and store required", shared.ErrValidation)
	}
	if !input.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, input.Type)
	}
	if input.Type == TypeSaleReversal || input.Type == TypeGRNReversal {
		return fmt.Errorf("%w: reversal kinds are emitted by Reverse only", ErrInvalidType)
	}
	if input.Quantity == 0 {
		return ErrInvalidQuantity
	}
	if dir := directions[input.Type]; (dir > 0 && input.Quantity < 0) || (dir < 0 && input.Quantity > 0) {
		return fmt.Errorf("%w: %s expects %s quantity", ErrWrongDirection, input.Type, signWord(directions[input.Type]))
	}
	if input.RefType == "" || input.RefID == "" {
		return ErrMissingRef
	}
	if _, err := uuid.Parse(input.RefID); err != nil {
		return fmt.Errorf("%w: ref id must be a uuid", shared.ErrValidation)
	}
	return nil
}

func movementKey(input MovementInput) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", input.Type, input.RefType, input.RefID, input.ItemID, input.StoreID)
}

func signWord(dir int) string {
	if dir > 0 {
		return "a positive"
	}
	return "a negative"
}
