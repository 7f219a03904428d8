package payments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts persistence for the allocation engine.
type RepositoryPort interface {
	// CreatePayment writes the payment and its allocations atomically,
	// enforcing the per-document over-allocation guard under row locks.
	CreatePayment(ctx context.Context, payment Payment, allocations []Allocation) (Payment, error)
	// RecomputeStatus reads the full active allocation set and writes the
	// derived status inside one transaction scoped to the document.
	RecomputeStatus(ctx context.Context, documentID int64) (PaymentStatus, error)
	// VoidPayment soft-voids a payment's allocations, marks it reversed and
	// records the reversing payment; returns the touched document ids.
	VoidPayment(ctx context.Context, paymentID int64, reversal Payment) (Payment, []int64, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	ListOutstanding(ctx context.Context, kind DocumentKind, counterpartyID int64) ([]OutstandingDoc, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives engine counters.
type MetricsPort interface {
	PaymentCreated(amount decimal.Decimal)
	PaymentReversed()
}

// Service owns payment creation, allocation and derived status recomputation.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// CreatePayment validates the allocation set up front, writes the payment and
// allocations, then recomputes each referenced document's derived status.
// Validation failures reject before any write; a status write failure after
// the allocations committed is surfaced as *StatusRecomputeError without
// rolling back the payment.
func (s *Service) CreatePayment(ctx context.Context, input PaymentInput) (PaymentResult, error) {
	if err := validatePayment(input); err != nil {
		return PaymentResult{}, err
	}

	now := s.now().UTC()
	paymentDate := input.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}

	key := ""
	insertedKey := false
	if s.idempotency != nil && input.ReferenceNumber != "" {
		key = fmt.Sprintf("payment:%d:%s", input.CounterpartyID, input.ReferenceNumber)
		if err := s.idempotency.CheckAndInsert(ctx, key, shared.ModulePayments); err != nil {
			return PaymentResult{}, err
		}
		insertedKey = true
	}

	payment := Payment{
		Number:          fmt.Sprintf("PAY-%d", now.UnixNano()),
		CounterpartyID:  input.CounterpartyID,
		Method:          input.Method,
		ReferenceNumber: input.ReferenceNumber,
		TotalAmount:     input.TotalAmount,
		PaymentDate:     paymentDate,
		CreatedAt:       now,
	}
	allocations := make([]Allocation, 0, len(input.Allocations))
	for _, a := range input.Allocations {
		allocations = append(allocations, Allocation{DocumentID: a.DocumentID, Amount: a.Amount, CreatedAt: now})
	}

	created, err := s.repo.CreatePayment(ctx, payment, allocations)
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return PaymentResult{}, err
	}

	if s.metrics != nil {
		s.metrics.PaymentCreated(created.TotalAmount)
	}
	s.recordAudit(ctx, input.ActorID, "payments:create", created)

	result := PaymentResult{Payment: created, Statuses: make(map[int64]PaymentStatus, len(allocations))}
	statuses, recomputeErr := s.recomputeAll(ctx, documentIDs(allocations))
	result.Statuses = statuses
	if recomputeErr != nil {
		recomputeErr.PaymentID = created.ID
		return result, recomputeErr
	}
	return result, nil
}

// ReversePayment soft-voids the payment's allocations through a reversing
// payment and recomputes every touched document. A payment may be reversed at
// most once.
func (s *Service) ReversePayment(ctx context.Context, paymentID, actorID int64) (PaymentResult, error) {
	if paymentID == 0 {
		return PaymentResult{}, fmt.Errorf("%w: payment id required", shared.ErrValidation)
	}
	original, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return PaymentResult{}, err
	}

	now := s.now().UTC()
	originalID := original.ID
	reversal := Payment{
		Number:          fmt.Sprintf("RPAY-%d", now.UnixNano()),
		CounterpartyID:  original.CounterpartyID,
		Method:          original.Method,
		ReferenceNumber: original.ReferenceNumber,
		TotalAmount:     original.TotalAmount.Neg(),
		PaymentDate:     now,
		ReversalOf:      &originalID,
		CreatedAt:       now,
	}

	created, docIDs, err := s.repo.VoidPayment(ctx, paymentID, reversal)
	if err != nil {
		return PaymentResult{}, err
	}

	if s.metrics != nil {
		s.metrics.PaymentReversed()
	}
	s.recordAudit(ctx, actorID, "payments:reverse", created)

	result := PaymentResult{Payment: created}
	statuses, recomputeErr := s.recomputeAll(ctx, docIDs)
	result.Statuses = statuses
	if recomputeErr != nil {
		recomputeErr.PaymentID = created.ID
		return result, recomputeErr
	}
	return result, nil
}

// RecomputeDocumentStatus rederives one document's status from its active
// allocations. Idempotent; exposed for repair after partial failures.
func (s *Service) RecomputeDocumentStatus(ctx context.Context, documentID int64) (PaymentStatus, error) {
	if documentID == 0 {
		return "", fmt.Errorf("%w: document id required", shared.ErrValidation)
	}
	return s.repo.RecomputeStatus(ctx, documentID)
}

// Outstanding lists not-fully-paid documents with their allocation sums.
// A zero counterparty id means all counterparties.
func (s *Service) Outstanding(ctx context.Context, kind DocumentKind, counterpartyID int64) ([]OutstandingDoc, error) {
	if kind != KindSalesInvoice && kind != KindGoodsReceivedNote {
		return nil, fmt.Errorf("%w: unknown document kind %q", shared.ErrValidation, kind)
	}
	return s.repo.ListOutstanding(ctx, kind, counterpartyID)
}

// recomputeAll recomputes statuses document by document; each update is
// independent, so one failure does not stop the rest.
func (s *Service) recomputeAll(ctx context.Context, docIDs []int64) (map[int64]PaymentStatus, *StatusRecomputeError) {
	statuses := make(map[int64]PaymentStatus, len(docIDs))
	var failed []int64
	var lastErr error
	for _, id := range docIDs {
		status, err := s.repo.RecomputeStatus(ctx, id)
		if err != nil {
			failed = append(failed, id)
			lastErr = err
			continue
		}
		statuses[id] = status
	}
	if len(failed) > 0 {
		return statuses, &StatusRecomputeError{DocumentIDs: failed, Err: lastErr}
	}
	return statuses, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, payment Payment) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "payment",
		EntityID: fmt.Sprintf("%d", payment.ID),
		Meta: map[string]any{
			"number":          payment.Number,
			"counterparty_id": payment.CounterpartyID,
			"total_amount":    payment.TotalAmount.String(),
		},
	})
}

func validatePayment(input PaymentInput) error {
	if input.CounterpartyID == 0 {
		return fmt.Errorf("%w: counterparty required", shared.ErrValidation)
	}
	if input.Method == "" {
		return fmt.Errorf("%w: payment method required", shared.ErrValidation)
	}
	if len(input.Allocations) == 0 {
		return ErrEmptyAllocations
	}
	if input.TotalAmount.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveAmount
	}
	seen := make(map[int64]bool, len(input.Allocations))
	sum := decimal.Zero
	for _, a := range input.Allocations {
		if a.DocumentID == 0 {
			return fmt.Errorf("%w: document id required", shared.ErrValidation)
		}
		if seen[a.DocumentID] {
			return ErrDuplicateDocument
		}
		seen[a.DocumentID] = true
		if a.Amount.LessThanOrEqual(decimal.Zero) {
			return ErrNonPositiveAmount
		}
		sum = sum.Add(a.Amount)
	}
	if !sum.Equal(input.TotalAmount) {
		return fmt.Errorf("%w: allocations sum %s, payment total %s", ErrAllocationMismatch, sum, input.TotalAmount)
	}
	return nil
}

func documentIDs(allocations []Allocation) []int64 {
	ids := make([]int64, 0, len(allocations))
	for _, a := range allocations {
		ids = append(ids, a.DocumentID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
