package payments

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// DocumentKind distinguishes the two outstanding document sources.
type DocumentKind string

const (
	// KindSalesInvoice is a receivable document owed by a customer.
	KindSalesInvoice DocumentKind = "sales_invoice"
	// KindGoodsReceivedNote is a payable document owed to a supplier.
	KindGoodsReceivedNote DocumentKind = "goods_received_note"
)

// PaymentStatus is always derived from the active allocation set, never
// incremented in place.
type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "unpaid"
	StatusPartiallyPaid PaymentStatus = "partially_paid"
	StatusPaid          PaymentStatus = "paid"
)

// Document is the outstanding-document view owned by this engine. The row is
// created by sale/purchase recording; only payment_status belongs to us.
type Document struct {
	ID             int64
	Kind           DocumentKind
	CounterpartyID int64
	DocumentDate   time.Time
	TotalAmount    decimal.Decimal
	PaymentStatus  PaymentStatus
	IsActive       bool
}

// Payment is immutable after creation except through a reversing payment.
type Payment struct {
	ID              int64
	Number          string
	CounterpartyID  int64
	Method          string
	ReferenceNumber string
	TotalAmount     decimal.Decimal
	PaymentDate     time.Time
	ReversalOf      *int64
	ReversedBy      *int64
	CreatedAt       time.Time
}

// Allocation assigns part of one payment to one document. Rows are soft
// voided on reversal, never deleted, to preserve the recomputation trail.
type Allocation struct {
	ID         int64
	PaymentID  int64
	DocumentID int64
	Amount     decimal.Decimal
	Voided     bool
	CreatedAt  time.Time
}

// AllocationInput is one (document, amount) pair of a payment request.
type AllocationInput struct {
	DocumentID int64
	Amount     decimal.Decimal
}

// PaymentInput describes a payment event.
type PaymentInput struct {
	CounterpartyID  int64
	Method          string
	ReferenceNumber string
	TotalAmount     decimal.Decimal
	PaymentDate     time.Time
	Allocations     []AllocationInput
	ActorID         int64
}

// PaymentResult is a created payment plus the recomputed status per document.
type PaymentResult struct {
	Payment  Payment
	Statuses map[int64]PaymentStatus
}

// OutstandingDoc is a document with its current active allocation sum, the
// basis for aging and outstanding-balance reads.
type OutstandingDoc struct {
	DocumentID      int64
	Kind            DocumentKind
	CounterpartyID  int64
	DocumentDate    time.Time
	TotalAmount     decimal.Decimal
	AllocatedAmount decimal.Decimal
	PaymentStatus   PaymentStatus
}

// Remainder returns the exact unpaid amount.
func (d OutstandingDoc) Remainder() decimal.Decimal {
	return d.TotalAmount.Sub(d.AllocatedAmount)
}

// Payment engine errors.
var (
	ErrAllocationMismatch = shared.ErrAllocationMismatch
	ErrAlreadyReversed    = shared.ErrAlreadyReversed

	ErrDocumentNotFound  = fmt.Errorf("document: %w", shared.ErrNotFound)
	ErrPaymentNotFound   = fmt.Errorf("payment: %w", shared.ErrNotFound)
	ErrEmptyAllocations  = fmt.Errorf("%w: at least one allocation required", shared.ErrValidation)
	ErrNonPositiveAmount = fmt.Errorf("%w: amounts must be positive", shared.ErrValidation)
	ErrDuplicateDocument = fmt.Errorf("%w: duplicate document in allocations", shared.ErrValidation)
	ErrOverAllocation    = fmt.Errorf("%w: allocation exceeds document outstanding", shared.ErrValidation)
)

// StatusRecomputeError reports documents whose derived status could not be
// written after the payment and its allocations were committed. The payment
// stands; the next recomputation heals the status.
type StatusRecomputeError struct {
	PaymentID   int64
	DocumentIDs []int64
	Err         error
}

func (e *StatusRecomputeError) Error() string {
	return fmt.Sprintf("payment %d recorded, status recompute pending for documents %v: %v", e.PaymentID, e.DocumentIDs, e.Err)
}

func (e *StatusRecomputeError) Unwrap() error {
	return e.Err
}

// DeriveStatus is the pure status function over an allocation sum.
func DeriveStatus(allocated, total decimal.Decimal) PaymentStatus {
	switch {
	case allocated.LessThanOrEqual(decimal.Zero):
		return StatusUnpaid
	case allocated.LessThan(total):
		return StatusPartiallyPaid
	default:
		return StatusPaid
	}
}
