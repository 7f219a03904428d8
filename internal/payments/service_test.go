package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu            sync.Mutex
	docs          map[int64]*Document
	payments      map[int64]*Payment
	allocations   []*Allocation
	nextPaymentID int64
	nextAllocID   int64
	failRecompute map[int64]bool
}

func newMemRepo(docs ...*Document) *memRepo {
	r := &memRepo{
		docs:          map[int64]*Document{},
		payments:      map[int64]*Payment{},
		failRecompute: map[int64]bool{},
	}
	for _, d := range docs {
		r.docs[d.ID] = d
	}
	return r
}

func (r *memRepo) activeSum(documentID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range r.allocations {
		if a.DocumentID == documentID && !a.Voided {
			sum = sum.Add(a.Amount)
		}
	}
	return sum
}

func (r *memRepo) CreatePayment(ctx context.Context, payment Payment, allocations []Allocation) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range allocations {
		doc, ok := r.docs[a.DocumentID]
		if !ok || !doc.IsActive {
			return Payment{}, fmt.Errorf("%w: id %d", ErrDocumentNotFound, a.DocumentID)
		}
		if r.activeSum(a.DocumentID).Add(a.Amount).GreaterThan(doc.TotalAmount) {
			return Payment{}, fmt.Errorf("%w: document %d", ErrOverAllocation, a.DocumentID)
		}
	}
	r.nextPaymentID++
	payment.ID = r.nextPaymentID
	r.payments[payment.ID] = &payment
	for _, a := range allocations {
		r.nextAllocID++
		alloc := a
		alloc.ID = r.nextAllocID
		alloc.PaymentID = payment.ID
		r.allocations = append(r.allocations, &alloc)
	}
	return payment, nil
}

func (r *memRepo) RecomputeStatus(ctx context.Context, documentID int64) (PaymentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRecompute[documentID] {
		return "", errors.New("status write failed")
	}
	doc, ok := r.docs[documentID]
	if !ok {
		return "", fmt.Errorf("%w: id %d", ErrDocumentNotFound, documentID)
	}
	doc.PaymentStatus = DeriveStatus(r.activeSum(documentID), doc.TotalAmount)
	return doc.PaymentStatus, nil
}

func (r *memRepo) VoidPayment(ctx context.Context, paymentID int64, reversal Payment) (Payment, []int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	original, ok := r.payments[paymentID]
	if !ok {
		return Payment{}, nil, fmt.Errorf("%w: id %d", ErrPaymentNotFound, paymentID)
	}
	if original.ReversedBy != nil {
		return Payment{}, nil, fmt.Errorf("%w: payment %d", ErrAlreadyReversed, paymentID)
	}
	r.nextPaymentID++
	reversal.ID = r.nextPaymentID
	r.payments[reversal.ID] = &reversal
	docIDs := []int64{}
	for _, a := range r.allocations {
		if a.PaymentID == paymentID && !a.Voided {
			a.Voided = true
			docIDs = append(docIDs, a.DocumentID)
		}
	}
	original.ReversedBy = &reversal.ID
	return reversal, docIDs, nil
}

func (r *memRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: id %d", ErrPaymentNotFound, id)
	}
	return *p, nil
}

func (r *memRepo) ListOutstanding(ctx context.Context, kind DocumentKind, counterpartyID int64) ([]OutstandingDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []OutstandingDoc{}
	for _, d := range r.docs {
		if d.Kind != kind || !d.IsActive || d.PaymentStatus == StatusPaid {
			continue
		}
		if counterpartyID != 0 && d.CounterpartyID != counterpartyID {
			continue
		}
		out = append(out, OutstandingDoc{
			DocumentID:      d.ID,
			Kind:            d.Kind,
			CounterpartyID:  d.CounterpartyID,
			DocumentDate:    d.DocumentDate,
			TotalAmount:     d.TotalAmount,
			AllocatedAmount: r.activeSum(d.ID),
			PaymentStatus:   d.PaymentStatus,
		})
	}
	return out, nil
}

func invoice(id, counterpartyID int64, total int64) *Document {
	return &Document{
		ID:             id,
		Kind:           KindSalesInvoice,
		CounterpartyID: counterpartyID,
		DocumentDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		TotalAmount:    decimal.NewFromInt(total),
		PaymentStatus:  StatusUnpaid,
		IsActive:       true,
	}
}

func paymentInput(counterpartyID int64, total int64, allocs ...AllocationInput) PaymentInput {
	return PaymentInput{
		CounterpartyID: counterpartyID,
		Method:         "bank_transfer",
		TotalAmount:    decimal.NewFromInt(total),
		Allocations:    allocs,
	}
}

func TestDeriveStatus(t *testing.T) {
	total := decimal.NewFromInt(1000)
	require.Equal(t, StatusUnpaid, DeriveStatus(decimal.Zero, total))
	require.Equal(t, StatusPartiallyPaid, DeriveStatus(decimal.NewFromInt(1), total))
	require.Equal(t, StatusPartiallyPaid, DeriveStatus(decimal.NewFromInt(999), total))
	require.Equal(t, StatusPaid, DeriveStatus(total, total))
	require.Equal(t, StatusPaid, DeriveStatus(decimal.NewFromInt(1001), total))
}

func TestCreatePaymentPartialThenPaid(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 1000))
	svc := NewService(repo, nil, nil, nil)

	result, err := svc.CreatePayment(context.Background(), paymentInput(5, 400, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(400)}))
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, result.Statuses[10])

	result, err = svc.CreatePayment(context.Background(), paymentInput(5, 600, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(600)}))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, result.Statuses[10])

	require.True(t, repo.activeSum(10).Equal(decimal.NewFromInt(1000)))
}

func TestAllocationMismatchWritesNothing(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 1000))
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePayment(context.Background(), paymentInput(5, 500,
		AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(400)}))
	require.ErrorIs(t, err, ErrAllocationMismatch)
	require.Empty(t, repo.payments)
	require.Empty(t, repo.allocations)
	require.Equal(t, StatusUnpaid, repo.docs[10].PaymentStatus)
}

func TestPaymentSplitAcrossDocuments(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 300), invoice(11, 5, 700))
	svc := NewService(repo, nil, nil, nil)

	result, err := svc.CreatePayment(context.Background(), paymentInput(5, 800,
		AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(300)},
		AllocationInput{DocumentID: 11, Amount: decimal.NewFromInt(500)}))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, result.Statuses[10])
	require.Equal(t, StatusPartiallyPaid, result.Statuses[11])
}

func TestOverAllocationRejected(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 100))
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePayment(context.Background(), paymentInput(5, 60, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(60)}))
	require.NoError(t, err)

	_, err = svc.CreatePayment(context.Background(), paymentInput(5, 60, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(60)}))
	require.ErrorIs(t, err, ErrOverAllocation)
	require.Len(t, repo.payments, 1)
}

func TestCreatePaymentValidation(t *testing.T) {
	svc := NewService(newMemRepo(invoice(10, 5, 100)), nil, nil, nil)
	ctx := context.Background()

	_, err := svc.CreatePayment(ctx, paymentInput(5, 100))
	require.ErrorIs(t, err, ErrEmptyAllocations)

	_, err = svc.CreatePayment(ctx, paymentInput(5, 0, AllocationInput{DocumentID: 10, Amount: decimal.Zero}))
	require.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = svc.CreatePayment(ctx, paymentInput(5, 100,
		AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(50)},
		AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(50)}))
	require.ErrorIs(t, err, ErrDuplicateDocument)
}

func TestReversePayment(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 1000))
	svc := NewService(repo, nil, nil, nil)

	created, err := svc.CreatePayment(context.Background(), paymentInput(5, 400, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(400)}))
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, repo.docs[10].PaymentStatus)

	reversed, err := svc.ReversePayment(context.Background(), created.Payment.ID, 7)
	require.NoError(t, err)
	require.Equal(t, StatusUnpaid, reversed.Statuses[10])
	require.True(t, reversed.Payment.TotalAmount.Equal(decimal.NewFromInt(-400)))
	require.NotNil(t, reversed.Payment.ReversalOf)

	// Voided allocations stay on file for the audit trail.
	require.Len(t, repo.allocations, 1)
	require.True(t, repo.allocations[0].Voided)

	_, err = svc.ReversePayment(context.Background(), created.Payment.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 1000))
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePayment(context.Background(), paymentInput(5, 250, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(250)}))
	require.NoError(t, err)

	first, err := svc.RecomputeDocumentStatus(context.Background(), 10)
	require.NoError(t, err)
	second, err := svc.RecomputeDocumentStatus(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, StatusPartiallyPaid, second)
}

func TestStatusFailureDoesNotRollBackPayment(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 300), invoice(11, 5, 700))
	repo.failRecompute[11] = true
	svc := NewService(repo, nil, nil, nil)

	result, err := svc.CreatePayment(context.Background(), paymentInput(5, 400,
		AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(100)},
		AllocationInput{DocumentID: 11, Amount: decimal.NewFromInt(300)}))

	var recompute *StatusRecomputeError
	require.ErrorAs(t, err, &recompute)
	require.Equal(t, []int64{11}, recompute.DocumentIDs)
	require.NotZero(t, result.Payment.ID)
	require.Equal(t, StatusPartiallyPaid, result.Statuses[10])

	// Allocations are on file; a later recompute heals the status.
	repo.failRecompute[11] = false
	status, err := svc.RecomputeDocumentStatus(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, status)
}

func TestOutstandingRemainder(t *testing.T) {
	repo := newMemRepo(invoice(10, 5, 1000))
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePayment(context.Background(), paymentInput(5, 400, AllocationInput{DocumentID: 10, Amount: decimal.NewFromInt(400)}))
	require.NoError(t, err)

	docs, err := svc.Outstanding(context.Background(), KindSalesInvoice, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.True(t, docs[0].Remainder().Equal(decimal.NewFromInt(600)))
}
