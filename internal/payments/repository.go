package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists payments and allocations in PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	retries int
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, retries: defaultWriteRetries}
}

const defaultWriteRetries = 3

// runWithLockRetry retries run bounded times on lock contention, then
// surfaces the conflict as retry-safe. Unique violations are duplicates, not
// contention, so they map to the duplicate-request sentinel immediately.
func runWithLockRetry(retries int, run func() error) error {
	if retries < 1 {
		retries = 1
	}
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		err = run()
		switch {
		case err == nil:
			return nil
		case db.IsUniqueViolation(err):
			return fmt.Errorf("%w: %v", shared.ErrIdempotencyConflict, err)
		case !db.IsLockConflict(err):
			return err
		}
	}
	return fmt.Errorf("%w: %v", shared.ErrConcurrencyConflict, err)
}

func (r *Repository) withLockRetry(ctx context.Context, fn func(pgx.Tx) error) error {
	return runWithLockRetry(r.retries, func() error {
		return db.WithTx(ctx, r.pool, fn)
	})
}

// CreatePayment inserts the payment and its allocations in one transaction.
// Referenced documents are locked in ascending id order so concurrent
// payments against overlapping documents cannot deadlock; the over-allocation
// guard runs under those locks.
func (r *Repository) CreatePayment(ctx context.Context, payment Payment, allocations []Allocation) (Payment, error) {
	sorted := make([]Allocation, len(allocations))
	copy(sorted, allocations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DocumentID < sorted[j].DocumentID })

	err := r.withLockRetry(ctx, func(tx pgx.Tx) error {
		for _, a := range sorted {
			var total decimal.Decimal
			var active bool
			err := tx.QueryRow(ctx, `SELECT total_amount, is_active FROM documents WHERE id=$1 FOR UPDATE`, a.DocumentID).Scan(&total, &active)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: id %d", ErrDocumentNotFound, a.DocumentID)
				}
				return err
			}
			if !active {
				return fmt.Errorf("%w: id %d inactive", ErrDocumentNotFound, a.DocumentID)
			}
			var allocated decimal.Decimal
			if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payment_allocations WHERE document_id=$1 AND NOT voided`, a.DocumentID).Scan(&allocated); err != nil {
				return err
			}
			if allocated.Add(a.Amount).GreaterThan(total) {
				return fmt.Errorf("%w: document %d allocated %s of %s, new %s", ErrOverAllocation, a.DocumentID, allocated, total, a.Amount)
			}
		}

		err := tx.QueryRow(ctx, `INSERT INTO payments (number, counterparty_id, method, reference_number, total_amount, payment_date, reversal_of, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			payment.Number, payment.CounterpartyID, payment.Method, payment.ReferenceNumber, payment.TotalAmount, payment.PaymentDate, payment.ReversalOf, payment.CreatedAt).Scan(&payment.ID)
		if err != nil {
			return err
		}
		for _, a := range sorted {
			if _, err := tx.Exec(ctx, `INSERT INTO payment_allocations (payment_id, document_id, amount, voided, created_at)
VALUES ($1,$2,$3,false,$4)`, payment.ID, a.DocumentID, a.Amount, a.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return payment, nil
}

// RecomputeStatus sums the full active allocation set and writes the derived
// status inside a transaction spanning the read and the write, so concurrent
// allocations cannot both observe a stale status.
func (r *Repository) RecomputeStatus(ctx context.Context, documentID int64) (PaymentStatus, error) {
	var status PaymentStatus
	err := r.withLockRetry(ctx, func(tx pgx.Tx) error {
		var total decimal.Decimal
		err := tx.QueryRow(ctx, `SELECT total_amount FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&total)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: id %d", ErrDocumentNotFound, documentID)
			}
			return err
		}
		var allocated decimal.Decimal
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payment_allocations WHERE document_id=$1 AND NOT voided`, documentID).Scan(&allocated); err != nil {
			return err
		}

		status = DeriveStatus(allocated, total)
		_, err = tx.Exec(ctx, `UPDATE documents SET payment_status=$2, updated_at=NOW() WHERE id=$1`, documentID, string(status))
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// VoidPayment soft-voids the payment's allocations, marks it reversed and
// records the reversing payment, all in one transaction.
func (r *Repository) VoidPayment(ctx context.Context, paymentID int64, reversal Payment) (Payment, []int64, error) {
	var docIDs []int64
	err := r.withLockRetry(ctx, func(tx pgx.Tx) error {
		docIDs = docIDs[:0]
		var reversedBy *int64
		var reversalOf *int64
		err := tx.QueryRow(ctx, `SELECT reversed_by, reversal_of FROM payments WHERE id=$1 FOR UPDATE`, paymentID).Scan(&reversedBy, &reversalOf)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: id %d", ErrPaymentNotFound, paymentID)
			}
			return err
		}
		if reversedBy != nil {
			return fmt.Errorf("%w: payment %d", ErrAlreadyReversed, paymentID)
		}
		if reversalOf != nil {
			return fmt.Errorf("%w: payment %d is itself a reversal", shared.ErrValidation, paymentID)
		}

		err = tx.QueryRow(ctx, `INSERT INTO payments (number, counterparty_id, method, reference_number, total_amount, payment_date, reversal_of, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			reversal.Number, reversal.CounterpartyID, reversal.Method, reversal.ReferenceNumber, reversal.TotalAmount, reversal.PaymentDate, reversal.ReversalOf, reversal.CreatedAt).Scan(&reversal.ID)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `UPDATE payment_allocations SET voided=true WHERE payment_id=$1 AND NOT voided RETURNING document_id`, paymentID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			docIDs = append(docIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE payments SET reversed_by=$2 WHERE id=$1`, paymentID, reversal.ID)
		return err
	})
	if err != nil {
		return Payment{}, nil, err
	}
	sort.Slice(docIDs, func(i, j int) bool { return docIDs[i] < docIDs[j] })
	return reversal, docIDs, nil
}

// GetPayment loads one payment by id.
func (r *Repository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	var p Payment
	err := r.pool.QueryRow(ctx, `SELECT id, number, counterparty_id, method, reference_number, total_amount, payment_date, reversal_of, reversed_by, created_at
FROM payments WHERE id=$1`, id).
		Scan(&p.ID, &p.Number, &p.CounterpartyID, &p.Method, &p.ReferenceNumber, &p.TotalAmount, &p.PaymentDate, &p.ReversalOf, &p.ReversedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, fmt.Errorf("%w: id %d", ErrPaymentNotFound, id)
		}
		return Payment{}, err
	}
	return p, nil
}

// ListOutstanding returns active, not-fully-paid documents with their current
// active allocation sums.
func (r *Repository) ListOutstanding(ctx context.Context, kind DocumentKind, counterpartyID int64) ([]OutstandingDoc, error) {
	rows, err := r.pool.Query(ctx, `SELECT d.id, d.kind, d.counterparty_id, d.document_date, d.total_amount, COALESCE(a.total, 0), d.payment_status
FROM documents d
LEFT JOIN (
	SELECT document_id, SUM(amount) AS total
	FROM payment_allocations
	WHERE NOT voided
	GROUP BY document_id
) a ON a.document_id = d.id
WHERE d.kind=$1 AND d.is_active AND d.payment_status <> 'paid' AND ($2 = 0 OR d.counterparty_id = $2)
ORDER BY d.document_date, d.id`, string(kind), counterpartyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []OutstandingDoc{}
	for rows.Next() {
		var d OutstandingDoc
		if err := rows.Scan(&d.DocumentID, &d.Kind, &d.CounterpartyID, &d.DocumentDate, &d.TotalAmount, &d.AllocatedAmount, &d.PaymentStatus); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
