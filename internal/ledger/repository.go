package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ErrPositionNotFound indicates a missing stock position row.
var ErrPositionNotFound = errors.New("stock position not found")

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetTransaction loads one transaction by id.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, item_id, store_id, tx_type, quantity, batch_no, ref_type, ref_id, reversal_of, reversed_by, created_by, created_at
FROM inventory_transactions WHERE id=$1`, id)
	return scanTransaction(row)
}

// ListPositions returns current positions joined with item metadata.
func (r *Repository) ListPositions(ctx context.Context, filter SnapshotFilter) ([]PositionDetail, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT p.item_id, p.store_id, p.quantity_on_hand, p.reserved_quantity, p.last_restock_at, p.updated_at,
	i.name, i.sku, i.reorder_level, i.cost_price, i.retail_price
FROM stock_positions p
JOIN items i ON i.id = p.item_id
WHERE ($1 = 0 OR p.store_id = $1) AND ($2 = 0 OR p.item_id = $2)
ORDER BY p.store_id, p.item_id
LIMIT $3`, filter.StoreID, filter.ItemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := []PositionDetail{}
	for rows.Next() {
		var d PositionDetail
		var lastRestock *time.Time
		if err := rows.Scan(&d.ItemID, &d.StoreID, &d.QuantityOnHand, &d.ReservedQuantity, &lastRestock, &d.UpdatedAt,
			&d.ItemName, &d.SKU, &d.ReorderLevel, &d.CostPrice, &d.RetailPrice); err != nil {
			return nil, err
		}
		if lastRestock != nil {
			d.LastRestockAt = *lastRestock
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// ListTransactions returns the newest-first trail for one (item, store).
func (r *Repository) ListTransactions(ctx context.Context, itemID, storeID int64, limit int) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, item_id, store_id, tx_type, quantity, batch_no, ref_type, ref_id, reversal_of, reversed_by, created_by, created_at
FROM inventory_transactions
WHERE item_id=$1 AND store_id=$2
ORDER BY id DESC
LIMIT $3`, itemID, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// FindDrift reports (item, store) keys whose position disagrees with the
// running sum of their transactions.
func (r *Repository) FindDrift(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.item_id, p.store_id, p.quantity_on_hand, COALESCE(t.total, 0)
FROM stock_positions p
LEFT JOIN (
	SELECT item_id, store_id, SUM(quantity) AS total
	FROM inventory_transactions
	GROUP BY item_id, store_id
) t ON t.item_id = p.item_id AND t.store_id = p.store_id
WHERE p.quantity_on_hand <> COALESCE(t.total, 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drifts := []Drift{}
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ItemID, &d.StoreID, &d.OnHand, &d.TxSum); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func (r *txRepository) EnsureItemStore(ctx context.Context, itemID, storeID int64) error {
	var itemOK, storeOK bool
	err := r.tx.QueryRow(ctx, `SELECT
	EXISTS (SELECT 1 FROM items WHERE id=$1 AND is_active),
	EXISTS (SELECT 1 FROM stores WHERE id=$2 AND is_active)`, itemID, storeID).Scan(&itemOK, &storeOK)
	if err != nil {
		return err
	}
	if !itemOK || !storeOK {
		return fmt.Errorf("%w: item %d store %d", ErrUnknownItemOrStore, itemID, storeID)
	}
	return nil
}

func (r *txRepository) GetPositionForUpdate(ctx context.Context, itemID, storeID int64) (Position, error) {
	var pos Position
	var lastRestock *time.Time
	err := r.tx.QueryRow(ctx, `SELECT item_id, store_id, quantity_on_hand, reserved_quantity, last_restock_at, updated_at
FROM stock_positions WHERE item_id=$1 AND store_id=$2 FOR UPDATE`, itemID, storeID).
		Scan(&pos.ItemID, &pos.StoreID, &pos.QuantityOnHand, &pos.ReservedQuantity, &lastRestock, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{ItemID: itemID, StoreID: storeID}, ErrPositionNotFound
		}
		return Position{}, err
	}
	if lastRestock != nil {
		pos.LastRestockAt = *lastRestock
	}
	return pos, nil
}

func (r *txRepository) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_transactions (item_id, store_id, tx_type, quantity, batch_no, ref_type, ref_id, reversal_of, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		tx.ItemID, tx.StoreID, string(tx.Type), tx.Quantity, tx.BatchNo, tx.RefType, tx.RefID, tx.ReversalOf, tx.CreatedBy, tx.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) UpsertPosition(ctx context.Context, pos Position) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_positions (item_id, store_id, quantity_on_hand, reserved_quantity, last_restock_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (item_id, store_id) DO UPDATE SET
	quantity_on_hand = EXCLUDED.quantity_on_hand,
	reserved_quantity = EXCLUDED.reserved_quantity,
	last_restock_at = COALESCE(EXCLUDED.last_restock_at, stock_positions.last_restock_at),
	updated_at = NOW()`,
		pos.ItemID, pos.StoreID, pos.QuantityOnHand, pos.ReservedQuantity, nullTime(pos.LastRestockAt))
	return err
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, item_id, store_id, tx_type, quantity, batch_no, ref_type, ref_id, reversal_of, reversed_by, created_by, created_at
FROM inventory_transactions WHERE id=$1 FOR UPDATE`, id)
	return scanTransaction(row)
}

func (r *txRepository) MarkReversed(ctx context.Context, originalID, reversalID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_transactions SET reversed_by=$2 WHERE id=$1 AND reversed_by IS NULL`, originalID, reversalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %d", ErrAlreadyReversed, originalID)
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var tx Transaction
	err := row.Scan(&tx.ID, &tx.ItemID, &tx.StoreID, &tx.Type, &tx.Quantity, &tx.BatchNo, &tx.RefType, &tx.RefID, &tx.ReversalOf, &tx.ReversedBy, &tx.CreatedBy, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("transaction: %w", shared.ErrNotFound)
		}
		return Transaction{}, err
	}
	return tx, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
