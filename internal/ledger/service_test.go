package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryRepo struct {
	mu           sync.Mutex
	positions    map[string]Position
	transactions map[int64]Transaction
	order        []int64
	nextID       int64
	unknownItems map[int64]bool
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		positions:    make(map[string]Position),
		transactions: make(map[int64]Transaction),
		unknownItems: make(map[int64]bool),
	}
}

func key(itemID, storeID int64) string {
	return fmt.Sprintf("%d:%d", itemID, storeID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[id]
	if !ok {
		return Transaction{}, shared.ErrNotFound
	}
	return tx, nil
}

func (r *memoryRepo) ListPositions(ctx context.Context, filter SnapshotFilter) ([]PositionDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	details := []PositionDetail{}
	for _, pos := range r.positions {
		details = append(details, PositionDetail{Position: pos})
	}
	return details, nil
}

func (r *memoryRepo) ListTransactions(ctx context.Context, itemID, storeID int64, limit int) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txs := []Transaction{}
	for i := len(r.order) - 1; i >= 0 && len(txs) < limit; i-- {
		tx := r.transactions[r.order[i]]
		if tx.ItemID == itemID && tx.StoreID == storeID {
			txs = append(txs, tx)
		}
	}
	return txs, nil
}

func (r *memoryRepo) FindDrift(ctx context.Context) ([]Drift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sums := map[string]int64{}
	for _, tx := range r.transactions {
		sums[key(tx.ItemID, tx.StoreID)] += tx.Quantity
	}
	drifts := []Drift{}
	for k, pos := range r.positions {
		if pos.QuantityOnHand != sums[k] {
			drifts = append(drifts, Drift{ItemID: pos.ItemID, StoreID: pos.StoreID, OnHand: pos.QuantityOnHand, TxSum: sums[k]})
		}
	}
	return drifts, nil
}

func (t *memoryTx) EnsureItemStore(ctx context.Context, itemID, storeID int64) error {
	if t.repo.unknownItems[itemID] {
		return fmt.Errorf("%w: item %d", ErrUnknownItemOrStore, itemID)
	}
	return nil
}

func (t *memoryTx) GetPositionForUpdate(ctx context.Context, itemID, storeID int64) (Position, error) {
	if pos, ok := t.repo.positions[key(itemID, storeID)]; ok {
		return pos, nil
	}
	return Position{ItemID: itemID, StoreID: storeID}, ErrPositionNotFound
}

func (t *memoryTx) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	t.repo.nextID++
	tx.ID = t.repo.nextID
	t.repo.transactions[tx.ID] = tx
	t.repo.order = append(t.repo.order, tx.ID)
	return tx.ID, nil
}

func (t *memoryTx) UpsertPosition(ctx context.Context, pos Position) error {
	t.repo.positions[key(pos.ItemID, pos.StoreID)] = pos
	return nil
}

func (t *memoryTx) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	tx, ok := t.repo.transactions[id]
	if !ok {
		return Transaction{}, shared.ErrNotFound
	}
	return tx, nil
}

func (t *memoryTx) MarkReversed(ctx context.Context, originalID, reversalID int64) error {
	tx, ok := t.repo.transactions[originalID]
	if !ok {
		return shared.ErrNotFound
	}
	if tx.ReversedBy != nil {
		return fmt.Errorf("%w: transaction %d", ErrAlreadyReversed, originalID)
	}
	tx.ReversedBy = &reversalID
	t.repo.transactions[originalID] = tx
	return nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil, ServiceConfig{})
}

func ref() (string, string) {
	return "sales_invoice", uuid.NewString()
}

func mustMove(t *testing.T, svc *Service, itemID, storeID, qty int64, txType TransactionType) Movement {
	t.Helper()
	refType, refID := ref()
	mv, err := svc.Move(context.Background(), MovementInput{
		ItemID: itemID, StoreID: storeID, Quantity: qty, Type: txType,
		RefType: refType, RefID: refID, ActorID: 7,
	})
	require.NoError(t, err)
	return mv
}

func TestMoveAndReverseScenario(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	mv := mustMove(t, svc, 1, 1, 100, TypeOpeningStock)
	require.EqualValues(t, 100, mv.Position.QuantityOnHand)

	mv = mustMove(t, svc, 1, 1, 50, TypeGRN)
	require.EqualValues(t, 150, mv.Position.QuantityOnHand)
	require.False(t, mv.Position.LastRestockAt.IsZero())

	sale := mustMove(t, svc, 1, 1, -20, TypeSale)
	require.EqualValues(t, 130, sale.Position.QuantityOnHand)

	reversal, err := svc.Reverse(context.Background(), sale.Transaction.ID, 7)
	require.NoError(t, err)
	require.EqualValues(t, 150, reversal.Position.QuantityOnHand)
	require.Equal(t, TypeSaleReversal, reversal.Transaction.Type)
	require.EqualValues(t, 20, reversal.Transaction.Quantity)
	require.NotNil(t, reversal.Transaction.ReversalOf)
	require.Equal(t, sale.Transaction.ID, *reversal.Transaction.ReversalOf)
}

func TestReverseTwiceFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	mustMove(t, svc, 1, 1, 100, TypeOpeningStock)
	sale := mustMove(t, svc, 1, 1, -10, TypeSale)

	_, err := svc.Reverse(context.Background(), sale.Transaction.ID, 7)
	require.NoError(t, err)

	_, err = svc.Reverse(context.Background(), sale.Transaction.ID, 7)
	require.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestReversalEntriesAreTerminal(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	mustMove(t, svc, 1, 1, 100, TypeOpeningStock)
	sale := mustMove(t, svc, 1, 1, -10, TypeSale)

	reversal, err := svc.Reverse(context.Background(), sale.Transaction.ID, 7)
	require.NoError(t, err)

	_, err = svc.Reverse(context.Background(), reversal.Transaction.ID, 7)
	require.ErrorIs(t, err, ErrNotReversible)

	_, err = svc.Reverse(context.Background(), mustMove(t, svc, 1, 1, 5, TypeOpeningStock).Transaction.ID, 7)
	require.ErrorIs(t, err, ErrNotReversible)
}

func TestLedgerReconciliationInvariant(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	moves := []struct {
		qty int64
		typ TransactionType
	}{
		{40, TypeOpeningStock},
		{25, TypeGRN},
		{-12, TypeSale},
		{3, TypeSaleReturn},
		{-6, TypeAdjustmentOut},
		{-5, TypePurchaseReturn},
		{10, TypeAdjustmentIn},
	}
	var sum int64
	var last Movement
	for _, m := range moves {
		last = mustMove(t, svc, 2, 3, m.qty, m.typ)
		sum += m.qty
	}
	require.Equal(t, sum, last.Position.QuantityOnHand)

	drifts, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	mustMove(t, svc, 1, 1, 5, TypeGRN)

	refType, refID := ref()
	_, err := svc.Move(context.Background(), MovementInput{
		ItemID: 1, StoreID: 1, Quantity: -6, Type: TypeSale,
		RefType: refType, RefID: refID,
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Backorder flag lifts the floor for this movement only.
	refType, refID = ref()
	mv, err := svc.Move(context.Background(), MovementInput{
		ItemID: 1, StoreID: 1, Quantity: -6, Type: TypeSale,
		RefType: refType, RefID: refID, AllowBackorder: true,
	})
	require.NoError(t, err)
	require.EqualValues(t, -1, mv.Position.QuantityOnHand)
}

func TestUnknownItemOrStore(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	refType, refID := ref()
	_, err := svc.Move(context.Background(), MovementInput{
		ItemID: 9, StoreID: 9, Quantity: -1, Type: TypeSale,
		RefType: refType, RefID: refID,
	})
	require.ErrorIs(t, err, ErrUnknownItemOrStore)

	repo.unknownItems[42] = true
	refType, refID = ref()
	_, err = svc.Move(context.Background(), MovementInput{
		ItemID: 42, StoreID: 1, Quantity: 10, Type: TypeGRN,
		RefType: refType, RefID: refID,
	})
	require.ErrorIs(t, err, ErrUnknownItemOrStore)
}

func TestMovementValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	refType, refID := ref()

	cases := []struct {
		name  string
		input MovementInput
		want  error
	}{
		{"zero quantity", MovementInput{ItemID: 1, StoreID: 1, Type: TypeSale, RefType: refType, RefID: refID}, ErrInvalidQuantity},
		{"unknown type", MovementInput{ItemID: 1, StoreID: 1, Quantity: 1, Type: "melt", RefType: refType, RefID: refID}, ErrInvalidType},
		{"reversal type direct", MovementInput{ItemID: 1, StoreID: 1, Quantity: 1, Type: TypeSaleReversal, RefType: refType, RefID: refID}, ErrInvalidType},
		{"sale positive", MovementInput{ItemID: 1, StoreID: 1, Quantity: 5, Type: TypeSale, RefType: refType, RefID: refID}, ErrWrongDirection},
		{"grn negative", MovementInput{ItemID: 1, StoreID: 1, Quantity: -5, Type: TypeGRN, RefType: refType, RefID: refID}, ErrWrongDirection},
		{"missing reference", MovementInput{ItemID: 1, StoreID: 1, Quantity: 5, Type: TypeGRN}, ErrMissingRef},
		{"bad ref id", MovementInput{ItemID: 1, StoreID: 1, Quantity: 5, Type: TypeGRN, RefType: refType, RefID: "not-a-uuid"}, shared.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Move(context.Background(), tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConcurrentMovesAreSerialized(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	mustMove(t, svc, 1, 1, 10, TypeGRN)

	var wg sync.WaitGroup
	deltas := []int64{-5, -3}
	errs := make([]error, len(deltas))
	for i, d := range deltas {
		wg.Add(1)
		go func(i int, d int64) {
			defer wg.Done()
			refType, refID := ref()
			_, errs[i] = svc.Move(context.Background(), MovementInput{
				ItemID: 1, StoreID: 1, Quantity: d, Type: TypeSale,
				RefType: refType, RefID: refID,
			})
		}(i, d)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	pos, err := (&memoryTx{repo: repo}).GetPositionForUpdate(context.Background(), 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, pos.QuantityOnHand)

	drifts, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, drifts)
}
