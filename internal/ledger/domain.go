package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// TransactionType enumerates supported stock movements.
type TransactionType string

const (
	// TypeOpeningStock seeds the initial on-hand quantity for an item/store pair.
	TypeOpeningStock TransactionType = "opening_stock"
	// TypeGRN records receipt of purchased stock from a supplier.
	TypeGRN TransactionType = "grn"
	// TypeSale records stock leaving on a sale.
	TypeSale TransactionType = "sale"
	// TypeSaleReturn records stock coming back from a customer.
	TypeSaleReturn TransactionType = "sale_return"
	// TypePurchaseReturn records stock going back to a supplier.
	TypePurchaseReturn TransactionType = "purchase_return"
	// TypeAdjustmentIn records a manual positive correction.
	TypeAdjustmentIn TransactionType = "adjustment_in"
	// TypeAdjustmentOut records a manual negative correction.
	TypeAdjustmentOut TransactionType = "adjustment_out"
	// TypeSaleReversal compensates a sale or sale return.
	TypeSaleReversal TransactionType = "sale_reversal"
	// TypeGRNReversal compensates a GRN or purchase return.
	TypeGRNReversal TransactionType = "grn_reversal"
)

// direction of each transaction type: +1 inbound, -1 outbound, 0 either way.
var directions = map[TransactionType]int{
	TypeOpeningStock:   +1,
	TypeGRN:            +1,
	TypeSale:           -1,
	TypeSaleReturn:     +1,
	TypePurchaseReturn: -1,
	TypeAdjustmentIn:   +1,
	TypeAdjustmentOut:  -1,
	TypeSaleReversal:   0,
	TypeGRNReversal:    0,
}

// reversalTypes maps a reversible transaction type to its compensating kind.
// Adjustments are corrected by posting the opposite adjustment, not reversed;
// reversal entries and opening stock are terminal.
var reversalTypes = map[TransactionType]TransactionType{
	TypeSale:           TypeSaleReversal,
	TypeSaleReturn:     TypeSaleReversal,
	TypeGRN:            TypeGRNReversal,
	TypePurchaseReturn: TypeGRNReversal,
}

// Valid reports whether t is a defined transaction type.
func (t TransactionType) Valid() bool {
	_, ok := directions[t]
	return ok
}

// Transaction is one immutable row of the stock ledger. Corrections are
// expressed as new compensating transactions, never as edits.
type Transaction struct {
	ID         int64
	ItemID     int64
	StoreID    int64
	Type       TransactionType
	Quantity   int64
	BatchNo    string
	RefType    string
	RefID      string
	ReversalOf *int64
	ReversedBy *int64
	CreatedBy  int64
	CreatedAt  time.Time
}

// Position holds current on-hand quantity per (item, store). Mutated only by
// the ledger, created on first inbound movement, never hard-deleted.
type Position struct {
	ItemID           int64
	StoreID          int64
	QuantityOnHand   int64
	ReservedQuantity int64
	LastRestockAt    time.Time
	UpdatedAt        time.Time
}

// PositionDetail joins a position with item metadata for reporting.
type PositionDetail struct {
	Position
	ItemName     string
	SKU          string
	ReorderLevel int64
	CostPrice    decimal.Decimal
	RetailPrice  decimal.Decimal
}

// MovementInput describes a requested stock movement.
type MovementInput struct {
	ItemID   int64
	StoreID  int64
	Quantity int64
	Type     TransactionType
	BatchNo  string
	RefType  string
	RefID    string
	ActorID  int64
	// AllowBackorder lets an outbound movement drive on-hand below zero.
	AllowBackorder bool
}

// Movement is the result of a posted movement.
type Movement struct {
	Transaction Transaction
	Position    Position
}

// SnapshotFilter scopes position snapshot queries.
type SnapshotFilter struct {
	StoreID int64
	ItemID  int64
	Limit   int
}

// Drift is a mismatch between a position and its transaction sum.
type Drift struct {
	ItemID  int64
	StoreID int64
	OnHand  int64
	TxSum   int64
}

// Ledger errors. The shared sentinels keep errors.Is matching across layers.
var (
	ErrInsufficientStock  = shared.ErrInsufficientStock
	ErrUnknownItemOrStore = shared.ErrUnknownItemOrStore
	ErrAlreadyReversed    = shared.ErrAlreadyReversed

	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be a non-zero integer", shared.ErrValidation)
	ErrInvalidType     = fmt.Errorf("%w: unknown transaction type", shared.ErrValidation)
	ErrWrongDirection  = fmt.Errorf("%w: quantity sign does not match transaction type", shared.ErrValidation)
	ErrNotReversible   = fmt.Errorf("%w: transaction type cannot be reversed", shared.ErrValidation)
	ErrMissingRef      = fmt.Errorf("%w: originating document reference required", shared.ErrValidation)
)
