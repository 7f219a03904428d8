// Package valuation derives stock health and monetary valuation from ledger
// snapshots. Everything here is a pure function over a snapshot row, safe to
// run repeatedly for reporting.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// Status classifies stock health for one position.
type Status string

const (
	StatusOK         Status = "OK"
	StatusLow        Status = "LOW"
	StatusCritical   Status = "CRITICAL"
	StatusOutOfStock Status = "OUT_OF_STOCK"
)

// Valuation is the monetary view of one position.
type Valuation struct {
	Status            Status
	QuantityOnHand    int64
	AvailableQuantity int64
	CostValuation     decimal.Decimal
	RetailValuation   decimal.Decimal
	ProfitMarginTotal decimal.Decimal
}

// Classify buckets on-hand quantity against the reorder level. Ties favour
// the more severe bucket.
func Classify(quantityOnHand, reorderLevel int64) Status {
	switch {
	case quantityOnHand == 0:
		return StatusOutOfStock
	case quantityOnHand*2 <= reorderLevel:
		return StatusCritical
	case quantityOnHand <= reorderLevel:
		return StatusLow
	default:
		return StatusOK
	}
}

// Value computes the full valuation for one snapshot row.
func Value(detail ledger.PositionDetail) Valuation {
	onHand := decimal.NewFromInt(detail.QuantityOnHand)
	available := detail.QuantityOnHand - detail.ReservedQuantity
	return Valuation{
		Status:            Classify(detail.QuantityOnHand, detail.ReorderLevel),
		QuantityOnHand:    detail.QuantityOnHand,
		AvailableQuantity: available,
		CostValuation:     onHand.Mul(detail.CostPrice),
		RetailValuation:   onHand.Mul(detail.RetailPrice),
		ProfitMarginTotal: decimal.NewFromInt(available).Mul(detail.RetailPrice.Sub(detail.CostPrice)),
	}
}
