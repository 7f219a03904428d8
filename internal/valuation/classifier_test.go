package valuation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		onHand  int64
		reorder int64
		want    Status
	}{
		{"zero is out of stock", 0, 10, StatusOutOfStock},
		{"half level is critical", 5, 10, StatusCritical},
		{"below half is critical", 3, 10, StatusCritical},
		{"at level is low", 10, 10, StatusLow},
		{"between half and level is low", 7, 10, StatusLow},
		{"above level is ok", 11, 10, StatusOK},
		{"odd level rounds toward severe", 2, 5, StatusCritical},
		{"odd level low band", 3, 5, StatusLow},
		{"zero reorder level", 1, 0, StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.onHand, tc.reorder))
		})
	}
}

func TestValue(t *testing.T) {
	detail := ledger.PositionDetail{
		Position: ledger.Position{
			QuantityOnHand:   12,
			ReservedQuantity: 2,
		},
		ReorderLevel: 20,
		CostPrice:    decimal.NewFromFloat(7.50),
		RetailPrice:  decimal.NewFromFloat(11.25),
	}

	v := Value(detail)
	require.Equal(t, StatusLow, v.Status)
	require.EqualValues(t, 10, v.AvailableQuantity)
	require.True(t, v.CostValuation.Equal(decimal.NewFromFloat(90.00)), v.CostValuation.String())
	require.True(t, v.RetailValuation.Equal(decimal.NewFromFloat(135.00)), v.RetailValuation.String())
	require.True(t, v.ProfitMarginTotal.Equal(decimal.NewFromFloat(37.50)), v.ProfitMarginTotal.String())
}
