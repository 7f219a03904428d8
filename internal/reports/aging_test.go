package reports

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/payments"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func doc(id, counterparty int64, daysOld int, total, allocated string, status payments.PaymentStatus, asOf time.Time) payments.OutstandingDoc {
	return payments.OutstandingDoc{
		DocumentID:      id,
		CounterpartyID:  counterparty,
		DocumentDate:    asOf.AddDate(0, 0, -daysOld),
		TotalAmount:     d(total),
		AllocatedAmount: d(allocated),
		PaymentStatus:   status,
	}
}

func TestBuildAgingBucketBoundaries(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	docs := []payments.OutstandingDoc{
		doc(1, 1, 0, "100", "0", payments.StatusUnpaid, asOf),
		doc(2, 1, 30, "200", "0", payments.StatusUnpaid, asOf),
		doc(3, 1, 31, "300", "0", payments.StatusUnpaid, asOf),
		doc(4, 1, 60, "400", "0", payments.StatusUnpaid, asOf),
		doc(5, 1, 61, "500", "0", payments.StatusUnpaid, asOf),
	}

	report := BuildAging(docs, asOf)

	require.Len(t, report.Counterparties, 1)
	buckets := report.Counterparties[0].Buckets
	assert.True(t, buckets.Bucket0To30.Equal(d("300")), "0 and 30 days: got %s", buckets.Bucket0To30)
	assert.True(t, buckets.Bucket30To60.Equal(d("700")), "31 and 60 days: got %s", buckets.Bucket30To60)
	assert.True(t, buckets.Bucket60Plus.Equal(d("500")), "61 days: got %s", buckets.Bucket60Plus)
	assert.True(t, buckets.Total.Equal(d("1500")))
	assert.True(t, report.Totals.Total.Equal(d("1500")))
}

func TestBuildAgingUnpaidInvoiceFortyFiveDaysOld(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	docs := []payments.OutstandingDoc{
		doc(10, 7, 45, "500", "0", payments.StatusUnpaid, asOf),
	}

	report := BuildAging(docs, asOf)

	require.Len(t, report.Counterparties, 1)
	buckets := report.Counterparties[0].Buckets
	assert.True(t, buckets.Bucket0To30.IsZero())
	assert.True(t, buckets.Bucket30To60.Equal(d("500")), "entire 500 belongs to 30-60: got %s", buckets.Bucket30To60)
	assert.True(t, buckets.Bucket60Plus.IsZero())
}

func TestBuildAgingUsesExactRemainder(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	docs := []payments.OutstandingDoc{
		doc(1, 3, 10, "1000", "400", payments.StatusPartiallyPaid, asOf),
	}

	report := BuildAging(docs, asOf)

	require.Len(t, report.Counterparties, 1)
	assert.True(t, report.Counterparties[0].Buckets.Bucket0To30.Equal(d("600")))
	assert.True(t, report.Totals.Total.Equal(d("600")))
}

func TestBuildAgingSkipsPaidAndSettled(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	docs := []payments.OutstandingDoc{
		doc(1, 1, 40, "500", "500", payments.StatusPaid, asOf),
		// Fully allocated but status not yet recomputed: nothing outstanding.
		doc(2, 1, 40, "200", "200", payments.StatusPartiallyPaid, asOf),
		doc(3, 1, 40, "100", "0", payments.StatusUnpaid, asOf),
	}

	report := BuildAging(docs, asOf)

	require.Len(t, report.Counterparties, 1)
	assert.True(t, report.Totals.Total.Equal(d("100")))
}

func TestBuildAgingGroupsAndSortsCounterparties(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	docs := []payments.OutstandingDoc{
		doc(1, 9, 5, "50", "0", payments.StatusUnpaid, asOf),
		doc(2, 2, 70, "80", "0", payments.StatusUnpaid, asOf),
		doc(3, 9, 35, "20", "0", payments.StatusUnpaid, asOf),
	}

	report := BuildAging(docs, asOf)

	require.Len(t, report.Counterparties, 2)
	assert.Equal(t, int64(2), report.Counterparties[0].CounterpartyID)
	assert.Equal(t, int64(9), report.Counterparties[1].CounterpartyID)
	assert.True(t, report.Counterparties[0].Buckets.Bucket60Plus.Equal(d("80")))
	assert.True(t, report.Counterparties[1].Buckets.Bucket0To30.Equal(d("50")))
	assert.True(t, report.Counterparties[1].Buckets.Bucket30To60.Equal(d("20")))
	assert.True(t, report.Totals.Total.Equal(d("150")))
}

func TestBuildAgingEmptySnapshot(t *testing.T) {
	report := BuildAging(nil, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC))
	assert.Empty(t, report.Counterparties)
	assert.True(t, report.Totals.Total.IsZero())
}
