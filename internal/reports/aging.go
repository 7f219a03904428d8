package reports

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/payments"
)

// AgingBuckets holds outstanding amounts per elapsed-days band.
type AgingBuckets struct {
	Bucket0To30  decimal.Decimal `json:"bucket_0_30"`
	Bucket30To60 decimal.Decimal `json:"bucket_30_60"`
	Bucket60Plus decimal.Decimal `json:"bucket_60_plus"`
	Total        decimal.Decimal `json:"total"`
}

// CounterpartyAging is one counterparty's bucketed outstanding balance.
type CounterpartyAging struct {
	CounterpartyID int64        `json:"counterparty_id"`
	Buckets        AgingBuckets `json:"buckets"`
}

// AgingReport groups outstanding documents by counterparty and bucket, with
// grand totals across all counterparties.
type AgingReport struct {
	AsOf           time.Time           `json:"as_of"`
	Counterparties []CounterpartyAging `json:"counterparties"`
	Totals         AgingBuckets        `json:"totals"`
}

func zeroBuckets() AgingBuckets {
	return AgingBuckets{
		Bucket0To30:  decimal.Zero,
		Bucket30To60: decimal.Zero,
		Bucket60Plus: decimal.Zero,
		Total:        decimal.Zero,
	}
}

func (b *AgingBuckets) add(days int, amount decimal.Decimal) {
	switch {
	case days <= 30:
		b.Bucket0To30 = b.Bucket0To30.Add(amount)
	case days <= 60:
		b.Bucket30To60 = b.Bucket30To60.Add(amount)
	default:
		b.Bucket60Plus = b.Bucket60Plus.Add(amount)
	}
	b.Total = b.Total.Add(amount)
}

// BuildAging is a pure function over the outstanding-document snapshot. Each
// document contributes its exact unpaid remainder to the bucket for
// floor(days since document date).
func BuildAging(docs []payments.OutstandingDoc, asOf time.Time) AgingReport {
	perCounterparty := map[int64]*AgingBuckets{}
	totals := zeroBuckets()

	for _, doc := range docs {
		if doc.PaymentStatus == payments.StatusPaid {
			continue
		}
		remainder := doc.Remainder()
		if remainder.LessThanOrEqual(decimal.Zero) {
			continue
		}
		days := int(asOf.Sub(doc.DocumentDate).Hours() / 24)

		buckets, ok := perCounterparty[doc.CounterpartyID]
		if !ok {
			zero := zeroBuckets()
			buckets = &zero
			perCounterparty[doc.CounterpartyID] = buckets
		}
		buckets.add(days, remainder)
		totals.add(days, remainder)
	}

	counterparties := make([]CounterpartyAging, 0, len(perCounterparty))
	for id, buckets := range perCounterparty {
		counterparties = append(counterparties, CounterpartyAging{CounterpartyID: id, Buckets: *buckets})
	}
	sort.Slice(counterparties, func(i, j int) bool {
		return counterparties[i].CounterpartyID < counterparties[j].CounterpartyID
	})

	return AgingReport{AsOf: asOf, Counterparties: counterparties, Totals: totals}
}
