package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/payments"
	"github.com/meridian-erp/meridian-erp/internal/valuation"
)

// LedgerPort exposes the snapshot read the reports need.
type LedgerPort interface {
	Snapshot(ctx context.Context, filter ledger.SnapshotFilter) ([]ledger.PositionDetail, error)
}

// PaymentsPort exposes outstanding-document reads.
type PaymentsPort interface {
	Outstanding(ctx context.Context, kind payments.DocumentKind, counterpartyID int64) ([]payments.OutstandingDoc, error)
}

// Service assembles reporting views over the current ledger and payment
// snapshots. Reads only; no engine state is touched.
type Service struct {
	ledger   LedgerPort
	payments PaymentsPort
	cache    *Cache
	now      func() time.Time
}

// NewService builds Service. cache may be nil.
func NewService(ledgerPort LedgerPort, paymentsPort PaymentsPort, cache *Cache) *Service {
	return &Service{ledger: ledgerPort, payments: paymentsPort, cache: cache, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// StockRow is one position with its classification and valuation.
type StockRow struct {
	ItemID            int64              `json:"item_id"`
	StoreID           int64              `json:"store_id"`
	ItemName          string             `json:"item_name"`
	SKU               string             `json:"sku"`
	QuantityOnHand    int64              `json:"quantity_on_hand"`
	ReservedQuantity  int64              `json:"reserved_quantity"`
	AvailableQuantity int64              `json:"available_quantity"`
	Status            valuation.Status   `json:"status"`
	CostValuation     decimal.Decimal    `json:"cost_valuation"`
	RetailValuation   decimal.Decimal    `json:"retail_valuation"`
	ProfitMarginTotal decimal.Decimal    `json:"profit_margin_total"`
}

// StockReport is the stock snapshot with per-status counts and totals.
type StockReport struct {
	Rows                 []StockRow               `json:"rows"`
	StatusCounts         map[valuation.Status]int `json:"status_counts"`
	TotalCostValuation   decimal.Decimal          `json:"total_cost_valuation"`
	TotalRetailValuation decimal.Decimal          `json:"total_retail_valuation"`
}

// Overview bundles the dashboard numbers fetched in parallel.
type Overview struct {
	Stock           StockReport `json:"stock"`
	ReceivableAging AgingReport `json:"receivable_aging"`
	PayableAging    AgingReport `json:"payable_aging"`
}

// Aging builds the bucketed outstanding report for one document side as of
// the given date, cached per (kind, as-of) until the version is bumped.
func (s *Service) Aging(ctx context.Context, kind payments.DocumentKind, asOf time.Time) (AgingReport, error) {
	if asOf.IsZero() {
		asOf = s.now().UTC().Truncate(24 * time.Hour)
	}

	loader := func(ctx context.Context) (interface{}, error) {
		docs, err := s.payments.Outstanding(ctx, kind, 0)
		if err != nil {
			return nil, err
		}
		return BuildAging(docs, asOf), nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return AgingReport{}, err
		}
		return value.(AgingReport), nil
	}

	key, err := s.cache.BuildKey(ctx, "reports", "aging", string(kind), asOf.Format("2006-01-02"))
	if err != nil {
		return AgingReport{}, err
	}
	var report AgingReport
	if err := s.cache.FetchJSON(ctx, key, &report, loader); err != nil {
		return AgingReport{}, err
	}
	return report, nil
}

// StockSnapshot classifies and values every position in the filter scope.
func (s *Service) StockSnapshot(ctx context.Context, filter ledger.SnapshotFilter) (StockReport, error) {
	details, err := s.ledger.Snapshot(ctx, filter)
	if err != nil {
		return StockReport{}, err
	}

	report := StockReport{
		Rows:                 make([]StockRow, 0, len(details)),
		StatusCounts:         map[valuation.Status]int{},
		TotalCostValuation:   decimal.Zero,
		TotalRetailValuation: decimal.Zero,
	}
	for _, d := range details {
		v := valuation.Value(d)
		report.Rows = append(report.Rows, StockRow{
			ItemID:            d.ItemID,
			StoreID:           d.StoreID,
			ItemName:          d.ItemName,
			SKU:               d.SKU,
			QuantityOnHand:    v.QuantityOnHand,
			ReservedQuantity:  d.ReservedQuantity,
			AvailableQuantity: v.AvailableQuantity,
			Status:            v.Status,
			CostValuation:     v.CostValuation,
			RetailValuation:   v.RetailValuation,
			ProfitMarginTotal: v.ProfitMarginTotal,
		})
		report.StatusCounts[v.Status]++
		report.TotalCostValuation = report.TotalCostValuation.Add(v.CostValuation)
		report.TotalRetailValuation = report.TotalRetailValuation.Add(v.RetailValuation)
	}
	return report, nil
}

// Overview fetches the stock snapshot and both aging sides concurrently.
func (s *Service) Overview(ctx context.Context, asOf time.Time) (Overview, error) {
	var overview Overview
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stock, err := s.StockSnapshot(gctx, ledger.SnapshotFilter{})
		if err != nil {
			return fmt.Errorf("stock snapshot: %w", err)
		}
		overview.Stock = stock
		return nil
	})
	g.Go(func() error {
		aging, err := s.Aging(gctx, payments.KindSalesInvoice, asOf)
		if err != nil {
			return fmt.Errorf("receivable aging: %w", err)
		}
		overview.ReceivableAging = aging
		return nil
	})
	g.Go(func() error {
		aging, err := s.Aging(gctx, payments.KindGoodsReceivedNote, asOf)
		if err != nil {
			return fmt.Errorf("payable aging: %w", err)
		}
		overview.PayableAging = aging
		return nil
	})

	if err := g.Wait(); err != nil {
		return Overview{}, err
	}
	return overview, nil
}

// Invalidate bumps the cache version so the next read rebuilds.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}
