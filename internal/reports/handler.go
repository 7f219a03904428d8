package reports

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/payments"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes the reporting endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the reports handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report routes behind a per-IP rate limit, since each
// cache miss rebuilds a full snapshot.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(10, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/reports/aging", h.handleAging)
		gr.Get("/reports/stock", h.handleStock)
		gr.Get("/reports/overview", h.handleOverview)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func (h *Handler) handleAging(w http.ResponseWriter, r *http.Request) {
	var kind payments.DocumentKind
	switch raw := r.URL.Query().Get("side"); raw {
	case "", "receivable":
		kind = payments.KindSalesInvoice
	case "payable":
		kind = payments.KindGoodsReceivedNote
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "side must be receivable or payable")
		return
	}

	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}

	report, err := h.service.Aging(r.Context(), kind, asOf)
	if err != nil {
		h.logger.Error("aging report failed", slog.Any("error", err), slog.String("kind", string(kind)))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	filter := ledger.SnapshotFilter{}
	if raw := r.URL.Query().Get("store_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid store_id")
			return
		}
		filter.StoreID = id
	}
	if raw := r.URL.Query().Get("item_id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid item_id")
			return
		}
		filter.ItemID = id
	}

	report, err := h.service.StockSnapshot(r.Context(), filter)
	if err != nil {
		h.logger.Error("stock report failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.Overview(r.Context(), time.Time{})
	if err != nil {
		h.logger.Error("overview failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overview)
}
