package payments

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the payment allocation engine.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the payments handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/payments", h.handleCreate)
	r.Post("/payments/{paymentID}/reverse", h.handleReverse)
	r.Post("/documents/{documentID}/recompute", h.handleRecompute)
	r.Get("/payments/outstanding", h.handleOutstanding)
}

type allocationRequest struct {
	DocumentID int64           `json:"document_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"required"`
}

type createPaymentRequest struct {
	CounterpartyID  int64               `json:"counterparty_id" validate:"required"`
	Method          string              `json:"payment_method" validate:"required"`
	ReferenceNumber string              `json:"reference_number"`
	TotalAmount     decimal.Decimal     `json:"total_amount" validate:"required"`
	PaymentDate     string              `json:"payment_date"`
	Allocations     []allocationRequest `json:"allocations" validate:"required,min=1,dive"`
	ActorID         int64               `json:"actor_id"`
}

type paymentResponse struct {
	ID              int64             `json:"id"`
	Number          string            `json:"number"`
	CounterpartyID  int64             `json:"counterparty_id"`
	Method          string            `json:"payment_method"`
	ReferenceNumber string            `json:"reference_number,omitempty"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	PaymentDate     time.Time         `json:"payment_date"`
	ReversalOf      *int64            `json:"reversal_of,omitempty"`
	Statuses        map[string]string `json:"document_statuses"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := PaymentInput{
		CounterpartyID:  req.CounterpartyID,
		Method:          req.Method,
		ReferenceNumber: req.ReferenceNumber,
		TotalAmount:     req.TotalAmount,
		ActorID:         req.ActorID,
	}
	if req.PaymentDate != "" {
		d, err := time.Parse("2006-01-02", req.PaymentDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "payment_date must be YYYY-MM-DD")
			return
		}
		input.PaymentDate = d
	}
	for _, a := range req.Allocations {
		input.Allocations = append(input.Allocations, AllocationInput{DocumentID: a.DocumentID, Amount: a.Amount})
	}

	result, err := h.service.CreatePayment(r.Context(), input)
	if err != nil {
		var recompute *StatusRecomputeError
		if errors.As(err, &recompute) {
			// The payment stands; report the pending recompute.
			h.logger.Warn("payment created, status recompute pending",
				slog.Int64("payment_id", recompute.PaymentID), slog.Any("documents", recompute.DocumentIDs))
			httpx.JSON(w, http.StatusCreated, toPaymentResponse(result))
			return
		}
		h.logger.Error("create payment failed", slog.Any("error", err),
			slog.Int64("counterparty_id", req.CounterpartyID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(result))
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(chi.URLParam(r, "paymentID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid payment id")
		return
	}
	var req struct {
		ActorID int64 `json:"actor_id"`
	}
	_ = httpx.DecodeJSON(r, &req)

	result, err := h.service.ReversePayment(r.Context(), paymentID, req.ActorID)
	if err != nil {
		var recompute *StatusRecomputeError
		if errors.As(err, &recompute) {
			httpx.JSON(w, http.StatusCreated, toPaymentResponse(result))
			return
		}
		h.logger.Error("reverse payment failed", slog.Any("error", err), slog.Int64("payment_id", paymentID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentResponse(result))
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	documentID, err := strconv.ParseInt(chi.URLParam(r, "documentID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid document id")
		return
	}
	status, err := h.service.RecomputeDocumentStatus(r.Context(), documentID)
	if err != nil {
		h.logger.Error("recompute failed", slog.Any("error", err), slog.Int64("document_id", documentID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"payment_status": string(status)})
}

func (h *Handler) handleOutstanding(w http.ResponseWriter, r *http.Request) {
	kind := DocumentKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = KindSalesInvoice
	}
	var counterpartyID int64
	if raw := r.URL.Query().Get("counterparty_id"); raw != "" {
		counterpartyID, _ = strconv.ParseInt(raw, 10, 64)
	}
	docs, err := h.service.Outstanding(r.Context(), kind, counterpartyID)
	if err != nil {
		h.logger.Error("outstanding query failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, docs)
}

func toPaymentResponse(result PaymentResult) paymentResponse {
	statuses := make(map[string]string, len(result.Statuses))
	for id, status := range result.Statuses {
		statuses[strconv.FormatInt(id, 10)] = string(status)
	}
	return paymentResponse{
		ID:              result.Payment.ID,
		Number:          result.Payment.Number,
		CounterpartyID:  result.Payment.CounterpartyID,
		Method:          result.Payment.Method,
		ReferenceNumber: result.Payment.ReferenceNumber,
		TotalAmount:     result.Payment.TotalAmount,
		PaymentDate:     result.Payment.PaymentDate,
		ReversalOf:      result.Payment.ReversalOf,
		Statuses:        statuses,
	}
}
