package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/ledger/movements", h.handleMove)
	r.Post("/ledger/movements/{txID}/reverse", h.handleReverse)
	r.Get("/ledger/positions", h.handlePositions)
	r.Get("/ledger/items/{itemID}/stores/{storeID}/history", h.handleHistory)
}

type movementRequest struct {
	ItemID         int64  `json:"item_id" validate:"required"`
	StoreID        int64  `json:"store_id" validate:"required"`
	Quantity       int64  `json:"quantity" validate:"required"`
	Type           string `json:"transaction_type" validate:"required"`
	BatchNo        string `json:"batch_no"`
	RefType        string `json:"reference_type" validate:"required"`
	RefID          string `json:"reference_id" validate:"required,uuid"`
	ActorID        int64  `json:"actor_id"`
	AllowBackorder bool   `json:"allow_backorder"`
}

type transactionResponse struct {
	ID         int64  `json:"id"`
	ItemID     int64  `json:"item_id"`
	StoreID    int64  `json:"store_id"`
	Type       string `json:"transaction_type"`
	Quantity   int64  `json:"quantity"`
	BatchNo    string `json:"batch_no,omitempty"`
	RefType    string `json:"reference_type"`
	RefID      string `json:"reference_id"`
	ReversalOf *int64 `json:"reversal_of,omitempty"`
	ReversedBy *int64 `json:"reversed_by,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type movementResponse struct {
	Transaction    transactionResponse `json:"transaction"`
	QuantityOnHand int64               `json:"quantity_on_hand"`
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	movement, err := h.service.Move(r.Context(), MovementInput{
		ItemID:         req.ItemID,
		StoreID:        req.StoreID,
		Quantity:       req.Quantity,
		Type:           TransactionType(req.Type),
		BatchNo:        req.BatchNo,
		RefType:        req.RefType,
		RefID:          req.RefID,
		ActorID:        req.ActorID,
		AllowBackorder: req.AllowBackorder,
	})
	if err != nil {
		h.logger.Error("post movement failed", slog.Any("error", err),
			slog.Int64("item_id", req.ItemID), slog.Int64("store_id", req.StoreID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponse(movement))
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	txID, err := strconv.ParseInt(chi.URLParam(r, "txID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid transaction id")
		return
	}
	var req struct {
		ActorID int64 `json:"actor_id"`
	}
	_ = httpx.DecodeJSON(r, &req)

	movement, err := h.service.Reverse(r.Context(), txID, req.ActorID)
	if err != nil {
		h.logger.Error("reverse movement failed", slog.Any("error", err), slog.Int64("tx_id", txID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponse(movement))
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	filter := SnapshotFilter{
		StoreID: queryInt64(r, "store_id"),
		ItemID:  queryInt64(r, "item_id"),
		Limit:   int(queryInt64(r, "limit")),
	}
	details, err := h.service.Snapshot(r.Context(), filter)
	if err != nil {
		h.logger.Error("snapshot failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, details)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	itemID, err1 := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	storeID, err2 := strconv.ParseInt(chi.URLParam(r, "storeID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid item or store id")
		return
	}
	txs, err := h.service.History(r.Context(), itemID, storeID, int(queryInt64(r, "limit")))
	if err != nil {
		h.logger.Error("history failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, toTransactionResponse(tx))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func toMovementResponse(m Movement) movementResponse {
	return movementResponse{
		Transaction:    toTransactionResponse(m.Transaction),
		QuantityOnHand: m.Position.QuantityOnHand,
	}
}

func toTransactionResponse(tx Transaction) transactionResponse {
	return transactionResponse{
		ID:         tx.ID,
		ItemID:     tx.ItemID,
		StoreID:    tx.StoreID,
		Type:       string(tx.Type),
		Quantity:   tx.Quantity,
		BatchNo:    tx.BatchNo,
		RefType:    tx.RefType,
		RefID:      tx.RefID,
		ReversalOf: tx.ReversalOf,
		ReversedBy: tx.ReversedBy,
		CreatedAt:  tx.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func queryInt64(r *http.Request, name string) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
