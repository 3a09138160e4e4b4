package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
)

// Handler serves the ledger endpoints.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type transferRequest struct {
	From   string     `json:"from"`
	To     string     `json:"to"`
	Amount int        `json:"amount"`
	Type   string     `json:"type"`
	Ref    *uuid.UUID `json:"ref,omitempty"`
}

type transferResponse struct {
	TxFrom *models.Transaction `json:"tx_from"`
	TxTo   *models.Transaction `json:"tx_to"`
}

// Transfer handles POST /ledger/transfer. Members may only move their own
// credits; admins may move anyone's (adjustments, donations on behalf).
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	fromID, err := uuid.Parse(req.From)
	if err != nil {
		http.Error(w, `{"error":"invalid from account id"}`, http.StatusBadRequest)
		return
	}
	toID, err := uuid.Parse(req.To)
	if err != nil {
		http.Error(w, `{"error":"invalid to account id"}`, http.StatusBadRequest)
		return
	}
	if fromID != acc.ID && acc.Role != models.RoleAdmin {
		http.Error(w, `{"error":"cannot transfer from another account"}`, http.StatusForbidden)
		return
	}
	txFrom, txTo, err := h.svc.Transfer(r.Context(), fromID, toID, req.Amount, req.Type, req.Ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transferResponse{TxFrom: txFrom, TxTo: txTo})
}

type grantRequest struct {
	To     string `json:"to"`
	Amount int    `json:"amount"`
}

// Grant handles POST /ledger/grant. Admin only: promotional or signup
// credits always come out of the platform reserve account, so the total
// member supply stays backed by the reserve's seed balance.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	toID, err := uuid.Parse(req.To)
	if err != nil {
		http.Error(w, `{"error":"invalid to account id"}`, http.StatusBadRequest)
		return
	}
	_, txTo, err := h.svc.Transfer(r.Context(), models.SystemReserveAccountID, toID, req.Amount, models.TxTypeEarn, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txTo)
}

// Reference handles GET /ledger/references/{id}. Admin only: the audit view
// of a settlement, both legs of every transfer recorded against the trade.
func (h *Handler) Reference(w http.ResponseWriter, r *http.Request) {
	refID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid reference id"}`, http.StatusBadRequest)
		return
	}
	list, err := h.svc.TransactionsByReference(r.Context(), refID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Transactions: list})
}

// Me handles GET /account/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type historyResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
	NextCursor   string                `json:"next_cursor,omitempty"`
}

// History handles GET /account/history?limit=&cursor=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, next, err := h.svc.History(r.Context(), acc.ID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Transactions: list, NextCursor: next})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType), errors.Is(err, ErrSameAccount):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	case errors.Is(err, ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, ErrAccountNotFound):
		http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrAccountFrozen):
		http.Error(w, `{"error":"account frozen pending audit"}`, http.StatusConflict)
	case errors.Is(err, ErrIntegrity):
		h.log.Error("ledger integrity violation", "error", err)
		http.Error(w, `{"error":"account halted pending audit"}`, http.StatusConflict)
	default:
		h.log.Error("ledger operation failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
