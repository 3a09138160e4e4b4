package escrow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/middleware"
)

// Handler serves the escrow endpoints.
type Handler struct {
	mgr *Manager
	log *slog.Logger
}

func NewHandler(mgr *Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{mgr: mgr, log: log}
}

type createHoldRequest struct {
	Amount   int    `json:"amount"`
	Reason   string `json:"reason"`
	TTLHours int    `json:"ttl_hours"`
}

// CreateHold handles POST /escrow/holds. Holds are always placed on the
// caller's own account.
func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.TTLHours <= 0 {
		http.Error(w, `{"error":"ttl_hours must be > 0"}`, http.StatusBadRequest)
		return
	}
	hold, err := h.mgr.CreateHold(r.Context(), acc.ID, req.Amount, req.Reason, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, ledger.ErrAccountNotFound):
		http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
	case errors.Is(err, ledger.ErrAccountFrozen), errors.Is(err, ledger.ErrIntegrity):
		http.Error(w, `{"error":"account halted pending audit"}`, http.StatusConflict)
	case errors.Is(err, ErrHoldNotFound):
		http.Error(w, `{"error":"hold not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrHoldNotPending):
		http.Error(w, `{"error":"hold already settled"}`, http.StatusConflict)
	default:
		h.log.Error("escrow operation failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
