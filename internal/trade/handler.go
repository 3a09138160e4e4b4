package trade

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/pricing"
	"github.com/skillswap/backend/internal/validation"
	"github.com/skillswap/backend/internal/verification"
)

// DefaultTradeTTL is the verification window when the proposal names none.
const DefaultTradeTTL = 72 * time.Hour

// Handler serves the trade negotiation endpoints.
type Handler struct {
	svc       *Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc *Service, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

type createTradeRequest struct {
	CounterpartyID     string `json:"counterparty_id"`
	Skill              string `json:"skill"`
	DurationMins       int    `json:"duration_mins"`
	CreditsProposed    int    `json:"credits_proposed"`
	InitiatorRole      string `json:"initiator_role"`
	CounterpartyRole   string `json:"counterparty_role"`
	VerificationMethod string `json:"verification_method"`
	TTLHours           int    `json:"ttl_hours"`
}

type createTradeResponse struct {
	Trade *models.Trade `json:"trade"`
	// VerificationSecret is returned exactly once; share it out of band.
	VerificationSecret string `json:"verification_secret"`
}

// Create handles POST /trades.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := h.validator.Validate("trade.create", body); err != nil {
		if errors.Is(err, validation.ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		h.log.Error("validate trade payload", "error", err)
		http.Error(w, `{"error":"payload validation failed"}`, http.StatusBadRequest)
		return
	}
	var req createTradeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	counterpartyID, err := uuid.Parse(req.CounterpartyID)
	if err != nil {
		http.Error(w, `{"error":"invalid counterparty_id"}`, http.StatusBadRequest)
		return
	}
	ttl := DefaultTradeTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	t, secret, err := h.svc.Create(r.Context(), CreateInput{
		InitiatorID:      acc.ID,
		CounterpartyID:   counterpartyID,
		Skill:            req.Skill,
		DurationMins:     req.DurationMins,
		CreditsProposed:  req.CreditsProposed,
		InitiatorRole:    req.InitiatorRole,
		CounterpartyRole: req.CounterpartyRole,
		VerifyMethod:     req.VerificationMethod,
		TTL:              ttl,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTradeResponse{Trade: t, VerificationSecret: secret})
}

// Get handles GET /trades/{id}. Participants and admins only.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), tradeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !t.IsParticipant(acc.ID) && acc.Role != models.RoleAdmin {
		http.Error(w, `{"error":"not a participant"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// List handles GET /trades — the caller's trades, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	trades, err := h.svc.ListByParticipant(r.Context(), acc.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

type confirmRequest struct {
	Proof   string `json:"proof"`
	Version int    `json:"version"`
}

// Confirm handles POST /trades/{id}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	t, err := h.svc.Confirm(r.Context(), tradeID, acc.ID, req.Proof, req.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type counterOfferRequest struct {
	Amount  int `json:"amount"`
	Version int `json:"version"`
}

// CounterOffer handles POST /trades/{id}/counter-offer.
func (h *Handler) CounterOffer(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req counterOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	t, err := h.svc.CounterOffer(r.Context(), tradeID, acc.ID, req.Amount, req.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type disputeRequest struct {
	Reason  string `json:"reason"`
	Version int    `json:"version"`
}

// Dispute handles POST /trades/{id}/dispute.
func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}
	d, err := h.svc.Dispute(r.Context(), tradeID, acc.ID, req.Reason, req.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type resolveRequest struct {
	Outcome  string `json:"outcome"`
	SplitPct *int   `json:"split_pct,omitempty"`
}

// Resolve handles POST /disputes/{id}/resolve. Admin only (enforced by
// middleware); called by the external moderation collaborator.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	t, err := h.svc.ResolveDispute(r.Context(), disputeID, req.Outcome, req.SplitPct)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Quote handles GET /trades/quote?duration_mins=&complexity=&base_rate=.
// Returns the deterministic session cost, escrow fee and hold total.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	durationMins, err := strconv.Atoi(r.URL.Query().Get("duration_mins"))
	if err != nil || durationMins <= 0 {
		http.Error(w, `{"error":"duration_mins must be a positive integer"}`, http.StatusBadRequest)
		return
	}
	baseRate := pricing.DefaultBaseRate
	if v := r.URL.Query().Get("base_rate"); v != "" {
		if baseRate, err = strconv.Atoi(v); err != nil || baseRate <= 0 {
			http.Error(w, `{"error":"base_rate must be a positive integer"}`, http.StatusBadRequest)
			return
		}
	}
	complexity := r.URL.Query().Get("complexity")
	cost := pricing.SessionCost(baseRate, durationMins, complexity)
	fee := pricing.EscrowFee(cost)
	writeJSON(w, http.StatusOK, map[string]int{
		"session_cost": cost,
		"escrow_fee":   fee,
		"hold_total":   cost + fee,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, ErrDisputeNotFound):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
	case errors.Is(err, ErrTradeExpired):
		http.Error(w, `{"error":"trade expired"}`, http.StatusGone)
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrTradeDisputed),
		errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrCounterOfferClosed),
		errors.Is(err, verification.ErrTokenAlreadyConsumed):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusConflict)
	case errors.Is(err, ErrCounterOfferOutOfBounds):
		http.Error(w, `{"error":"counter-offer out of bounds"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrWrongActor),
		errors.Is(err, verification.ErrVerificationFailed):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusForbidden)
	case errors.Is(err, ErrInvalidRoles), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, ledger.ErrAccountNotFound):
		http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
	case errors.Is(err, ledger.ErrAccountFrozen), errors.Is(err, ledger.ErrIntegrity):
		http.Error(w, `{"error":"account halted pending audit"}`, http.StatusConflict)
	default:
		h.log.Error("trade operation failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
