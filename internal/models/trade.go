package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Trade statuses. Confirmed, disputed and expired are terminal.
const (
	TradeStatusAwaitingCounterparty = "awaiting_counterparty"
	TradeStatusNeedsReconfirm       = "needs_reconfirm"
	TradeStatusConfirmed            = "confirmed"
	TradeStatusDisputed             = "disputed"
	TradeStatusExpired              = "expired"
)

// Participant roles within a trade.
const (
	TradeRoleTaught  = "taught"
	TradeRoleLearned = "learned"
	TradeRoleBoth    = "both"
)

// Verification methods.
const (
	VerifyMethodPIN = "pin"
	VerifyMethodQR  = "qr"
)

// TerminalTradeStatus reports whether s permits no further transitions.
func TerminalTradeStatus(s string) bool {
	return s == TradeStatusConfirmed || s == TradeStatusDisputed || s == TradeStatusExpired
}

// AuditEntry is one row of a trade's audit history.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  uuid.UUID `json:"actor"`
	Action string    `json:"action"`
	From   string    `json:"from"`
	To     string    `json:"to"`
}

// Trade is a proposed offline exchange of skill/time for credits. Every
// transition bumps Version; writers must supply the version they read.
type Trade struct {
	ID               uuid.UUID  `json:"id"`
	InitiatorID      uuid.UUID  `json:"initiator_id"`
	CounterpartyID   uuid.UUID  `json:"counterparty_id"`
	Skill            string     `json:"skill"`
	DurationMins     int        `json:"duration_mins"`
	CreditsProposed  int        `json:"credits_proposed"`
	CreditsActual    *int       `json:"credits_actual,omitempty"`
	InitiatorRole    string     `json:"initiator_role"`
	CounterpartyRole string     `json:"counterparty_role"`
	Status           string     `json:"status"`

	VerifyMethod    string    `json:"verify_method"`
	SecretHash      string    `json:"-"`
	VerifyExpiresAt time.Time `json:"verify_expires_at"`
	Consumed        bool      `json:"-"`

	CounterAmount     *int       `json:"counter_amount,omitempty"`
	CounterProposedBy *uuid.UUID `json:"counter_proposed_by,omitempty"`

	HoldID  uuid.UUID `json:"hold_id"`
	Version int       `json:"version"`

	Audit     json.RawMessage `json:"audit,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PayerID returns the account funding the trade: the learner pays, and a
// mutual (both/both) exchange is funded by the initiator.
func (t *Trade) PayerID() uuid.UUID {
	if t.CounterpartyRole == TradeRoleLearned && t.InitiatorRole != TradeRoleLearned {
		return t.CounterpartyID
	}
	return t.InitiatorID
}

// PayeeID returns the account paid at settlement.
func (t *Trade) PayeeID() uuid.UUID {
	if t.PayerID() == t.InitiatorID {
		return t.CounterpartyID
	}
	return t.InitiatorID
}

// CurrentOffer is the amount settlement will use: the counter-offer when one
// is on the table, otherwise the proposed amount.
func (t *Trade) CurrentOffer() int {
	if t.CounterAmount != nil {
		return *t.CounterAmount
	}
	return t.CreditsProposed
}

// OfferProposer is the party that proposed the current offer; confirmation
// must come from the other side.
func (t *Trade) OfferProposer() uuid.UUID {
	if t.CounterProposedBy != nil {
		return *t.CounterProposedBy
	}
	return t.InitiatorID
}

// IsParticipant reports whether id is one of the two trade parties.
func (t *Trade) IsParticipant(id uuid.UUID) bool {
	return id == t.InitiatorID || id == t.CounterpartyID
}
