package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses and resolution outcomes.
const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"

	DisputeOutcomeRefundInitiator = "refund_initiator"
	DisputeOutcomePayCounterparty = "pay_counterparty"
	DisputeOutcomeSplit           = "split"
)

// Dispute freezes a trade's escrow pending manual resolution by moderation.
type Dispute struct {
	ID         uuid.UUID  `json:"id"`
	TradeID    uuid.UUID  `json:"trade_id"`
	RaisedBy   uuid.UUID  `json:"raised_by"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	Outcome    *string    `json:"outcome,omitempty"`
	SplitPct   *int       `json:"split_pct,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
