package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow hold statuses. A hold leaves pending exactly once.
const (
	HoldStatusPending   = "pending"
	HoldStatusReleased  = "released"
	HoldStatusForfeited = "forfeited"
	HoldStatusExpired   = "expired"
)

// EscrowHold earmarks credits against an account without moving them.
// A nil ReleaseAt means the hold has no deadline and the expiry sweep
// skips it (a dispute suspends the deadline until moderation decides).
// SettledTransactionID is set only when the hold terminates through a
// ledger transfer (settlement or forfeit).
type EscrowHold struct {
	ID                   uuid.UUID  `json:"id"`
	AccountID            uuid.UUID  `json:"account_id"`
	Amount               int        `json:"amount"`
	Reason               string     `json:"reason"`
	Status               string     `json:"status"`
	ReleaseAt            *time.Time `json:"release_at,omitempty"`
	SettledTransactionID *uuid.UUID `json:"settled_transaction_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}
