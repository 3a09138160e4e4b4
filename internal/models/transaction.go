package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction types.
const (
	TxTypeEarn     = "earn"
	TxTypeSpend    = "spend"
	TxTypeAdjust   = "adjust"
	TxTypeEscrow   = "escrow"
	TxTypeRefund   = "refund"
	TxTypeDonation = "donation"
)

// ValidTxType reports whether t is one of the closed transaction types.
func ValidTxType(t string) bool {
	switch t {
	case TxTypeEarn, TxTypeSpend, TxTypeAdjust, TxTypeEscrow, TxTypeRefund, TxTypeDonation:
		return true
	}
	return false
}

// Transaction is an immutable ledger row. Amount is signed: positive rows
// increase the account balance, negative rows decrease it. Rows are never
// updated or deleted; corrections are new adjust rows.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	Type         string          `json:"type"`
	Amount       int             `json:"amount"`
	BalanceAfter int             `json:"balance_after"`
	ReferenceID  *uuid.UUID      `json:"reference_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
