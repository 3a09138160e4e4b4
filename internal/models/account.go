package models

import (
	"time"

	"github.com/google/uuid"
)

// System accounts seeded by migrations.
var (
	SystemReserveAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	AdminAccountID         = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// Account roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Account is a member wallet. Balance is the full credit balance;
// HeldAmount is the portion reserved by pending escrow holds, so the
// spendable balance is Balance - HeldAmount.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Balance      int       `json:"balance"`
	HeldAmount   int       `json:"held_amount"`
	Frozen       bool      `json:"frozen"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Spendable returns the balance not reserved by holds.
func (a *Account) Spendable() int {
	return a.Balance - a.HeldAmount
}
