package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, role, balance, held_amount, frozen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash, a.Role, a.Balance, a.HeldAmount, a.Frozen).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, role, balance, held_amount, frozen, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, role, balance, held_amount, frozen, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email))
}

// GetForUpdate locks the account row. Call within a transaction.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, role, balance, held_amount, frozen, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, id))
}

// AddBalance applies a signed delta to balance and returns the new value.
// Call after GetForUpdate in the same tx.
func (r *AccountRepo) AddBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, delta, id).Scan(&newBalance)
	return newBalance, err
}

// AddHeld applies a signed delta to held_amount and returns the new value.
func (r *AccountRepo) AddHeld(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (newHeld int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET held_amount = held_amount + $1, updated_at = now()
		WHERE id = $2
		RETURNING held_amount
	`, delta, id).Scan(&newHeld)
	return newHeld, err
}

// SetFrozen flags the account for manual audit. Ledger and escrow mutations
// refuse frozen accounts.
func (r *AccountRepo) SetFrozen(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET frozen = $2, updated_at = now() WHERE id = $1
	`, id, frozen)
	return err
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Role, &a.Balance, &a.HeldAmount, &a.Frozen, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
