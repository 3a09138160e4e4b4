package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type HoldRepo struct {
	pool *pgxpool.Pool
}

func NewHoldRepo(pool *pgxpool.Pool) *HoldRepo {
	return &HoldRepo{pool: pool}
}

func (r *HoldRepo) CreateTx(ctx context.Context, tx pgx.Tx, h *models.EscrowHold) error {
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_holds (id, account_id, amount, reason, status, release_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, h.ID, h.AccountID, h.Amount, h.Reason, h.Status, h.ReleaseAt).Scan(&h.CreatedAt)
}

func (r *HoldRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowHold, error) {
	return scanHold(r.pool.QueryRow(ctx, `
		SELECT id, account_id, amount, reason, status, release_at, settled_transaction_id, created_at
		FROM escrow_holds WHERE id = $1
	`, id))
}

// GetForUpdate locks the hold row. Call within a transaction.
func (r *HoldRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowHold, error) {
	return scanHold(tx.QueryRow(ctx, `
		SELECT id, account_id, amount, reason, status, release_at, settled_transaction_id, created_at
		FROM escrow_holds WHERE id = $1 FOR UPDATE
	`, id))
}

// MarkTerminal moves a pending hold to its terminal status. The status
// predicate makes the transition single-shot: a second caller sees zero
// rows affected.
func (r *HoldRepo) MarkTerminal(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, settledTxID *uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_holds SET status = $2, settled_transaction_id = $3
		WHERE id = $1 AND status = 'pending'
	`, id, status, settledTxID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearReleaseAt removes the deadline of a pending hold so the expiry sweep
// never picks it up.
func (r *HoldRepo) ClearReleaseAt(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_holds SET release_at = NULL
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SumPending returns the sum of pending hold amounts for the account,
// inside the caller's transaction.
func (r *HoldRepo) SumPending(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var sum int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_holds
		WHERE account_id = $1 AND status = 'pending'
	`, accountID).Scan(&sum)
	return sum, err
}

// ListExpired returns pending holds whose deadline has passed. Holds with a
// suspended (NULL) deadline are never returned.
func (r *HoldRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.EscrowHold, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, amount, reason, status, release_at, settled_transaction_id, created_at
		FROM escrow_holds
		WHERE status = 'pending' AND release_at IS NOT NULL AND release_at <= $1
		ORDER BY release_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EscrowHold
	for rows.Next() {
		h, err := scanHoldRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

func scanHold(row pgx.Row) (*models.EscrowHold, error) {
	var h models.EscrowHold
	err := row.Scan(&h.ID, &h.AccountID, &h.Amount, &h.Reason, &h.Status, &h.ReleaseAt, &h.SettledTransactionID, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func scanHoldRows(rows pgx.Rows) (*models.EscrowHold, error) {
	var h models.EscrowHold
	err := rows.Scan(&h.ID, &h.AccountID, &h.Amount, &h.Reason, &h.Status, &h.ReleaseAt, &h.SettledTransactionID, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}
