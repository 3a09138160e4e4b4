package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx appends a ledger row inside the given transaction. The table is
// append-only: there is no Update or Delete on this repo by design.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, account_id, tx_type, amount, balance_after, reference_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Type, t.Amount, t.BalanceAfter, t.ReferenceID, t.Metadata).Scan(&t.CreatedAt)
}

// SumByAccount returns the running sum of all transaction amounts for the
// account, inside the caller's transaction so it sees uncommitted rows.
func (r *TransactionRepo) SumByAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var sum int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, err
}

// ListByAccount returns up to limit rows newest-first. A non-nil cursor
// restarts the scan strictly before (beforeAt, beforeID).
func (r *TransactionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int, beforeAt *time.Time, beforeID *uuid.UUID) ([]*models.Transaction, error) {
	var rows pgx.Rows
	var err error
	if beforeAt != nil && beforeID != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT id, account_id, tx_type, amount, balance_after, reference_id, metadata, created_at
			FROM transactions
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, accountID, *beforeAt, *beforeID, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT id, account_id, tx_type, amount, balance_after, reference_id, metadata, created_at
			FROM transactions
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, accountID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// ListByReference returns every row tied to a trade or session id.
func (r *TransactionRepo) ListByReference(ctx context.Context, referenceID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, tx_type, amount, balance_after, reference_id, metadata, created_at
		FROM transactions WHERE reference_id = $1 ORDER BY created_at DESC, id DESC
	`, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.ReferenceID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
