package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

func (r *DisputeRepo) CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	return tx.QueryRow(ctx, `
		INSERT INTO disputes (id, trade_id, raised_by, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, d.ID, d.TradeID, d.RaisedBy, d.Reason, d.Status).Scan(&d.CreatedAt)
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(r.pool.QueryRow(ctx, `
		SELECT id, trade_id, raised_by, reason, status, outcome, split_pct, created_at, resolved_at
		FROM disputes WHERE id = $1
	`, id))
}

// GetForUpdate locks the dispute row. Call within a transaction.
func (r *DisputeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return scanDispute(tx.QueryRow(ctx, `
		SELECT id, trade_id, raised_by, reason, status, outcome, split_pct, created_at, resolved_at
		FROM disputes WHERE id = $1 FOR UPDATE
	`, id))
}

// MarkResolved closes an open dispute. The status predicate makes resolution
// single-shot.
func (r *DisputeRepo) MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome string, splitPct *int, resolvedAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes SET status = 'resolved', outcome = $2, split_pct = $3, resolved_at = $4
		WHERE id = $1 AND status = 'open'
	`, id, outcome, splitPct, resolvedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.TradeID, &d.RaisedBy, &d.Reason, &d.Status, &d.Outcome, &d.SplitPct, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
