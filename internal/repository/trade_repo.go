package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillswap/backend/internal/models"
)

type TradeRepo struct {
	pool *pgxpool.Pool
}

func NewTradeRepo(pool *pgxpool.Pool) *TradeRepo {
	return &TradeRepo{pool: pool}
}

const tradeColumns = `
	id, initiator_id, counterparty_id, skill, duration_mins,
	credits_proposed, credits_actual, initiator_role, counterparty_role, status,
	verify_method, secret_hash, verify_expires_at, consumed,
	counter_amount, counter_proposed_by, hold_id, version, audit, created_at, updated_at`

func (r *TradeRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error {
	return tx.QueryRow(ctx, `
		INSERT INTO trades (
			id, initiator_id, counterparty_id, skill, duration_mins,
			credits_proposed, initiator_role, counterparty_role, status,
			verify_method, secret_hash, verify_expires_at, hold_id, version, audit
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`, t.ID, t.InitiatorID, t.CounterpartyID, t.Skill, t.DurationMins,
		t.CreditsProposed, t.InitiatorRole, t.CounterpartyRole, t.Status,
		t.VerifyMethod, t.SecretHash, t.VerifyExpiresAt, t.HoldID, t.Version, t.Audit,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TradeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	return scanTrade(r.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
}

// GetForUpdate locks the trade row. Call within a transaction.
func (r *TradeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Trade, error) {
	return scanTrade(tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id))
}

// UpdateCAS writes the mutable trade fields guarded by the version the caller
// read. Returns false when another writer won the race; the row is untouched
// in that case. On success t.Version is bumped to match the stored row.
func (r *TradeRepo) UpdateCAS(ctx context.Context, tx pgx.Tx, t *models.Trade, expectedVersion int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE trades SET
			status = $2, credits_actual = $3, consumed = $4,
			counter_amount = $5, counter_proposed_by = $6,
			audit = $7, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $8
	`, t.ID, t.Status, t.CreditsActual, t.Consumed,
		t.CounterAmount, t.CounterProposedBy, t.Audit, expectedVersion)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	t.Version = expectedVersion + 1
	return true, nil
}

// ListExpired returns negotiable trades whose verification window has closed.
func (r *TradeRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Trade, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status IN ('awaiting_counterparty', 'needs_reconfirm') AND verify_expires_at <= $1
		ORDER BY verify_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Trade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *TradeRepo) ListByParticipant(ctx context.Context, accountID uuid.UUID) ([]*models.Trade, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE initiator_id = $1 OR counterparty_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Trade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var t models.Trade
	err := row.Scan(
		&t.ID, &t.InitiatorID, &t.CounterpartyID, &t.Skill, &t.DurationMins,
		&t.CreditsProposed, &t.CreditsActual, &t.InitiatorRole, &t.CounterpartyRole, &t.Status,
		&t.VerifyMethod, &t.SecretHash, &t.VerifyExpiresAt, &t.Consumed,
		&t.CounterAmount, &t.CounterProposedBy, &t.HoldID, &t.Version, &t.Audit, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTradeRows(rows pgx.Rows) (*models.Trade, error) {
	var t models.Trade
	err := rows.Scan(
		&t.ID, &t.InitiatorID, &t.CounterpartyID, &t.Skill, &t.DurationMins,
		&t.CreditsProposed, &t.CreditsActual, &t.InitiatorRole, &t.CounterpartyRole, &t.Status,
		&t.VerifyMethod, &t.SecretHash, &t.VerifyExpiresAt, &t.Consumed,
		&t.CounterAmount, &t.CounterProposedBy, &t.HoldID, &t.Version, &t.Audit, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
