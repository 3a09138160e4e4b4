package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/models"
)

var (
	// ErrHoldNotFound is returned for unknown hold ids.
	ErrHoldNotFound = errors.New("escrow hold not found")
	// ErrHoldNotPending is returned when a terminal transition is attempted
	// on a hold that already left pending.
	ErrHoldNotPending = errors.New("escrow hold is not pending")
)

// AccountStore is the minimal account repository interface for escrow.
type AccountStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	AddHeld(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (newHeld int, err error)
	SetFrozen(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error
}

// HoldStore is the escrow hold repository interface.
type HoldStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, h *models.EscrowHold) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowHold, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowHold, error)
	MarkTerminal(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, settledTxID *uuid.UUID) (bool, error)
	ClearReleaseAt(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	SumPending(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.EscrowHold, error)
}

// Ledger is the slice of the ledger service escrow settles through.
type Ledger interface {
	TransferTx(ctx context.Context, tx pgx.Tx, fromID, toID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, *models.Transaction, error)
}

// Manager owns the escrow hold lifecycle. Creating and expiring holds moves
// held_amount only and writes no transaction rows; settlement pairs the hold
// release with the ledger transfer in one database transaction, so held and
// balance never diverge.
type Manager struct {
	pool     ledger.TxBeginner
	accounts AccountStore
	holds    HoldStore
	ledger   Ledger
	logger   *slog.Logger
}

func NewManager(pool ledger.TxBeginner, accounts AccountStore, holds HoldStore, lg Ledger, logger *slog.Logger) *Manager {
	return &Manager{pool: pool, accounts: accounts, holds: holds, ledger: lg, logger: logger}
}

// CreateHold earmarks amount against the account for ttl. Fails with
// ErrInsufficientFunds when the hold would push held_amount above balance.
func (m *Manager) CreateHold(ctx context.Context, accountID uuid.UUID, amount int, reason string, ttl time.Duration) (*models.EscrowHold, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	hold, err := m.CreateHoldTx(ctx, tx, accountID, amount, reason, ttl)
	if err != nil {
		_ = tx.Rollback(ctx)
		m.PersistFreeze(ctx, err)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return hold, nil
}

// CreateHoldTx is CreateHold inside the caller's transaction.
func (m *Manager) CreateHoldTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reason string, ttl time.Duration) (*models.EscrowHold, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	acc, err := m.lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Spendable() < amount {
		return nil, ledger.ErrInsufficientFunds
	}
	if _, err := m.accounts.AddHeld(ctx, tx, accountID, amount); err != nil {
		return nil, err
	}
	releaseAt := time.Now().Add(ttl)
	hold := &models.EscrowHold{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Status:    models.HoldStatusPending,
		ReleaseAt: &releaseAt,
	}
	if err := m.holds.CreateTx(ctx, tx, hold); err != nil {
		return nil, err
	}
	if err := m.verifyHeldTx(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return hold, nil
}

// ReleaseHold returns the held credits to their owner with no transfer.
func (m *Manager) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := m.ReleaseHoldTx(ctx, tx, holdID, models.HoldStatusReleased); err != nil {
		_ = tx.Rollback(ctx)
		m.PersistFreeze(ctx, err)
		return err
	}
	return tx.Commit(ctx)
}

// SuspendHoldTx clears the deadline of a pending hold so the expiry sweep
// skips it. Used when a dispute freezes the trade: the hold must survive
// until moderation decides, however long that takes.
func (m *Manager) SuspendHoldTx(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) error {
	if _, err := m.lockPendingHold(ctx, tx, holdID); err != nil {
		return err
	}
	ok, err := m.holds.ClearReleaseAt(ctx, tx, holdID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHoldNotPending
	}
	return nil
}

// ReleaseHoldTx terminates a pending hold without a transfer, using status
// released or expired.
func (m *Manager) ReleaseHoldTx(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, status string) error {
	hold, err := m.lockPendingHold(ctx, tx, holdID)
	if err != nil {
		return err
	}
	if _, err := m.lockAccount(ctx, tx, hold.AccountID); err != nil {
		return err
	}
	if _, err := m.accounts.AddHeld(ctx, tx, hold.AccountID, -hold.Amount); err != nil {
		return err
	}
	ok, err := m.holds.MarkTerminal(ctx, tx, holdID, status, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHoldNotPending
	}
	return m.verifyHeldTx(ctx, tx, hold.AccountID)
}

// ForfeitHold terminates the hold and transfers the full held amount to the
// beneficiary in one transaction.
func (m *Manager) ForfeitHold(ctx context.Context, holdID, beneficiaryID uuid.UUID) (*models.Transaction, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	entry, err := m.forfeitTx(ctx, tx, holdID, beneficiaryID)
	if err != nil {
		_ = tx.Rollback(ctx)
		m.PersistFreeze(ctx, err)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *Manager) forfeitTx(ctx context.Context, tx pgx.Tx, holdID, beneficiaryID uuid.UUID) (*models.Transaction, error) {
	hold, err := m.lockPendingHold(ctx, tx, holdID)
	if err != nil {
		return nil, err
	}
	return m.SettleTx(ctx, tx, holdID, beneficiaryID, hold.Amount, models.HoldStatusForfeited, models.TxTypeEscrow, nil)
}

// SettleTx releases the hold and performs the paired ledger transfer of
// amount from the holder to the beneficiary, all inside the caller's
// transaction. The returned transaction is the holder's debit leg, recorded
// on the hold as settled_transaction_id. amount may differ from the held
// amount (counter-offers, splits); the remainder simply returns to the
// holder's spendable balance.
func (m *Manager) SettleTx(ctx context.Context, tx pgx.Tx, holdID, beneficiaryID uuid.UUID, amount int, status, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	hold, err := m.lockPendingHold(ctx, tx, holdID)
	if err != nil {
		return nil, err
	}
	// Both account rows are locked here in the same deterministic UUID order
	// TransferTx uses, so a concurrent transfer in the opposite direction
	// cannot deadlock against the settlement.
	ids := []uuid.UUID{hold.AccountID, beneficiaryID}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if _, err := m.lockAccount(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if _, err := m.accounts.AddHeld(ctx, tx, hold.AccountID, -hold.Amount); err != nil {
		return nil, err
	}
	debit, _, err := m.ledger.TransferTx(ctx, tx, hold.AccountID, beneficiaryID, amount, txType, ref)
	if err != nil {
		return nil, err
	}
	ok, err := m.holds.MarkTerminal(ctx, tx, holdID, status, &debit.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHoldNotPending
	}
	if err := m.verifyHeldTx(ctx, tx, hold.AccountID); err != nil {
		return nil, err
	}
	return debit, nil
}

// GetHold returns the hold by id.
func (m *Manager) GetHold(ctx context.Context, holdID uuid.UUID) (*models.EscrowHold, error) {
	hold, err := m.holds.GetByID(ctx, holdID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return hold, nil
}

// ExpireHolds sweeps pending holds past their deadline, releasing each back
// to its owner with zero transaction rows. Returns the number expired.
// Errors on individual holds are logged and skipped so one bad row cannot
// stall the sweep.
func (m *Manager) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	holds, err := m.holds.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, h := range holds {
		if err := m.expireOne(ctx, h.ID, now); err != nil {
			m.logger.Error("expire hold", "hold_id", h.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expireOne(ctx context.Context, holdID uuid.UUID, now time.Time) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	hold, err := m.holds.GetForUpdate(ctx, tx, holdID)
	if err != nil {
		return err
	}
	// Re-check under the lock: a concurrent settlement may have won, or a
	// dispute may have suspended the deadline.
	if hold.Status != models.HoldStatusPending || hold.ReleaseAt == nil || hold.ReleaseAt.After(now) {
		return nil
	}
	if err := m.ReleaseHoldTx(ctx, tx, holdID, models.HoldStatusExpired); err != nil {
		_ = tx.Rollback(ctx)
		m.PersistFreeze(ctx, err)
		return err
	}
	return tx.Commit(ctx)
}

func (m *Manager) lockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	acc, err := m.accounts.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	if acc.Frozen {
		return nil, ledger.ErrAccountFrozen
	}
	return acc, nil
}

func (m *Manager) lockPendingHold(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EscrowHold, error) {
	hold, err := m.holds.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	if hold.Status != models.HoldStatusPending {
		return nil, ErrHoldNotPending
	}
	return hold, nil
}

// verifyHeldTx re-derives held_amount from pending holds. A mismatch returns
// ErrIntegrity; whoever owns the transaction rolls back and calls
// PersistFreeze.
func (m *Manager) verifyHeldTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	acc, err := m.accounts.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	sum, err := m.holds.SumPending(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if sum != acc.HeldAmount {
		return &ledger.IntegrityError{AccountID: accountID, Field: "held", Stored: acc.HeldAmount, Derived: sum}
	}
	return nil
}

// PersistFreeze freezes the account named by an integrity error on its own
// committed transaction. Call only after the failing transaction has rolled
// back; a non-integrity cause is a no-op.
func (m *Manager) PersistFreeze(ctx context.Context, cause error) {
	var ie *ledger.IntegrityError
	if !errors.As(cause, &ie) {
		return
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		m.logger.Error("freeze account", "account_id", ie.AccountID, "error", err)
		return
	}
	defer tx.Rollback(ctx)
	if err := m.accounts.SetFrozen(ctx, tx, ie.AccountID, true); err != nil {
		m.logger.Error("freeze account", "account_id", ie.AccountID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		m.logger.Error("freeze account", "account_id", ie.AccountID, "error", err)
	}
}
