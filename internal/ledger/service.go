package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/models"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds is returned when spendable balance is too low.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned for unknown account ids.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountFrozen is returned for accounts halted pending manual audit.
	ErrAccountFrozen = errors.New("account frozen pending audit")
	// ErrSameAccount is returned when a transfer names one account twice.
	ErrSameAccount = errors.New("transfer requires two distinct accounts")
	// ErrInvalidType is returned for transaction types outside the closed set.
	ErrInvalidType = errors.New("invalid transaction type")
	// ErrIntegrity means a stored balance no longer matches the sum of its
	// transactions. The account is frozen; this is a bug, not a user error.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// IntegrityError carries the account whose stored value diverged from the
// derived one. It matches ErrIntegrity under errors.Is so callers keep using
// the sentinel; PersistFreeze reads the account id out of it.
type IntegrityError struct {
	AccountID uuid.UUID
	Field     string // "balance" or "held"
	Stored    int
	Derived   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation: account %s %s %d, derived %d", e.AccountID, e.Field, e.Stored, e.Derived)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the minimal account repository interface for the ledger.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	AddBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) (newBalance int, err error)
	SetFrozen(ctx context.Context, tx pgx.Tx, id uuid.UUID, frozen bool) error
}

// TransactionStore is the append-only transaction log interface.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	SumByAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int, beforeAt *time.Time, beforeID *uuid.UUID) ([]*models.Transaction, error)
	ListByReference(ctx context.Context, referenceID uuid.UUID) ([]*models.Transaction, error)
}

// Service owns account balances and the transaction log. Every mutation runs
// in a single database transaction with the affected rows locked, and
// re-checks balance == SUM(transactions) before committing.
type Service struct {
	pool     TxBeginner
	accounts AccountStore
	txs      TransactionStore
}

func NewService(pool TxBeginner, accounts AccountStore, txs TransactionStore) *Service {
	return &Service{pool: pool, accounts: accounts, txs: txs}
}

// Credit appends a positive transaction and increases the balance.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	if err := validate(amount, txType); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	entry, err := s.CreditTx(ctx, tx, accountID, amount, txType, ref)
	if err != nil {
		_ = tx.Rollback(ctx)
		s.PersistFreeze(ctx, err)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx is Credit inside the caller's transaction.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	if err := validate(amount, txType); err != nil {
		return nil, err
	}
	acc, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return s.appendEntry(ctx, tx, acc, amount, txType, ref)
}

// Debit appends a negative transaction. Fails with ErrInsufficientFunds when
// the spendable balance (balance minus held amount) is below amount.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	if err := validate(amount, txType); err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	entry, err := s.DebitTx(ctx, tx, accountID, amount, txType, ref)
	if err != nil {
		_ = tx.Rollback(ctx)
		s.PersistFreeze(ctx, err)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitTx is Debit inside the caller's transaction.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	if err := validate(amount, txType); err != nil {
		return nil, err
	}
	acc, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Spendable() < amount {
		return nil, ErrInsufficientFunds
	}
	return s.appendEntry(ctx, tx, acc, -amount, txType, ref)
}

// Transfer atomically moves amount between two accounts: either both legs
// commit or neither does. This is the only settlement path for trades.
func (s *Service) Transfer(ctx context.Context, fromID, toID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, *models.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)
	debit, credit, err := s.TransferTx(ctx, tx, fromID, toID, amount, txType, ref)
	if err != nil {
		_ = tx.Rollback(ctx)
		s.PersistFreeze(ctx, err)
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// TransferTx is Transfer inside the caller's transaction. Both account rows
// are locked in deterministic UUID order to avoid deadlock.
func (s *Service) TransferTx(ctx context.Context, tx pgx.Tx, fromID, toID uuid.UUID, amount int, txType string, ref *uuid.UUID) (*models.Transaction, *models.Transaction, error) {
	if err := validate(amount, txType); err != nil {
		return nil, nil, err
	}
	if fromID == toID {
		return nil, nil, ErrSameAccount
	}

	ids := []uuid.UUID{fromID, toID}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	locked := make(map[uuid.UUID]*models.Account, 2)
	for _, id := range ids {
		acc, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = acc
	}

	if locked[fromID].Spendable() < amount {
		return nil, nil, ErrInsufficientFunds
	}
	debit, err := s.appendEntry(ctx, tx, locked[fromID], -amount, txType, ref)
	if err != nil {
		return nil, nil, err
	}
	credit, err := s.appendEntry(ctx, tx, locked[toID], amount, txType, ref)
	if err != nil {
		return nil, nil, err
	}
	return debit, credit, nil
}

// Balance returns the full (not spendable) balance.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (int, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return acc.Balance, nil
}

// History returns up to limit transactions newest-first plus an opaque cursor
// that restarts the scan after the last returned row. An empty cursor starts
// from the newest transaction.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, limit int, cursor string) ([]*models.Transaction, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeAt *time.Time
	var beforeID *uuid.UUID
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		beforeAt, beforeID = &at, &id
	}
	list, err := s.txs.ListByAccount(ctx, accountID, limit, beforeAt, beforeID)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(list) == limit {
		last := list[len(list)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return list, next, nil
}

// TransactionsByReference returns both legs of every transfer recorded
// against a trade or session id, newest-first. This is the audit view of a
// settlement.
func (s *Service) TransactionsByReference(ctx context.Context, referenceID uuid.UUID) ([]*models.Transaction, error) {
	return s.txs.ListByReference(ctx, referenceID)
}

// VerifyAccountTx re-derives the balance from the transaction log inside the
// caller's transaction. A mismatch returns ErrIntegrity; the owner of the
// transaction must roll back and then call PersistFreeze, which halts the
// account pending manual audit.
func (s *Service) VerifyAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	acc, err := s.accounts.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	sum, err := s.txs.SumByAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if sum != acc.Balance {
		return &IntegrityError{AccountID: accountID, Field: "balance", Stored: acc.Balance, Derived: sum}
	}
	return nil
}

// PersistFreeze freezes the account named by an integrity error, on its own
// committed transaction. It must run after the failing transaction has rolled
// back: the freeze has to survive that rollback, and the account row lock
// held by the failing transaction has to be gone before the update can
// proceed. Any other error is a no-op.
func (s *Service) PersistFreeze(ctx context.Context, cause error) {
	var ie *IntegrityError
	if !errors.As(cause, &ie) {
		return
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		slog.Error("freeze account", "account_id", ie.AccountID, "error", err)
		return
	}
	defer tx.Rollback(ctx)
	if err := s.accounts.SetFrozen(ctx, tx, ie.AccountID, true); err != nil {
		slog.Error("freeze account", "account_id", ie.AccountID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		slog.Error("freeze account", "account_id", ie.AccountID, "error", err)
	}
}

func (s *Service) lockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	acc, err := s.accounts.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if acc.Frozen {
		return nil, ErrAccountFrozen
	}
	return acc, nil
}

// appendEntry applies the signed delta and writes the log row. The caller
// must hold the account row lock.
func (s *Service) appendEntry(ctx context.Context, tx pgx.Tx, acc *models.Account, delta int, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	newBalance, err := s.accounts.AddBalance(ctx, tx, acc.ID, delta)
	if err != nil {
		return nil, err
	}
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}
	entry := &models.Transaction{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		Type:         txType,
		Amount:       delta,
		BalanceAfter: newBalance,
		ReferenceID:  ref,
	}
	if err := s.txs.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	sum, err := s.txs.SumByAccount(ctx, tx, acc.ID)
	if err != nil {
		return nil, err
	}
	if sum != newBalance {
		return nil, &IntegrityError{AccountID: acc.ID, Field: "balance", Stored: newBalance, Derived: sum}
	}
	return entry, nil
}

func validate(amount int, txType string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !models.ValidTxType(txType) {
		return ErrInvalidType
	}
	return nil
}

func encodeCursor(at time.Time, id uuid.UUID) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + ":" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, errors.New("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return time.Unix(0, nanos), id, nil
}
