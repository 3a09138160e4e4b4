package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillswap/backend/internal/escrow"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/verification"
)

var (
	// ErrTradeNotFound is returned for unknown trade ids.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrDisputeNotFound is returned for unknown dispute ids.
	ErrDisputeNotFound = errors.New("dispute not found")
	// ErrAlreadySettled is returned when a terminal trade is settled again.
	// Retries are safe: no second transfer happens.
	ErrAlreadySettled = errors.New("trade already settled")
	// ErrTradeExpired is returned once the verification window has closed.
	ErrTradeExpired = errors.New("trade expired")
	// ErrTradeDisputed is returned when a disputed trade is negotiated further.
	ErrTradeDisputed = errors.New("trade is locked by an open dispute")
	// ErrCounterOfferOutOfBounds is returned for counter-offers outside the
	// configured percentage band around the proposed amount.
	ErrCounterOfferOutOfBounds = errors.New("counter-offer out of bounds")
	// ErrCounterOfferClosed is returned for a second counter-offer round.
	ErrCounterOfferClosed = errors.New("counter-offer round already used")
	// ErrConcurrentModification is returned when the supplied version lost a
	// race with another writer. The caller should re-read and retry.
	ErrConcurrentModification = errors.New("trade was modified concurrently")
	// ErrNotParticipant is returned when the actor is not a trade party.
	ErrNotParticipant = errors.New("actor is not a participant of this trade")
	// ErrWrongActor is returned when the proposing side tries to confirm its
	// own offer, or a non-counterparty tries to counter.
	ErrWrongActor = errors.New("operation not allowed for this actor")
	// ErrInvalidRoles is returned when the role pair identifies no payer.
	ErrInvalidRoles = errors.New("trade roles must include a teaching and a learning side")
)

// DefaultCounterOfferMaxPct bounds counter-offers at ±20% of the proposal.
const DefaultCounterOfferMaxPct = 0.20

// TradeStore is the trade repository interface.
type TradeStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Trade, error)
	UpdateCAS(ctx context.Context, tx pgx.Tx, t *models.Trade, expectedVersion int) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Trade, error)
	ListByParticipant(ctx context.Context, accountID uuid.UUID) ([]*models.Trade, error)
}

// DisputeStore is the dispute repository interface.
type DisputeStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome string, splitPct *int, resolvedAt time.Time) (bool, error)
}

// Escrow is the slice of the escrow manager the state machine drives.
type Escrow interface {
	CreateHoldTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int, reason string, ttl time.Duration) (*models.EscrowHold, error)
	ReleaseHoldTx(ctx context.Context, tx pgx.Tx, holdID uuid.UUID, status string) error
	SuspendHoldTx(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) error
	SettleTx(ctx context.Context, tx pgx.Tx, holdID, beneficiaryID uuid.UUID, amount int, status, txType string, ref *uuid.UUID) (*models.Transaction, error)
	GetHold(ctx context.Context, holdID uuid.UUID) (*models.EscrowHold, error)
	PersistFreeze(ctx context.Context, cause error)
}

// Service is the negotiation state machine for offline trades. All
// transitions run under the trade row lock, are guarded by the version the
// caller read, and append to the audit history.
type Service struct {
	pool          ledger.TxBeginner
	trades        TradeStore
	disputes      DisputeStore
	escrow        Escrow
	verifier      *verification.Adapter
	counterMaxPct float64
	logger        *slog.Logger
}

func NewService(pool ledger.TxBeginner, trades TradeStore, disputes DisputeStore, esc Escrow, verifier *verification.Adapter, counterMaxPct float64, logger *slog.Logger) *Service {
	if counterMaxPct <= 0 {
		counterMaxPct = DefaultCounterOfferMaxPct
	}
	return &Service{
		pool:          pool,
		trades:        trades,
		disputes:      disputes,
		escrow:        esc,
		verifier:      verifier,
		counterMaxPct: counterMaxPct,
		logger:        logger,
	}
}

// CreateInput describes a trade proposal.
type CreateInput struct {
	InitiatorID      uuid.UUID
	CounterpartyID   uuid.UUID
	Skill            string
	DurationMins     int
	CreditsProposed  int
	InitiatorRole    string
	CounterpartyRole string
	VerifyMethod     string
	TTL              time.Duration
}

// Create opens a trade in awaiting_counterparty and places the escrow hold on
// the paying party. The verification secret is returned exactly once; only
// its digest is stored.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Trade, string, error) {
	if in.CreditsProposed <= 0 {
		return nil, "", ledger.ErrInvalidAmount
	}
	if in.InitiatorID == in.CounterpartyID {
		return nil, "", ledger.ErrSameAccount
	}
	if in.Skill == "" || in.DurationMins <= 0 || in.TTL <= 0 {
		return nil, "", errors.New("skill, duration and ttl are required")
	}
	if err := validateRoles(in.InitiatorRole, in.CounterpartyRole); err != nil {
		return nil, "", err
	}

	secret, secretHash, err := verification.GenerateSecret(in.VerifyMethod)
	if err != nil {
		return nil, "", err
	}

	t := &models.Trade{
		ID:               uuid.New(),
		InitiatorID:      in.InitiatorID,
		CounterpartyID:   in.CounterpartyID,
		Skill:            in.Skill,
		DurationMins:     in.DurationMins,
		CreditsProposed:  in.CreditsProposed,
		InitiatorRole:    in.InitiatorRole,
		CounterpartyRole: in.CounterpartyRole,
		Status:           models.TradeStatusAwaitingCounterparty,
		VerifyMethod:     in.VerifyMethod,
		SecretHash:       secretHash,
		VerifyExpiresAt:  time.Now().Add(in.TTL),
		Version:          1,
	}
	appendAudit(t, in.InitiatorID, "create", "", models.TradeStatusAwaitingCounterparty)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback(ctx)

	hold, err := s.escrow.CreateHoldTx(ctx, tx, t.PayerID(), in.CreditsProposed, fmt.Sprintf("trade %s: %s", t.ID, in.Skill), in.TTL)
	if err != nil {
		_ = tx.Rollback(ctx)
		s.escrow.PersistFreeze(ctx, err)
		return nil, "", err
	}
	t.HoldID = hold.ID
	if err := s.trades.CreateTx(ctx, tx, t); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}
	return t, secret, nil
}

// Confirm settles the trade at the current offer. Only the non-proposing
// party of the current offer may confirm, and only with a valid proof. The
// hold release, the ledger transfer and the status transition commit
// together; a lost version race or a replayed confirm performs no transfer.
func (s *Service) Confirm(ctx context.Context, tradeID, actorID uuid.UUID, proof string, version int) (*models.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.lockNegotiable(ctx, tx, tradeID, version)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(actorID) {
		return nil, ErrNotParticipant
	}
	if actorID == t.OfferProposer() {
		return nil, ErrWrongActor
	}

	now := time.Now()
	if err := s.verifier.Validate(verification.Spec{
		Method:     t.VerifyMethod,
		SecretHash: t.SecretHash,
		ExpiresAt:  t.VerifyExpiresAt,
		Consumed:   t.Consumed,
	}, proof, now); err != nil {
		if errors.Is(err, verification.ErrProofExpired) {
			return nil, ErrTradeExpired
		}
		return nil, err
	}

	amount := t.CurrentOffer()
	ref := t.ID
	if _, err := s.escrow.SettleTx(ctx, tx, t.HoldID, t.PayeeID(), amount, models.HoldStatusReleased, models.TxTypeEscrow, &ref); err != nil {
		_ = tx.Rollback(ctx)
		s.escrow.PersistFreeze(ctx, err)
		return nil, err
	}

	t.CreditsActual = &amount
	if t.VerifyMethod == models.VerifyMethodQR {
		t.Consumed = true
	}
	from := t.Status
	t.Status = models.TradeStatusConfirmed
	appendAudit(t, actorID, "confirm", from, t.Status)
	if err := s.updateCAS(ctx, tx, t, version); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// CounterOffer proposes a different amount. One round only: legal solely from
// awaiting_counterparty, by the counterparty, within the configured band.
func (s *Service) CounterOffer(ctx context.Context, tradeID, actorID uuid.UUID, amount, version int) (*models.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.lockNegotiable(ctx, tx, tradeID, version)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TradeStatusNeedsReconfirm {
		return nil, ErrCounterOfferClosed
	}
	if !t.IsParticipant(actorID) {
		return nil, ErrNotParticipant
	}
	if actorID != t.CounterpartyID {
		return nil, ErrWrongActor
	}
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	lo := float64(t.CreditsProposed) * (1 - s.counterMaxPct)
	hi := float64(t.CreditsProposed) * (1 + s.counterMaxPct)
	if float64(amount) < lo || float64(amount) > hi {
		return nil, ErrCounterOfferOutOfBounds
	}

	t.CounterAmount = &amount
	t.CounterProposedBy = &actorID
	from := t.Status
	t.Status = models.TradeStatusNeedsReconfirm
	appendAudit(t, actorID, "counter_offer", from, t.Status)
	if err := s.updateCAS(ctx, tx, t, version); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Dispute freezes the trade for manual resolution. The hold stays pending
// and its deadline is suspended, so the expiry sweep cannot release it out
// from under the moderation queue; it is neither released nor forfeited
// until moderation decides.
func (s *Service) Dispute(ctx context.Context, tradeID, actorID uuid.UUID, reason string, version int) (*models.Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.lockTrade(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}
	if models.TerminalTradeStatus(t.Status) {
		return nil, terminalErr(t.Status)
	}
	if t.Version != version {
		return nil, ErrConcurrentModification
	}
	if !t.IsParticipant(actorID) {
		return nil, ErrNotParticipant
	}

	d := &models.Dispute{
		ID:       uuid.New(),
		TradeID:  t.ID,
		RaisedBy: actorID,
		Reason:   reason,
		Status:   models.DisputeStatusOpen,
	}
	if err := s.disputes.CreateTx(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := s.escrow.SuspendHoldTx(ctx, tx, t.HoldID); err != nil {
		return nil, err
	}

	from := t.Status
	t.Status = models.TradeStatusDisputed
	appendAudit(t, actorID, "dispute", from, t.Status)
	if err := s.updateCAS(ctx, tx, t, version); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveDispute is the privileged path for the moderation collaborator.
// Outcomes: refund_initiator releases the hold back to the payer with no
// transfer; pay_counterparty forfeits the full held amount to the payee;
// split transfers splitPct percent of the hold to the payee and releases the
// remainder. The trade is permanently settled afterwards.
func (s *Service) ResolveDispute(ctx context.Context, disputeID uuid.UUID, outcome string, splitPct *int) (*models.Trade, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	if d.Status != models.DisputeStatusOpen {
		return nil, ErrAlreadySettled
	}
	t, err := s.lockTrade(ctx, tx, d.TradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TradeStatusDisputed {
		return nil, ErrAlreadySettled
	}

	settled, err := s.applyOutcome(ctx, tx, t, outcome, splitPct)
	if err != nil {
		_ = tx.Rollback(ctx)
		s.escrow.PersistFreeze(ctx, err)
		return nil, err
	}

	if ok, err := s.disputes.MarkResolved(ctx, tx, d.ID, outcome, splitPct, time.Now()); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrAlreadySettled
	}

	t.CreditsActual = &settled
	appendAudit(t, models.AdminAccountID, "resolve_"+outcome, t.Status, t.Status)
	if err := s.updateCAS(ctx, tx, t, t.Version); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// applyOutcome moves the held credits per the moderation decision and
// returns the amount that reached the payee.
func (s *Service) applyOutcome(ctx context.Context, tx pgx.Tx, t *models.Trade, outcome string, splitPct *int) (int, error) {
	hold, err := s.escrow.GetHold(ctx, t.HoldID)
	if err != nil {
		return 0, err
	}
	ref := t.ID
	switch outcome {
	case models.DisputeOutcomeRefundInitiator:
		return 0, s.escrow.ReleaseHoldTx(ctx, tx, t.HoldID, models.HoldStatusReleased)
	case models.DisputeOutcomePayCounterparty:
		if _, err := s.escrow.SettleTx(ctx, tx, t.HoldID, t.PayeeID(), hold.Amount, models.HoldStatusForfeited, models.TxTypeEscrow, &ref); err != nil {
			return 0, err
		}
		return hold.Amount, nil
	case models.DisputeOutcomeSplit:
		if splitPct == nil || *splitPct <= 0 || *splitPct >= 100 {
			return 0, fmt.Errorf("split outcome requires a percentage between 1 and 99")
		}
		pct := *splitPct
		portion := (hold.Amount*pct + 50) / 100
		if portion == 0 {
			return 0, s.escrow.ReleaseHoldTx(ctx, tx, t.HoldID, models.HoldStatusReleased)
		}
		if _, err := s.escrow.SettleTx(ctx, tx, t.HoldID, t.PayeeID(), portion, models.HoldStatusReleased, models.TxTypeEscrow, &ref); err != nil {
			return 0, err
		}
		return portion, nil
	default:
		return 0, fmt.Errorf("unknown dispute outcome %q", outcome)
	}
}

// Expire moves a stuck negotiation to expired once its verification window
// has closed, releasing the hold back to its owner.
func (s *Service) Expire(ctx context.Context, tradeID uuid.UUID, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	t, err := s.lockTrade(ctx, tx, tradeID)
	if err != nil {
		return err
	}
	if models.TerminalTradeStatus(t.Status) {
		return nil
	}
	if t.VerifyExpiresAt.After(now) {
		return nil
	}
	// The hold sweep may already have expired the hold; the trade still
	// needs to move to expired.
	if err := s.escrow.ReleaseHoldTx(ctx, tx, t.HoldID, models.HoldStatusExpired); err != nil && !errors.Is(err, escrow.ErrHoldNotPending) {
		_ = tx.Rollback(ctx)
		s.escrow.PersistFreeze(ctx, err)
		return err
	}
	from := t.Status
	t.Status = models.TradeStatusExpired
	appendAudit(t, t.InitiatorID, "expire", from, t.Status)
	if err := s.updateCAS(ctx, tx, t, t.Version); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ExpireStale sweeps negotiable trades past their verification deadline.
// Per-trade failures are logged and skipped.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	trades, err := s.trades.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range trades {
		if err := s.Expire(ctx, t.ID, now); err != nil {
			s.logger.Error("expire trade", "trade_id", t.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Get returns the trade by id.
func (s *Service) Get(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListByParticipant returns all trades the account takes part in.
func (s *Service) ListByParticipant(ctx context.Context, accountID uuid.UUID) ([]*models.Trade, error) {
	return s.trades.ListByParticipant(ctx, accountID)
}

// GetDispute returns the dispute by id.
func (s *Service) GetDispute(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *Service) lockTrade(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Trade, error) {
	t, err := s.trades.GetForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// lockNegotiable locks the trade and rejects terminal states, stale
// versions and closed verification windows.
func (s *Service) lockNegotiable(ctx context.Context, tx pgx.Tx, id uuid.UUID, version int) (*models.Trade, error) {
	t, err := s.lockTrade(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if models.TerminalTradeStatus(t.Status) {
		return nil, terminalErr(t.Status)
	}
	if t.Version != version {
		return nil, ErrConcurrentModification
	}
	if time.Now().After(t.VerifyExpiresAt) {
		return nil, ErrTradeExpired
	}
	return t, nil
}

func (s *Service) updateCAS(ctx context.Context, tx pgx.Tx, t *models.Trade, expectedVersion int) error {
	ok, err := s.trades.UpdateCAS(ctx, tx, t, expectedVersion)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConcurrentModification
	}
	return nil
}

func terminalErr(status string) error {
	switch status {
	case models.TradeStatusConfirmed:
		return ErrAlreadySettled
	case models.TradeStatusExpired:
		return ErrTradeExpired
	case models.TradeStatusDisputed:
		return ErrTradeDisputed
	}
	return ErrAlreadySettled
}

func validateRoles(initiatorRole, counterpartyRole string) error {
	valid := func(r string) bool {
		return r == models.TradeRoleTaught || r == models.TradeRoleLearned || r == models.TradeRoleBoth
	}
	if !valid(initiatorRole) || !valid(counterpartyRole) {
		return ErrInvalidRoles
	}
	teaches := func(r string) bool { return r == models.TradeRoleTaught || r == models.TradeRoleBoth }
	learns := func(r string) bool { return r == models.TradeRoleLearned || r == models.TradeRoleBoth }
	if !teaches(initiatorRole) && !teaches(counterpartyRole) {
		return ErrInvalidRoles
	}
	if !learns(initiatorRole) && !learns(counterpartyRole) {
		return ErrInvalidRoles
	}
	return nil
}

// appendAudit adds one history row to the trade's audit log. A corrupt
// existing log is replaced rather than propagated.
func appendAudit(t *models.Trade, actor uuid.UUID, action, from, to string) {
	var history []models.AuditEntry
	if len(t.Audit) > 0 {
		_ = json.Unmarshal(t.Audit, &history)
	}
	history = append(history, models.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  actor,
		Action: action,
		From:   from,
		To:     to,
	})
	raw, err := json.Marshal(history)
	if err != nil {
		return
	}
	t.Audit = raw
}
