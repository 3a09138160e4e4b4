package trade

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/skillswap/backend/internal/escrow"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/models"
	"github.com/skillswap/backend/internal/verification"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- TradeStore mock with real CAS semantics ---

type mockTrades struct {
	trades map[uuid.UUID]*models.Trade
}

func newMockTrades() *mockTrades {
	return &mockTrades{trades: make(map[uuid.UUID]*models.Trade)}
}

func (m *mockTrades) CreateTx(_ context.Context, _ pgx.Tx, t *models.Trade) error {
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *mockTrades) GetByID(_ context.Context, id uuid.UUID) (*models.Trade, error) {
	t, ok := m.trades[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m *mockTrades) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Trade, error) {
	return m.GetByID(context.Background(), id)
}

func (m *mockTrades) UpdateCAS(_ context.Context, _ pgx.Tx, t *models.Trade, expectedVersion int) (bool, error) {
	stored, ok := m.trades[t.ID]
	if !ok || stored.Version != expectedVersion {
		return false, nil
	}
	stored.Status = t.Status
	stored.CreditsActual = t.CreditsActual
	stored.Consumed = t.Consumed
	stored.CounterAmount = t.CounterAmount
	stored.CounterProposedBy = t.CounterProposedBy
	stored.Audit = t.Audit
	stored.Version++
	stored.UpdatedAt = time.Now()
	t.Version = stored.Version
	return true, nil
}

func (m *mockTrades) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Trade, error) {
	var out []*models.Trade
	for _, t := range m.trades {
		if (t.Status == models.TradeStatusAwaitingCounterparty || t.Status == models.TradeStatusNeedsReconfirm) &&
			!t.VerifyExpiresAt.After(now) && len(out) < limit {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTrades) ListByParticipant(_ context.Context, accountID uuid.UUID) ([]*models.Trade, error) {
	var out []*models.Trade
	for _, t := range m.trades {
		if t.IsParticipant(accountID) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- DisputeStore mock ---

type mockDisputes struct {
	disputes map[uuid.UUID]*models.Dispute
}

func newMockDisputes() *mockDisputes {
	return &mockDisputes{disputes: make(map[uuid.UUID]*models.Dispute)}
}

func (m *mockDisputes) CreateTx(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	d.CreatedAt = time.Now()
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *mockDisputes) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

func (m *mockDisputes) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return m.GetByID(context.Background(), id)
}

func (m *mockDisputes) MarkResolved(_ context.Context, _ pgx.Tx, id uuid.UUID, outcome string, splitPct *int, resolvedAt time.Time) (bool, error) {
	d, ok := m.disputes[id]
	if !ok || d.Status != models.DisputeStatusOpen {
		return false, nil
	}
	d.Status = models.DisputeStatusResolved
	d.Outcome = &outcome
	d.SplitPct = splitPct
	d.ResolvedAt = &resolvedAt
	return true, nil
}

// --- Escrow mock: tracks holds and transfers ---

type settlement struct {
	beneficiary uuid.UUID
	amount      int
	status      string
}

type mockEscrow struct {
	holds       map[uuid.UUID]*models.EscrowHold
	settlements []settlement
	releases    map[uuid.UUID]string
}

func newMockEscrow() *mockEscrow {
	return &mockEscrow{
		holds:    make(map[uuid.UUID]*models.EscrowHold),
		releases: make(map[uuid.UUID]string),
	}
}

func (m *mockEscrow) CreateHoldTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, amount int, reason string, ttl time.Duration) (*models.EscrowHold, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	releaseAt := time.Now().Add(ttl)
	h := &models.EscrowHold{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason,
		Status:    models.HoldStatusPending,
		ReleaseAt: &releaseAt,
	}
	m.holds[h.ID] = h
	return h, nil
}

func (m *mockEscrow) ReleaseHoldTx(_ context.Context, _ pgx.Tx, holdID uuid.UUID, status string) error {
	h, ok := m.holds[holdID]
	if !ok {
		return escrow.ErrHoldNotFound
	}
	if h.Status != models.HoldStatusPending {
		return escrow.ErrHoldNotPending
	}
	h.Status = status
	m.releases[holdID] = status
	return nil
}

func (m *mockEscrow) SuspendHoldTx(_ context.Context, _ pgx.Tx, holdID uuid.UUID) error {
	h, ok := m.holds[holdID]
	if !ok {
		return escrow.ErrHoldNotFound
	}
	if h.Status != models.HoldStatusPending {
		return escrow.ErrHoldNotPending
	}
	h.ReleaseAt = nil
	return nil
}

func (m *mockEscrow) SettleTx(_ context.Context, _ pgx.Tx, holdID, beneficiaryID uuid.UUID, amount int, status, txType string, ref *uuid.UUID) (*models.Transaction, error) {
	h, ok := m.holds[holdID]
	if !ok {
		return nil, escrow.ErrHoldNotFound
	}
	if h.Status != models.HoldStatusPending {
		return nil, escrow.ErrHoldNotPending
	}
	h.Status = status
	m.settlements = append(m.settlements, settlement{beneficiary: beneficiaryID, amount: amount, status: status})
	return &models.Transaction{ID: uuid.New(), AccountID: h.AccountID, Type: txType, Amount: -amount, ReferenceID: ref}, nil
}

func (m *mockEscrow) GetHold(_ context.Context, holdID uuid.UUID) (*models.EscrowHold, error) {
	h, ok := m.holds[holdID]
	if !ok {
		return nil, escrow.ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *mockEscrow) PersistFreeze(context.Context, error) {}

// expireHolds mirrors the escrow sweep against the mock's hold table:
// pending holds with a lapsed, non-suspended deadline become expired.
func (m *mockEscrow) expireHolds(now time.Time) int {
	n := 0
	for id, h := range m.holds {
		if h.Status == models.HoldStatusPending && h.ReleaseAt != nil && !h.ReleaseAt.After(now) {
			h.Status = models.HoldStatusExpired
			m.releases[id] = models.HoldStatusExpired
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fixture struct {
	svc          *Service
	trades       *mockTrades
	disputes     *mockDisputes
	escrow       *mockEscrow
	initiator    uuid.UUID
	counterparty uuid.UUID
}

func newFixture() *fixture {
	trades := newMockTrades()
	disputes := newMockDisputes()
	esc := newMockEscrow()
	svc := NewService(mockPool{}, trades, disputes, esc, verification.NewAdapter(), 0, slog.Default())
	return &fixture{
		svc:          svc,
		trades:       trades,
		disputes:     disputes,
		escrow:       esc,
		initiator:    uuid.New(),
		counterparty: uuid.New(),
	}
}

func (f *fixture) create(t *testing.T, credits int, method string) (*models.Trade, string) {
	t.Helper()
	tr, secret, err := f.svc.Create(context.Background(), CreateInput{
		InitiatorID:      f.initiator,
		CounterpartyID:   f.counterparty,
		Skill:            "guitar basics",
		DurationMins:     60,
		CreditsProposed:  credits,
		InitiatorRole:    models.TradeRoleLearned,
		CounterpartyRole: models.TradeRoleTaught,
		VerifyMethod:     method,
		TTL:              time.Hour,
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return tr, secret
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCreateHoldsOnPayer(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)

	if tr.Status != models.TradeStatusAwaitingCounterparty {
		t.Fatalf("status = %q, want awaiting_counterparty", tr.Status)
	}
	if tr.Version != 1 {
		t.Fatalf("version = %d, want 1", tr.Version)
	}
	hold := f.escrow.holds[tr.HoldID]
	if hold == nil {
		t.Fatal("no hold created")
	}
	// Initiator learns, counterparty teaches: the initiator pays.
	if hold.AccountID != f.initiator {
		t.Fatalf("hold on %s, want payer %s", hold.AccountID, f.initiator)
	}
	if hold.Amount != 100 {
		t.Fatalf("hold amount = %d, want 100", hold.Amount)
	}
	if len(secret) != 6 {
		t.Fatalf("pin length = %d, want 6", len(secret))
	}
	if verification.HashSecret(secret) != tr.SecretHash {
		t.Fatal("stored hash does not match the returned secret")
	}
}

func TestCreateRejections(t *testing.T) {
	f := newFixture()
	base := CreateInput{
		InitiatorID:      f.initiator,
		CounterpartyID:   f.counterparty,
		Skill:            "guitar",
		DurationMins:     60,
		CreditsProposed:  100,
		InitiatorRole:    models.TradeRoleLearned,
		CounterpartyRole: models.TradeRoleTaught,
		VerifyMethod:     models.VerifyMethodPIN,
		TTL:              time.Hour,
	}
	ctx := context.Background()

	in := base
	in.CreditsProposed = 0
	if _, _, err := f.svc.Create(ctx, in); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("zero credits err = %v, want ErrInvalidAmount", err)
	}

	in = base
	in.CounterpartyID = f.initiator
	if _, _, err := f.svc.Create(ctx, in); !errors.Is(err, ledger.ErrSameAccount) {
		t.Fatalf("self trade err = %v, want ErrSameAccount", err)
	}

	// Nobody teaches.
	in = base
	in.InitiatorRole = models.TradeRoleLearned
	in.CounterpartyRole = models.TradeRoleLearned
	if _, _, err := f.svc.Create(ctx, in); !errors.Is(err, ErrInvalidRoles) {
		t.Fatalf("learner/learner err = %v, want ErrInvalidRoles", err)
	}

	in = base
	in.VerifyMethod = "carrier-pigeon"
	if _, _, err := f.svc.Create(ctx, in); !errors.Is(err, verification.ErrUnknownMethod) {
		t.Fatalf("bad method err = %v, want ErrUnknownMethod", err)
	}
}

func TestMutualTradeInitiatorPays(t *testing.T) {
	f := newFixture()
	tr, _, err := f.svc.Create(context.Background(), CreateInput{
		InitiatorID:      f.initiator,
		CounterpartyID:   f.counterparty,
		Skill:            "language exchange",
		DurationMins:     60,
		CreditsProposed:  50,
		InitiatorRole:    models.TradeRoleBoth,
		CounterpartyRole: models.TradeRoleBoth,
		VerifyMethod:     models.VerifyMethodPIN,
		TTL:              time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.escrow.holds[tr.HoldID].AccountID != f.initiator {
		t.Fatal("mutual trade must be funded by the initiator")
	}
}

func TestConfirmSettlesAtProposed(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	got, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, tr.Version)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != models.TradeStatusConfirmed {
		t.Fatalf("status = %q, want confirmed", got.Status)
	}
	if got.CreditsActual == nil || *got.CreditsActual != 100 {
		t.Fatalf("credits_actual = %v, want 100", got.CreditsActual)
	}
	if len(f.escrow.settlements) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.escrow.settlements))
	}
	s := f.escrow.settlements[0]
	if s.beneficiary != f.counterparty || s.amount != 100 {
		t.Fatalf("settled %d to %s, want 100 to %s", s.amount, s.beneficiary, f.counterparty)
	}

	// Replayed confirm: no second transfer.
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, got.Version); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("replay err = %v, want ErrAlreadySettled", err)
	}
	if len(f.escrow.settlements) != 1 {
		t.Fatalf("settlements after replay = %d, want 1", len(f.escrow.settlements))
	}
}

func TestConfirmWrongProofLeavesStateUnchanged(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	wrong := "482913"
	if wrong == secret {
		wrong = "482914"
	}
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, wrong, tr.Version); !errors.Is(err, verification.ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
	stored := f.trades.trades[tr.ID]
	if stored.Status != models.TradeStatusAwaitingCounterparty || stored.Version != 1 {
		t.Fatalf("state moved to %q v%d on a failed proof", stored.Status, stored.Version)
	}
	if len(f.escrow.settlements) != 0 {
		t.Fatal("failed proof must not settle")
	}

	// The right proof still works afterwards.
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, 1); err != nil {
		t.Fatalf("confirm after failed attempt: %v", err)
	}
}

func TestConfirmActorChecks(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	// The initiator proposed the current offer and cannot confirm it.
	if _, err := f.svc.Confirm(ctx, tr.ID, f.initiator, secret, tr.Version); !errors.Is(err, ErrWrongActor) {
		t.Fatalf("proposer confirm err = %v, want ErrWrongActor", err)
	}
	if _, err := f.svc.Confirm(ctx, tr.ID, uuid.New(), secret, tr.Version); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider confirm err = %v, want ErrNotParticipant", err)
	}
}

func TestConfirmVersionConflict(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, tr.Version+7); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
	if len(f.escrow.settlements) != 0 {
		t.Fatal("stale version must not settle")
	}
}

func TestCounterOfferBounds(t *testing.T) {
	f := newFixture()
	tr, _ := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	// 130 is outside ±20% of 100.
	if _, err := f.svc.CounterOffer(ctx, tr.ID, f.counterparty, 130, tr.Version); !errors.Is(err, ErrCounterOfferOutOfBounds) {
		t.Fatalf("130 err = %v, want ErrCounterOfferOutOfBounds", err)
	}
	if _, err := f.svc.CounterOffer(ctx, tr.ID, f.counterparty, 79, tr.Version); !errors.Is(err, ErrCounterOfferOutOfBounds) {
		t.Fatalf("79 err = %v, want ErrCounterOfferOutOfBounds", err)
	}
	if _, err := f.svc.CounterOffer(ctx, tr.ID, f.initiator, 115, tr.Version); !errors.Is(err, ErrWrongActor) {
		t.Fatalf("initiator counter err = %v, want ErrWrongActor", err)
	}

	got, err := f.svc.CounterOffer(ctx, tr.ID, f.counterparty, 115, tr.Version)
	if err != nil {
		t.Fatalf("counter 115: %v", err)
	}
	if got.Status != models.TradeStatusNeedsReconfirm {
		t.Fatalf("status = %q, want needs_reconfirm", got.Status)
	}
	if got.CurrentOffer() != 115 {
		t.Fatalf("current offer = %d, want 115", got.CurrentOffer())
	}

	// One round only.
	if _, err := f.svc.CounterOffer(ctx, tr.ID, f.counterparty, 110, got.Version); !errors.Is(err, ErrCounterOfferClosed) {
		t.Fatalf("second round err = %v, want ErrCounterOfferClosed", err)
	}
}

func TestConfirmAfterCounterSettlesAtCounter(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	countered, err := f.svc.CounterOffer(ctx, tr.ID, f.counterparty, 85, tr.Version)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}

	// The counterparty proposed 85; only the initiator may accept it.
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, countered.Version); !errors.Is(err, ErrWrongActor) {
		t.Fatalf("counterparty self-confirm err = %v, want ErrWrongActor", err)
	}
	got, err := f.svc.Confirm(ctx, tr.ID, f.initiator, secret, countered.Version)
	if err != nil {
		t.Fatalf("initiator confirm: %v", err)
	}
	if got.CreditsActual == nil || *got.CreditsActual != 85 {
		t.Fatalf("credits_actual = %v, want 85", got.CreditsActual)
	}
	if f.escrow.settlements[0].amount != 85 {
		t.Fatalf("settled %d, want 85 (remainder returns to payer)", f.escrow.settlements[0].amount)
	}
}

func TestDisputeLocksTrade(t *testing.T) {
	f := newFixture()
	tr, secret := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	d, err := f.svc.Dispute(ctx, tr.ID, f.counterparty, "no-show", tr.Version)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if d.Status != models.DisputeStatusOpen {
		t.Fatalf("dispute status = %q, want open", d.Status)
	}
	stored := f.trades.trades[tr.ID]
	if stored.Status != models.TradeStatusDisputed {
		t.Fatalf("trade status = %q, want disputed", stored.Status)
	}
	// The hold is neither released nor settled while the dispute is open.
	if f.escrow.holds[tr.HoldID].Status != models.HoldStatusPending {
		t.Fatal("hold must stay pending under an open dispute")
	}
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, stored.Version); !errors.Is(err, ErrTradeDisputed) {
		t.Fatalf("confirm on disputed err = %v, want ErrTradeDisputed", err)
	}
	if _, err := f.svc.CounterOffer(ctx, tr.ID, f.counterparty, 90, stored.Version); !errors.Is(err, ErrTradeDisputed) {
		t.Fatalf("counter on disputed err = %v, want ErrTradeDisputed", err)
	}
}

func TestDisputeSuspendsHoldDeadline(t *testing.T) {
	f := newFixture()
	tr, _, err := f.svc.Create(context.Background(), CreateInput{
		InitiatorID:      f.initiator,
		CounterpartyID:   f.counterparty,
		Skill:            "pottery",
		DurationMins:     45,
		CreditsProposed:  80,
		InitiatorRole:    models.TradeRoleLearned,
		CounterpartyRole: models.TradeRoleTaught,
		VerifyMethod:     models.VerifyMethodPIN,
		TTL:              time.Minute,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()

	d, err := f.svc.Dispute(ctx, tr.ID, f.counterparty, "no-show", tr.Version)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if f.escrow.holds[tr.HoldID].ReleaseAt != nil {
		t.Fatal("dispute must suspend the hold deadline")
	}

	// A hold sweep long after the original deadline must leave the disputed
	// hold alone; otherwise moderation has nothing left to award.
	if n := f.escrow.expireHolds(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Fatalf("sweep expired %d holds, want 0", n)
	}
	if f.escrow.holds[tr.HoldID].Status != models.HoldStatusPending {
		t.Fatalf("hold status = %q, want pending", f.escrow.holds[tr.HoldID].Status)
	}

	if _, err := f.svc.ResolveDispute(ctx, d.ID, models.DisputeOutcomePayCounterparty, nil); err != nil {
		t.Fatalf("resolve after sweep: %v", err)
	}
	if len(f.escrow.settlements) != 1 || f.escrow.settlements[0].amount != 80 {
		t.Fatalf("settlements = %+v, want full 80 to the payee", f.escrow.settlements)
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	f := newFixture()
	tr, _ := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	d, err := f.svc.Dispute(ctx, tr.ID, f.initiator, "cancelled", tr.Version)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.svc.ResolveDispute(ctx, d.ID, models.DisputeOutcomeRefundInitiator, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.escrow.releases[tr.HoldID] != models.HoldStatusReleased {
		t.Fatal("refund outcome must release the hold")
	}
	if len(f.escrow.settlements) != 0 {
		t.Fatal("refund outcome must not transfer")
	}
	if f.disputes.disputes[d.ID].Status != models.DisputeStatusResolved {
		t.Fatal("dispute not marked resolved")
	}
	// Resolution is final.
	if _, err := f.svc.ResolveDispute(ctx, d.ID, models.DisputeOutcomeRefundInitiator, nil); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("double resolve err = %v, want ErrAlreadySettled", err)
	}
}

func TestResolveDisputeSplit(t *testing.T) {
	f := newFixture()
	tr, _ := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	d, err := f.svc.Dispute(ctx, tr.ID, f.counterparty, "partial session", tr.Version)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	pct := 30
	got, err := f.svc.ResolveDispute(ctx, d.ID, models.DisputeOutcomeSplit, &pct)
	if err != nil {
		t.Fatalf("resolve split: %v", err)
	}
	if len(f.escrow.settlements) != 1 || f.escrow.settlements[0].amount != 30 {
		t.Fatalf("settlements = %+v, want one of 30", f.escrow.settlements)
	}
	if f.escrow.settlements[0].beneficiary != f.counterparty {
		t.Fatal("split portion must go to the payee")
	}
	if got.CreditsActual == nil || *got.CreditsActual != 30 {
		t.Fatalf("credits_actual = %v, want 30", got.CreditsActual)
	}

	// Bad split percentages are rejected up front.
	tr2, _ := f.create(t, 100, models.VerifyMethodPIN)
	d2, err := f.svc.Dispute(ctx, tr2.ID, f.counterparty, "again", tr2.Version)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	bad := 100
	if _, err := f.svc.ResolveDispute(ctx, d2.ID, models.DisputeOutcomeSplit, &bad); err == nil {
		t.Fatal("expected error for split_pct 100")
	}
	if _, err := f.svc.ResolveDispute(ctx, d2.ID, models.DisputeOutcomeSplit, nil); err == nil {
		t.Fatal("expected error for missing split_pct")
	}
}

func TestResolveDisputePayCounterparty(t *testing.T) {
	f := newFixture()
	tr, _ := f.create(t, 100, models.VerifyMethodPIN)
	ctx := context.Background()

	d, err := f.svc.Dispute(ctx, tr.ID, f.counterparty, "work done", tr.Version)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.svc.ResolveDispute(ctx, d.ID, models.DisputeOutcomePayCounterparty, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(f.escrow.settlements) != 1 || f.escrow.settlements[0].amount != 100 {
		t.Fatalf("settlements = %+v, want full 100", f.escrow.settlements)
	}
	if f.escrow.settlements[0].status != models.HoldStatusForfeited {
		t.Fatalf("hold status = %q, want forfeited", f.escrow.settlements[0].status)
	}
}

func TestExpireReleasesHold(t *testing.T) {
	f := newFixture()
	tr, secret, err := f.svc.Create(context.Background(), CreateInput{
		InitiatorID:      f.initiator,
		CounterpartyID:   f.counterparty,
		Skill:            "chess",
		DurationMins:     30,
		CreditsProposed:  40,
		InitiatorRole:    models.TradeRoleLearned,
		CounterpartyRole: models.TradeRoleTaught,
		VerifyMethod:     models.VerifyMethodPIN,
		TTL:              time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	later := time.Now().Add(time.Minute)

	n, err := f.svc.ExpireStale(ctx, later)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	stored := f.trades.trades[tr.ID]
	if stored.Status != models.TradeStatusExpired {
		t.Fatalf("status = %q, want expired", stored.Status)
	}
	if f.escrow.releases[tr.HoldID] != models.HoldStatusExpired {
		t.Fatal("hold not released with status expired")
	}
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, secret, stored.Version); !errors.Is(err, ErrTradeExpired) {
		t.Fatalf("confirm after expiry err = %v, want ErrTradeExpired", err)
	}

	// A second sweep is a no-op.
	n, err = f.svc.ExpireStale(ctx, later)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = (%d, %v), want (0, nil)", n, err)
	}
}

func TestQRConfirmConsumesToken(t *testing.T) {
	f := newFixture()
	tr, token := f.create(t, 100, models.VerifyMethodQR)
	ctx := context.Background()

	got, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, token, tr.Version)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !f.trades.trades[tr.ID].Consumed {
		t.Fatal("QR token not marked consumed on settlement")
	}
	if _, err := f.svc.Confirm(ctx, tr.ID, f.counterparty, token, got.Version); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("replay err = %v, want ErrAlreadySettled", err)
	}
}
