package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeAccountBridge backs MemoryStore's AccountBridge for tests; every
// account starts active with reputation 0.5 and no freeze.
type fakeAccountBridge struct {
	mu    sync.Mutex
	accts map[string]*AccountSnapshot
}

func newFakeAccountBridge() *fakeAccountBridge {
	return &fakeAccountBridge{accts: make(map[string]*AccountSnapshot)}
}

func (b *fakeAccountBridge) ensure(id string) *AccountSnapshot {
	a, ok := b.accts[id]
	if !ok {
		a = &AccountSnapshot{ID: id, Status: "active", Reputation: 0.5}
		b.accts[id] = a
	}
	return a
}

func (b *fakeAccountBridge) GetAccountSnapshot(accountID string) (*AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *b.ensure(accountID)
	return &cp, nil
}

func (b *fakeAccountBridge) SetAccountLedgerFields(accountID string, reputation float64, frozenUntil *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.ensure(accountID)
	a.Reputation = reputation
	a.FrozenUntil = frozenUntil
	return nil
}

// allActiveProviders treats every provider as active; tests that need an
// inactive provider construct their own ProviderLookup.
type allActiveProviders struct{}

func (allActiveProviders) IsActiveProvider(ctx context.Context, accountID string) (bool, error) {
	return true, nil
}

type noopEmitter struct{}

func (noopEmitter) Emit(ctx context.Context, eventType string, accountIDs []string, data map[string]any) {
}

func newTestService(bridge *fakeAccountBridge) (*Service, *MemoryStore) {
	store := NewMemoryStore(bridge)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	feeCfg := FeeConfig{FeePercent: decimal.NewFromInt(5), MinFee: 1}
	limits := Limits{
		MinEscrow:           10,
		MaxEscrow:           1_000_000,
		DefaultTTL:          time.Hour,
		DisputeTTL:          24 * time.Hour,
		ExpiryWarningWindow: 10 * time.Minute,
		SpendingWindowHours: 24,
		HourlyVelocityLimit: 1_000_000,
		SpendFreezeMinutes:  60,
	}
	return NewService(store, feeCfg, limits, noopEmitter{}, nil, logger), store
}

func TestDepositAndCreateEscrow(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()

	bal, err := svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")
	require.NoError(t, err)
	require.Equal(t, int64(1000), bal.Available)

	escrow, err := svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1",
		ProviderID:  "provider-1",
		Amount:      200,
		TaskID:      "task-1",
	}, allActiveProviders{})
	require.NoError(t, err)
	require.Equal(t, StatusHeld, escrow.Status)
	require.Equal(t, int64(10), escrow.FeeAmount) // ceil(200*5/100) = 10

	requesterBal, err := svc.Balance(ctx, "requester-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000-200-10), requesterBal.Available)
	require.Equal(t, int64(200+10), requesterBal.HeldInEscrow)
}

func TestCreateEscrowInsufficientFunds(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "requester-1", 50, TxDeposit, "seed")
	require.NoError(t, err)

	_, err = svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1",
		ProviderID:  "provider-1",
		Amount:      100,
	}, allActiveProviders{})
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCreateEscrowRejectsInactiveProvider(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()
	_, _ = svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")

	_, err := svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1",
		ProviderID:  "provider-1",
		Amount:      100,
	}, inactiveProvider{})
	require.ErrorIs(t, err, ErrInactiveProvider)
}

type inactiveProvider struct{}

func (inactiveProvider) IsActiveProvider(ctx context.Context, accountID string) (bool, error) {
	return false, nil
}

func TestCreateEscrowDuplicateTaskConflict(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()
	_, _ = svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")

	in := CreateEscrowInput{RequesterID: "requester-1", ProviderID: "provider-1", Amount: 100, TaskID: "dup-task"}
	_, err := svc.CreateEscrow(ctx, in, allActiveProviders{})
	require.NoError(t, err)

	_, err = svc.CreateEscrow(ctx, in, allActiveProviders{})
	require.ErrorIs(t, err, ErrTaskConflict)
}

func TestReleaseMovesFundsAndRaisesReputation(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()
	_, _ = svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")

	escrow, err := svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1", ProviderID: "provider-1", Amount: 200,
	}, allActiveProviders{})
	require.NoError(t, err)

	released, err := svc.Release(ctx, escrow.ID, "requester-1")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)

	providerBal, err := svc.Balance(ctx, "provider-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), providerBal.Available)

	snap, err := bridge.GetAccountSnapshot("provider-1")
	require.NoError(t, err)
	require.InDelta(t, 0.9*0.5+0.1*1.0, snap.Reputation, 1e-9)
}

func TestReleaseRejectsNonParty(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()
	_, _ = svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")

	escrow, err := svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1", ProviderID: "provider-1", Amount: 200,
	}, allActiveProviders{})
	require.NoError(t, err)

	_, err = svc.Release(ctx, escrow.ID, "stranger")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestRefundCascadesToDependents(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()
	_, _ = svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")

	base, err := svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1", ProviderID: "provider-1", Amount: 100, TaskID: "base",
	}, allActiveProviders{})
	require.NoError(t, err)

	// dependent can only be created once base is released, so force it into
	// held state directly through the store to exercise the cascade path.
	dependent := &Escrow{
		ID: "dep-1", RequesterID: "requester-1", ProviderID: "provider-1",
		Amount: 50, Status: StatusHeld, DependsOn: []string{base.ID},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	err = svc.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertEscrow(ctx, dependent)
	})
	require.NoError(t, err)

	refunded, err := svc.Refund(ctx, base.ID, "requester-1", "cancelled")
	require.NoError(t, err)
	require.Len(t, refunded, 2)

	dep, err := svc.GetEscrow(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, dep.Status)
}

func TestDisputeThenResolveRelease(t *testing.T) {
	bridge := newFakeAccountBridge()
	svc, _ := newTestService(bridge)
	ctx := context.Background()
	_, _ = svc.Deposit(ctx, "requester-1", 1000, TxDeposit, "seed")

	escrow, err := svc.CreateEscrow(ctx, CreateEscrowInput{
		RequesterID: "requester-1", ProviderID: "provider-1", Amount: 300,
	}, allActiveProviders{})
	require.NoError(t, err)

	disputed, err := svc.Dispute(ctx, escrow.ID, "requester-1", "no deliverable")
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, disputed.Status)
	require.NotNil(t, disputed.DisputeExpiresAt)

	resolved, err := svc.Resolve(ctx, escrow.ID, "release", "provider delivered after mediation")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, resolved.Status)

	providerBal, err := svc.Balance(ctx, "provider-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), providerBal.Available)
}

func TestEffectiveFeePercent(t *testing.T) {
	e := &Escrow{Amount: 200, FeeAmount: 10}
	require.InDelta(t, 5.0, e.EffectiveFeePercent(), 1e-9)

	zero := &Escrow{Amount: 0, FeeAmount: 0}
	require.Equal(t, 0.0, zero.EffectiveFeePercent())
}
