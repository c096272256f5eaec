package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a2a-settlement/exchange/internal/idgen"
)

// MemoryStore is an in-memory Store used for tests and the non-Postgres
// run mode. WithTx serializes all ledger operations behind one mutex: the
// in-memory mode favors simplicity and correctness over the concurrency
// Postgres row-locks provide, since it only ever backs a single process.
// A failed WithTx call restores balances, escrows and transactions; account
// fields written through the bridge are kept.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]*Balance
	escrows      map[string]*Escrow
	transactions []*Transaction
	bridge       AccountBridge
}

func NewMemoryStore(bridge AccountBridge) *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		escrows:  make(map[string]*Escrow),
		bridge:   bridge,
	}
}

// FreezeAccountIndependently writes directly through the account bridge,
// bypassing the ledger's own mutex-guarded transaction so the freeze is
// visible even if the caller's enclosing operation later fails.
func (m *MemoryStore) FreezeAccountIndependently(ctx context.Context, accountID string, until time.Time) error {
	snap, err := m.bridge.GetAccountSnapshot(accountID)
	if err != nil {
		return err
	}
	u := until
	return m.bridge.SetAccountLedgerFields(accountID, snap.Reputation, &u)
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// memTx stores fresh copies instead of mutating entries, so shallow map
	// copies are enough to restore the state on failure.
	balances := make(map[string]*Balance, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	escrows := make(map[string]*Escrow, len(m.escrows))
	for k, v := range m.escrows {
		escrows[k] = v
	}
	txCount := len(m.transactions)
	if err := fn(ctx, &memTx{s: m}); err != nil {
		m.balances, m.escrows, m.transactions = balances, escrows, m.transactions[:txCount]
		return err
	}
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[accountID]
	if !ok {
		return &Balance{AccountID: accountID}, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, accountID string, limit int, cursor string) ([]*Transaction, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Transaction
	for _, t := range m.transactions {
		if t.AccountID == accountID {
			cp := *t
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := 0
	if cursor != "" {
		for i, t := range all {
			if t.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, "", nil
	}
	end := start + limit
	next := ""
	if end < len(all) {
		next = all[end-1].ID
	} else {
		end = len(all)
	}
	return all[start:end], next, nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListEscrows(ctx context.Context, accountID string, status Status, limit int, cursor string) ([]*Escrow, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Escrow
	for _, e := range m.escrows {
		if accountID != "" && e.RequesterID != accountID && e.ProviderID != accountID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := 0
	if cursor != "" {
		for i, e := range all {
			if e.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, "", nil
	}
	end := start + limit
	next := ""
	if end < len(all) {
		next = all[end-1].ID
	} else {
		end = len(all)
	}
	return all[start:end], next, nil
}

// memTx implements Tx against MemoryStore's maps. It assumes the caller
// holds m.mu for the duration of the enclosing WithTx call.
type memTx struct {
	s *MemoryStore
}

func (tx *memTx) LockBalance(ctx context.Context, accountID string) (*Balance, error) {
	b, ok := tx.s.balances[accountID]
	if !ok {
		b = &Balance{AccountID: accountID, UpdatedAt: time.Now().UTC()}
		tx.s.balances[accountID] = b
	}
	cp := *b
	return &cp, nil
}

func (tx *memTx) SaveBalance(ctx context.Context, b *Balance) error {
	cp := *b
	cp.UpdatedAt = time.Now().UTC()
	tx.s.balances[b.AccountID] = &cp
	return nil
}

func (tx *memTx) LockAccount(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	return tx.s.bridge.GetAccountSnapshot(accountID)
}

func (tx *memTx) SaveAccountLedgerFields(ctx context.Context, accountID string, reputation float64, frozenUntil *OptionalTime) error {
	var fu *time.Time
	if frozenUntil != nil && frozenUntil.Set {
		fu = frozenUntil.Value
	} else if existing, err := tx.s.bridge.GetAccountSnapshot(accountID); err == nil {
		fu = existing.FrozenUntil
	}
	return tx.s.bridge.SetAccountLedgerFields(accountID, reputation, fu)
}

func (tx *memTx) InsertEscrow(ctx context.Context, e *Escrow) error {
	cp := *e
	tx.s.escrows[e.ID] = &cp
	return nil
}

func (tx *memTx) GetEscrowForUpdate(ctx context.Context, id string) (*Escrow, error) {
	e, ok := tx.s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (tx *memTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	if _, ok := tx.s.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	tx.s.escrows[e.ID] = &cp
	return nil
}

func (tx *memTx) FindOpenEscrowForTask(ctx context.Context, requesterID, providerID, taskID string) (*Escrow, error) {
	if taskID == "" {
		return nil, nil
	}
	for _, e := range tx.s.escrows {
		if e.Status == StatusHeld && e.RequesterID == requesterID && e.ProviderID == providerID && e.TaskID == taskID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memTx) ListHeldEscrowsWithDependencies(ctx context.Context) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range tx.s.escrows {
		if e.Status == StatusHeld && len(e.DependsOn) > 0 {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (tx *memTx) ListExpiredHeld(ctx context.Context, asOf time.Time) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range tx.s.escrows {
		if e.Status == StatusHeld && !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(asOf) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (tx *memTx) ListExpiredDisputes(ctx context.Context, asOf time.Time) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range tx.s.escrows {
		if e.Status == StatusDisputed && e.DisputeExpiresAt != nil && e.DisputeExpiresAt.Before(asOf) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (tx *memTx) ListExpiringSoon(ctx context.Context, from, to time.Time) ([]*Escrow, error) {
	var out []*Escrow
	for _, e := range tx.s.escrows {
		if e.Status == StatusHeld && e.WarningSentAt == nil && e.ExpiresAt.After(from) && e.ExpiresAt.Before(to) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, t *Transaction) error {
	if t.ID == "" {
		t.ID = idgen.New()
	}
	cp := *t
	tx.s.transactions = append(tx.s.transactions, &cp)
	return nil
}

func (tx *memTx) SumTransactionsSince(ctx context.Context, accountID string, types []TransactionType, since time.Time) (int64, error) {
	want := make(map[TransactionType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var sum int64
	for _, t := range tx.s.transactions {
		if t.AccountID == accountID && want[t.Type] && t.CreatedAt.After(since) {
			sum += t.Amount
		}
	}
	return sum, nil
}

// NetworkStats satisfies StatsStore.
func (m *MemoryStore) NetworkStats(ctx context.Context) (*NetworkStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &NetworkStats{}
	for _, e := range m.escrows {
		stats.TotalEscrows++
		stats.TotalVolume += e.Amount
		stats.TotalFeesEarned += e.FeeAmount
		switch e.Status {
		case StatusHeld:
			stats.HeldEscrows++
		case StatusReleased:
			stats.ReleasedEscrows++
		case StatusRefunded:
			stats.RefundedEscrows++
		case StatusDisputed:
			stats.DisputedEscrows++
		case StatusExpired:
			stats.ExpiredEscrows++
		}
	}
	return stats, nil
}
