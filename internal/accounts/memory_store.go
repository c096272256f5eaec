package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a2a-settlement/exchange/internal/ledger"
)

// MemoryStore is an in-memory Store used for tests and the non-Postgres
// run mode.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*Account
	byBotName map[string]string
	webhooks  map[string]*WebhookConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*Account),
		byBotName: make(map[string]string),
		webhooks:  make(map[string]*WebhookConfig),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byBotName[a.BotName]; ok {
		return ErrDuplicateBotName
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.byBotName[a.BotName] = a.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByBotName(ctx context.Context, botName string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byBotName[botName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, skillTag string, status Status, limit int, cursor string) ([]*Account, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Account
	for _, a := range m.accounts {
		if status != "" && a.Status != status {
			continue
		}
		if skillTag != "" && !hasTag(a.SkillTags, skillTag) {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := 0
	if cursor != "" {
		for i, a := range all {
			if a.ID == cursor {
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

func (m *MemoryStore) ListActiveWithKeyHash(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Account
	for _, a := range m.accounts {
		if a.Status == StatusSuspended {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SetWebhook(ctx context.Context, wc *WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wc
	m.webhooks[wc.AccountID] = &cp
	return nil
}

func (m *MemoryStore) GetWebhook(ctx context.Context, accountID string) (*WebhookConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wc, ok := m.webhooks[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wc
	return &cp, nil
}

func (m *MemoryStore) DeleteWebhook(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, accountID)
	return nil
}

func (m *MemoryStore) WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*WebhookConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		want[id] = true
	}
	var out []*WebhookConfig
	for _, wc := range m.webhooks {
		if !wc.Active || !want[wc.AccountID] {
			continue
		}
		for _, e := range wc.Events {
			if e == event {
				cp := *wc
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// GetAccountSnapshot and SetAccountLedgerFields satisfy ledger.AccountBridge,
// letting the in-memory ledger store read and mutate the status,
// reputation, spend-limit, and freeze fields that live on this store's
// Account records.
func (m *MemoryStore) GetAccountSnapshot(accountID string) (*ledger.AccountSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ledger.AccountSnapshot{
		ID:              a.ID,
		Status:          string(a.Status),
		Reputation:      a.Reputation,
		DailySpendLimit: a.DailySpendLimit,
		FrozenUntil:     a.FrozenUntil,
	}, nil
}

func (m *MemoryStore) SetAccountLedgerFields(accountID string, reputation float64, frozenUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.Reputation = reputation
	a.FrozenUntil = frozenUntil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Stats satisfies StatsStore.
func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{}
	for _, a := range m.accounts {
		stats.TotalAccounts++
		switch a.Status {
		case StatusActive:
			stats.ActiveAccounts++
		case StatusSuspended:
			stats.SuspendedAccounts++
		}
	}
	return stats, nil
}
