package tenant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu            sync.RWMutex
	accounts      map[string]*Account      // by ID
	slugs         map[string]string        // slug → ID
	subscriptions map[string]*Subscription // by ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]*Account),
		slugs:         make(map[string]string),
		subscriptions: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slugs[a.Slug]; exists {
		return ErrSlugTaken
	}

	m.accounts[a.ID] = copyAccount(a)
	m.slugs[a.Slug] = a.ID
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (m *MemoryStore) GetAccountBySlug(_ context.Context, slug string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugs[slug]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(m.accounts[id]), nil
}

func (m *MemoryStore) UpdateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; !ok {
		return ErrAccountNotFound
	}
	m.accounts[a.ID] = copyAccount(a)
	return nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[s.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if !s.Status.Terminal() {
		for _, existing := range m.subscriptions {
			if existing.AccountID == s.AccountID && !existing.Status.Terminal() {
				return ErrActiveSubscriptionExists
			}
		}
	}
	m.subscriptions[s.ID] = copySubscription(s)
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(s), nil
}

func (m *MemoryStore) GetSubscriptionByBillingRef(_ context.Context, ref string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	for _, s := range m.subscriptions {
		if s.BillingRef == ref {
			return copySubscription(s), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) CurrentSubscription(_ context.Context, accountID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.subscriptions {
		if s.AccountID == accountID && !s.Status.Terminal() {
			return copySubscription(s), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.subscriptions[s.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	// Reviving a cancelled subscription must not create a second active one.
	if existing.Status.Terminal() && !s.Status.Terminal() {
		for id, other := range m.subscriptions {
			if id != s.ID && other.AccountID == s.AccountID && !other.Status.Terminal() {
				return ErrActiveSubscriptionExists
			}
		}
	}
	m.subscriptions[s.ID] = copySubscription(s)
	return nil
}

func copyAccount(a *Account) *Account {
	cp := *a
	if a.DeleteAfter != nil {
		t := *a.DeleteAfter
		cp.DeleteAfter = &t
	}
	return &cp
}

func copySubscription(s *Subscription) *Subscription {
	cp := *s
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}
