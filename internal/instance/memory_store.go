package instance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tenantfleet/internal/idgen"
	"github.com/mbd888/tenantfleet/internal/pagination"
)

// MemoryStore is an in-memory instance store for demo/development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*Instance
	transitions map[string][]*Transition // by instance ID, append order
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]*Instance),
		transitions: make(map[string][]*Transition),
		now:         time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, inst *Instance) error {
	if inst.Status != StatusRequested {
		return ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.instances {
		if existing.SubscriptionID == inst.SubscriptionID && existing.Occupies() {
			return ErrActiveInstanceExists
		}
	}

	now := m.now().UTC()
	cp := inst.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	cp.Version = 1
	m.instances[cp.ID] = cp
	m.transitions[cp.ID] = []*Transition{{
		ID:         idgen.WithPrefix(idgen.PrefixTransition),
		InstanceID: cp.ID,
		To:         StatusRequested,
		Action:     ActionProvision,
		CreatedAt:  cp.CreatedAt,
	}}

	inst.CreatedAt = cp.CreatedAt
	inst.UpdatedAt = cp.UpdatedAt
	inst.Version = cp.Version
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, expected Status, change Change) (*Instance, error) {
	if !change.To.Valid() {
		return nil, ErrInvalidStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inst.Status != expected {
		return nil, ErrConflict
	}
	if change.ExpectedVersion > 0 && inst.Version != change.ExpectedVersion {
		return nil, ErrConflict
	}

	next, tr := change.Apply(inst, m.now().UTC())
	if next.Occupies() && !inst.Occupies() {
		for otherID, other := range m.instances {
			if otherID != id && other.SubscriptionID == next.SubscriptionID && other.Occupies() {
				return nil, ErrActiveInstanceExists
			}
		}
	}
	tr.ID = idgen.WithPrefix(idgen.PrefixTransition)

	m.instances[id] = next
	m.transitions[id] = append(m.transitions[id], tr)
	return next.Clone(), nil
}

func (m *MemoryStore) ListActiveForSubscription(_ context.Context, subscriptionID string) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Instance
	for _, inst := range m.instances {
		if inst.SubscriptionID == subscriptionID && inst.Occupies() {
			result = append(result, inst.Clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, id string) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.instances[id]; !ok {
		return nil, ErrNotFound
	}
	src := m.transitions[id]
	result := make([]*Transition, len(src))
	for i, tr := range src {
		cp := *tr
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) ListInFlight(_ context.Context, olderThan time.Time, limit int) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Instance
	for _, inst := range m.instances {
		if inst.Status.InFlight() && inst.UpdatedAt.Before(olderThan) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter, cursor *pagination.Cursor, limit int) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Instance
	for _, inst := range m.instances {
		if !filter.matches(inst) {
			continue
		}
		if !cursor.After(inst.CreatedAt, inst.ID) {
			continue
		}
		result = append(result, inst.Clone())
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(list []*Instance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
