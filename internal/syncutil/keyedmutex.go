// Package syncutil provides keyed locking helpers.
package syncutil

import "sync"

// KeyedMutex serialises work per key (an instance id) while letting
// different keys proceed in parallel. Locking never waits: a caller that
// finds a key held is expected to queue its work elsewhere. Entries are
// dropped on unlock, so memory tracks the number of busy keys.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// TryLock takes key without waiting. ok is false when it is held. The
// returned unlock is safe to call more than once.
func (m *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true
}

// Len returns the number of keys currently held.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
