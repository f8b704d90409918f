package concurrency

import "sync"

// KeyedLockManager serializes processing per key. TryAcquire never blocks:
// a second caller for an already held key is rejected, not queued.
type KeyedLockManager struct {
	held map[string]bool
	mu   sync.Mutex
}

func NewKeyedLockManager() *KeyedLockManager {
	return &KeyedLockManager{
		held: make(map[string]bool),
	}
}

// TryAcquire takes the lock for key if it is free. Returns false when the
// key is already held by another caller.
func (m *KeyedLockManager) TryAcquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false
	}
	m.held[key] = true
	return true
}

// Release frees the lock for key. Releasing an unheld key is a no-op.
func (m *KeyedLockManager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
}

// IsHeld reports whether key is currently locked.
func (m *KeyedLockManager) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}
