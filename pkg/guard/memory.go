package guard

import (
	"context"
	"sync"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/idgen"
)

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]string)}
}

// TryLock implements Locker.
func (m *MemoryLocker) TryLock(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.holders[key]; held {
		return "", false, nil
	}
	token := idgen.NewID()
	m.holders[key] = token
	return token, true, nil
}

// Unlock implements Locker.
func (m *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holders[key] != token || token == "" {
		return domain.NewError(domain.KindConcurrency, domain.CodeLockNotHeld,
			"lock on %s is not held by this writer", key)
	}
	delete(m.holders, key)
	return nil
}
