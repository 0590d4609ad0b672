package attemptlock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryHold),
		clock: time.Now,
	}
}

// Acquire implements Locker. A non-positive ttl never expires.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, ErrHeld
	}
	h := memoryHold{token: newToken()}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	l.held[key] = h
	return &memoryLease{l: l, key: key, token: h.token}, nil
}

// Held reports whether key is currently held.
func (l *MemoryLocker) Held(key string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[key]
	return ok && (h.expires.IsZero() || now.Before(h.expires))
}

type memoryLease struct {
	l     *MemoryLocker
	key   string
	token string
}

func (m *memoryLease) Release(context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if h, ok := m.l.held[m.key]; ok && h.token == m.token {
		delete(m.l.held, m.key)
	}
	return nil
}
