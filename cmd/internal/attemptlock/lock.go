// Package attemptlock guards pairing attempts so only one runs per identifier,
// within a process (MemoryLocker) or across replicas (RedisLocker).
package attemptlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("attemptlock: held")

// Lease is an acquired lock.
type Lease interface {
	// Release gives the key back. Releasing an expired or foreign lease is a no-op.
	Release(ctx context.Context) error
}

// Locker acquires expiring, exclusive leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// newToken returns a random hex token identifying one lease holder.
func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return hex.EncodeToString(b)
}
