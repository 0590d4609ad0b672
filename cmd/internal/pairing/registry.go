package pairing

import "sync"

const recentAttempts = 256

// registry tracks running attempts (one per identifier) and remembers recently
// finished ones so callers can poll their outcome.
type registry struct {
	mu       sync.Mutex
	active   map[string]*Attempt // by identifier
	byID     map[string]*Attempt
	finished []string // attempt ids, oldest first
}

func newRegistry() *registry {
	return &registry{
		active: make(map[string]*Attempt),
		byID:   make(map[string]*Attempt),
	}
}

// add registers a as the active attempt for its identifier.
func (r *registry) add(a *Attempt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[a.Identifier]; busy {
		return false
	}
	r.active[a.Identifier] = a
	r.byID[a.ID] = a
	return true
}

// retire moves a from active to the recent list.
func (r *registry) retire(a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[a.Identifier]; ok && cur == a {
		delete(r.active, a.Identifier)
	}
	r.finished = append(r.finished, a.ID)
	for len(r.finished) > recentAttempts {
		delete(r.byID, r.finished[0])
		r.finished = r.finished[1:]
	}
}

func (r *registry) activeFor(identifier string) *Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[identifier]
}

func (r *registry) lookup(id string) *Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
