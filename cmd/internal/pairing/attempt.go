package pairing

import (
	"fmt"
	"sync"
	"time"
)

// Attempt is one end-to-end pairing run for an identifier. It is owned by the
// orchestrator and discarded once terminal and evicted from the recent list.
type Attempt struct {
	ID         string
	Identifier string
	Started    time.Time

	mu         sync.Mutex
	state      State
	history    []State
	reconnects int
	persisted  int
	persistErr int
	err        *Error
	finished   time.Time

	done chan struct{}
}

func newAttempt(id, identifier string, now time.Time) *Attempt {
	return &Attempt{
		ID:         id,
		Identifier: identifier,
		Started:    now,
		state:      StateValidating,
		history:    []State{StateValidating},
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the attempt reaches a terminal state and released its resources.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// transition moves to "to" and returns the previous state.
func (a *Attempt) transition(to State) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	from := a.state
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	a.state = to
	a.history = append(a.history, to)
	return from, nil
}

func (a *Attempt) setErr(e *Error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = e
	}
	a.mu.Unlock()
}

func (a *Attempt) countReconnect() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnects++
	return a.reconnects
}

func (a *Attempt) reconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnects
}

func (a *Attempt) countPersist(ok bool) {
	a.mu.Lock()
	if ok {
		a.persisted++
	} else {
		a.persistErr++
	}
	a.mu.Unlock()
}

func (a *Attempt) finish(now time.Time) {
	a.mu.Lock()
	a.finished = now
	a.mu.Unlock()
	close(a.done)
}

// Snapshot is a point-in-time copy of an Attempt.
type Snapshot struct {
	ID            string     `json:"attempt_id"`
	Identifier    string     `json:"identifier"`
	State         State      `json:"state"`
	History       []State    `json:"history"`
	Reconnects    int        `json:"reconnects"`
	Persisted     int        `json:"persisted"`
	PersistErrors int        `json:"persist_errors"`
	Started       time.Time  `json:"started_at"`
	Finished      *time.Time `json:"finished_at,omitempty"`
	ErrorKind     Kind       `json:"error_kind,omitempty"`
	Hint          string     `json:"hint,omitempty"`
}

// Snapshot copies the attempt's observable state.
func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		ID:            a.ID,
		Identifier:    a.Identifier,
		State:         a.state,
		History:       append([]State(nil), a.history...),
		Reconnects:    a.reconnects,
		Persisted:     a.persisted,
		PersistErrors: a.persistErr,
		Started:       a.Started,
	}
	if !a.finished.IsZero() {
		f := a.finished
		s.Finished = &f
	}
	if a.err != nil {
		s.ErrorKind = a.err.Kind
		s.Hint = a.err.Hint
	}
	return s
}
