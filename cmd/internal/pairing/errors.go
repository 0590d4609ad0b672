package pairing

import (
	"errors"
	"fmt"
)

// Kind is the stable, caller-visible failure category.
type Kind string

const (
	KindInvalidIdentifier  Kind = "invalid_identifier"
	KindStoreUnavailable   Kind = "store_unavailable"
	KindPairingTimeout     Kind = "pairing_timeout"
	KindAuthTerminated     Kind = "auth_terminated"
	KindTransientTransport Kind = "transient_transport"
	KindAttemptInProgress  Kind = "attempt_in_progress"
	KindPairingFailed      Kind = "pairing_failed"
	KindInternal           Kind = "internal"
)

// Sentinels, one per Kind, for errors.Is.
var (
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrPairingTimeout     = errors.New("pairing timeout")
	ErrAuthTerminated     = errors.New("auth terminated")
	ErrTransientTransport = errors.New("transient transport error")
	ErrAttemptInProgress  = errors.New("attempt in progress")
	ErrPairingFailed      = errors.New("pairing failed")
	ErrInternal           = errors.New("internal error")
)

var kindSentinels = map[Kind]error{
	KindInvalidIdentifier:  ErrInvalidIdentifier,
	KindStoreUnavailable:   ErrStoreUnavailable,
	KindPairingTimeout:     ErrPairingTimeout,
	KindAuthTerminated:     ErrAuthTerminated,
	KindTransientTransport: ErrTransientTransport,
	KindAttemptInProgress:  ErrAttemptInProgress,
	KindPairingFailed:      ErrPairingFailed,
	KindInternal:           ErrInternal,
}

var kindHints = map[Kind]string{
	KindInvalidIdentifier:  "Enter the full international number without + or spaces, e.g. 15551234567 (US) or 447911123456 (UK).",
	KindStoreUnavailable:   "Session storage is unavailable. Try again shortly.",
	KindPairingTimeout:     "No pairing code was produced in time. Try again.",
	KindAuthTerminated:     "The device was logged out. Start a new pairing.",
	KindTransientTransport: "The connection to the messaging network kept dropping. Try again.",
	KindAttemptInProgress:  "A pairing for this number is already running. Finish it or wait for it to expire.",
	KindPairingFailed:      "Failed to get a pairing code. Check the number and try again.",
	KindInternal:           "Internal error.",
}

// Error is a typed orchestrator failure with a stable Op + Kind contract.
// Hint is safe to show to end users; Err is for logs and never holds secrets.
type Error struct {
	Op   string
	Kind Kind
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Hint: kindHints[kind], Err: err}
}

// KindOf returns the Kind carried by err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// HintOf returns the user-facing hint for err.
func HintOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Hint != "" {
		return pe.Hint
	}
	return kindHints[KindOf(err)]
}
