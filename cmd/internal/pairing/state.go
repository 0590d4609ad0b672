package pairing

import (
	"errors"
	"fmt"
)

// State is a pairing attempt's position in the lifecycle.
type State uint8

const (
	StateValidating State = iota
	StateResumingOrFresh
	StateConnecting
	StateAwaitingCode
	StateOpen
	StateReconnecting

	// Terminal states.
	StateClosedExisting
	StateClosedLinked
	StateClosedLoggedOut
	StateClosedFailed
)

var stateNames = [...]string{
	StateValidating:      "VALIDATING",
	StateResumingOrFresh: "RESUMING_OR_FRESH",
	StateConnecting:      "CONNECTING",
	StateAwaitingCode:    "AWAITING_CODE",
	StateOpen:            "OPEN",
	StateReconnecting:    "RECONNECTING",
	StateClosedExisting:  "CLOSED_EXISTING",
	StateClosedLinked:    "CLOSED_LINKED",
	StateClosedLoggedOut: "CLOSED_LOGGED_OUT",
	StateClosedFailed:    "CLOSED_FAILED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s >= StateClosedExisting }

// transitions lists the allowed successors of every non-terminal state.
var transitions = map[State][]State{
	StateValidating:      {StateResumingOrFresh, StateClosedFailed},
	StateResumingOrFresh: {StateConnecting, StateClosedExisting, StateClosedFailed},
	StateConnecting:      {StateAwaitingCode, StateOpen, StateReconnecting, StateClosedLoggedOut, StateClosedFailed},
	StateAwaitingCode:    {StateOpen, StateReconnecting, StateClosedLoggedOut, StateClosedFailed},
	StateOpen:            {StateClosedLinked, StateClosedFailed},
	StateReconnecting:    {StateConnecting, StateClosedFailed},
}

// ErrIllegalTransition is returned for a transition the table does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
