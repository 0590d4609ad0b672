package pairing

import (
	"fmt"
	"time"
)

// BackoffMode selects how reconnect delays grow.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// ReconnectPolicy bounds reconnects after transient disconnects.
// It is immutable after construction.
type ReconnectPolicy struct {
	Mode       BackoffMode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // reconnects allowed after the first connection
}

// DefaultReconnectPolicy returns exponential backoff from 1s capped at 10s, 3 reconnects.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Mode: BackoffExponential, Initial: time.Second, Max: 10 * time.Second, MaxRetries: 3}
}

// NewReconnectPolicy builds a policy from raw config; zero or invalid values fall back to defaults.
func NewReconnectPolicy(mode BackoffMode, initial, maxDelay time.Duration, maxRetries int) ReconnectPolicy {
	p := DefaultReconnectPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	switch mode {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the wait before the n-th reconnect (1-based).
func (p ReconnectPolicy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	switch p.Mode {
	case BackoffFixed:
		return p.Initial
	case BackoffLinear:
		d := time.Duration(n) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	default:
		if n > 30 {
			return p.Max
		}
		d := p.Initial * (1 << (n - 1))
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures the policy can be applied.
func (p ReconnectPolicy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("reconnect initial delay must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("reconnect max delay must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("reconnect max retries cannot be negative")
	}
	return nil
}
