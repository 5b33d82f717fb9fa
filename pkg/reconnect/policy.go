// Package reconnect decides when and how often a lost session is redialled.
package reconnect

import (
	"errors"
	"time"
)

// Defaults for Policy.
const (
	DefaultBase = time.Second
	DefaultMax  = 30 * time.Second
)

var ErrInvalidPolicy = errors.New("reconnect: base must be positive and max >= base")

// Policy is an exponential backoff schedule.
type Policy struct {
	Base time.Duration
	Max  time.Duration

	// MaxAttempts bounds consecutive failed attempts. Zero retries forever.
	MaxAttempts int
}

// DefaultPolicy returns 1s doubling to 30s, unlimited attempts.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if p.Base <= 0 || p.Max < p.Base || p.MaxAttempts < 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Delay returns the wait before attempt n (1-based): Base*2^(n-1), capped at Max.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether attempt n exceeds the budget.
func (p Policy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n > p.MaxAttempts
}
