// Package backoff maps retry attempts to wait durations.
package backoff

import (
	"fmt"
	"time"
)

const (
	DefaultBase        = time.Second
	DefaultFactor      = 2.0
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Policy is an exponential backoff schedule bounded by MaxAttempts.
// The zero value is not usable; use Default or fill every field and call Validate.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// Default returns the policy used when nothing is configured: 1s, 2s, 4s over three attempts.
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Factor:      DefaultFactor,
		Max:         DefaultMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks that Delay is strictly increasing for every attempt up to MaxAttempts.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}

	if p.Base <= 0 {
		return fmt.Errorf("base delay must be positive, got %s", p.Base)
	}

	if p.Factor <= 1 {
		return fmt.Errorf("factor must be greater than 1, got %v", p.Factor)
	}

	if last := p.raw(p.MaxAttempts); p.Max > 0 && last > p.Max {
		return fmt.Errorf("max delay %s caps attempt %d (%s), delays would stop increasing", p.Max, p.MaxAttempts, last)
	}

	return nil
}

// Delay returns the wait before retry number attempt. Attempts below 1 count as 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.raw(attempt)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}

	return d
}

// Exhausted reports whether failures has used up every allowed attempt.
func (p Policy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

func (p Policy) raw(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}

	return time.Duration(d)
}
