package resilience

import (
	"context"
	"math/rand"
	"time"
)

// Retryable decides whether an attempt error justifies another attempt.
type Retryable func(error) bool

// RetryConfig tunes the exponential backoff loop.
type RetryConfig struct {
	// MaxAttempts bounds the total number of attempts, including the
	// first. Values below 1 are treated as 1.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay after each failed attempt. Values at
	// or below 1 disable growth.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter adds up to the given fraction of the computed delay as
	// random slack (0 disables, 0.2 means up to +20%).
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryConfig matches the tuning used for backend calls when the
// operator configures nothing.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

func (c RetryConfig) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) delayFor(attempt int) time.Duration {
	d := c.InitialDelay
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Float64() * c.Jitter * float64(d))
	}
	return d
}

// Retry runs fn until it succeeds, the attempt budget is spent, an
// error is classified non-retryable, or the context ends. The last
// attempt's error is returned unwrapped so callers keep their error
// classification.
func Retry(ctx context.Context, cfg RetryConfig, retryable Retryable, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= cfg.attempts(); attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == cfg.attempts() {
			break
		}
		timer := time.NewTimer(cfg.delayFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
