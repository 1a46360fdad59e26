package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState int

const (
	// StateClosed passes all calls through and counts failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CircuitOpenError is returned when a call is rejected because the
// breaker for the target is open.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Target, e.RetryAfter.Round(time.Millisecond))
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before
	// admitting half-open probes.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// HalfOpenMaxCalls bounds concurrent probes in the half-open state.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// DefaultBreakerConfig matches the defaults applied when the operator
// configures nothing for a backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker is a consecutive-failure circuit breaker for one target.
type Breaker struct {
	target string
	cfg    BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	halfCalls     int
	halfSuccesses int
}

// NewBreaker builds a closed breaker for the named target. A zero
// threshold or timeout falls back to the defaults.
func NewBreaker(target string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return &Breaker{target: target, cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed, transitioning open to
// half-open once the recovery timeout has elapsed. Rejections return a
// *CircuitOpenError.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		wait := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
		if wait > 0 {
			return &CircuitOpenError{Target: b.target, RetryAfter: wait}
		}
		b.state = StateHalfOpen
		b.halfCalls = 0
		b.halfSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if b.halfCalls >= b.cfg.HalfOpenMaxCalls {
			return &CircuitOpenError{Target: b.target, RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.halfCalls++
		return nil
	default:
		return nil
	}
}

// Record feeds one call outcome into the breaker. The breaker closes
// only once every admitted half-open probe has succeeded; any probe
// failure reopens it and restarts the recovery timeout. In the closed
// state, FailureThreshold consecutive failures trip it open.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		if success {
			b.halfSuccesses++
			if b.halfSuccesses >= b.cfg.HalfOpenMaxCalls {
				b.state = StateClosed
				b.failures = 0
			}
		} else {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateOpen:
		// A failure observed after the breaker tripped (a racing call
		// finishing late) keeps it open; timing restarts on record so
		// a flapping backend does not half-open early.
		if !success {
			b.openedAt = b.now()
		}
	}
}

// State returns the current state, promoting an expired open state to
// half-open the way Allow would.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}
