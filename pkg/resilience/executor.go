package resilience

import (
	"context"
	"sync"
)

// Executor composes a breaker around a retry loop for one target. The
// breaker gates every attempt, so attempts spent inside a single Do
// call still count toward tripping it, and a breaker that opens mid
// loop aborts the remaining attempts.
type Executor struct {
	breaker   *Breaker
	retry     RetryConfig
	retryable Retryable
}

// NewExecutor builds an executor for the named target.
func NewExecutor(target string, retry RetryConfig, breaker BreakerConfig, retryable Retryable) *Executor {
	return &Executor{
		breaker:   NewBreaker(target, breaker),
		retry:     retry,
		retryable: retryable,
	}
}

// Do runs fn under the breaker and retry policy.
func (e *Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	return Retry(ctx, e.retry, e.retryable, func(ctx context.Context) error {
		if err := e.breaker.Allow(); err != nil {
			return err
		}
		err := fn(ctx)
		e.breaker.Record(err == nil)
		return err
	})
}

// Breaker exposes the executor's breaker for state inspection.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Set lazily builds one Executor per target so breaker state is shared
// by every caller hitting the same backend.
type Set struct {
	retry     RetryConfig
	breaker   BreakerConfig
	retryable Retryable

	mu        sync.Mutex
	executors map[string]*Executor
}

// NewSet builds an executor set with shared policy for all targets.
func NewSet(retry RetryConfig, breaker BreakerConfig, retryable Retryable) *Set {
	return &Set{
		retry:     retry,
		breaker:   breaker,
		retryable: retryable,
		executors: make(map[string]*Executor),
	}
}

// ForTarget returns the executor for a target, creating it on first
// use.
func (s *Set) ForTarget(target string) *Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executors[target]
	if !ok {
		ex = NewExecutor(target, s.retry, s.breaker, s.retryable)
		s.executors[target] = ex
	}
	return ex
}
