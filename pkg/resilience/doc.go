// Package resilience wraps calls to external backends with bounded
// exponential-backoff retries and a per-target circuit breaker.
//
// The package is deliberately free of domain knowledge: callers inject
// a classifier telling the retry loop which errors are worth another
// attempt, and the breaker counts raw call outcomes. Composition order
// is fixed: the breaker sits outside the retry loop, every individual
// attempt is recorded against the breaker, and an open breaker rejects
// calls immediately without consuming retry budget.
package resilience
