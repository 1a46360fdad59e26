// Package engine drives the provisioning request lifecycle. It owns the
// Request state machine (pending -> running -> completed /
// completed_with_error / failed), resolves templates into backend
// payloads, selects a provider strategy, invokes it through the
// resilience wrapper, and persists every transition through the
// event-sourced repositories.
//
// The engine holds no global state: it is constructed with its
// repositories, strategy registry, resolver, and policy injected. The
// reconciler in this package periodically polls backend status for
// running requests on a bounded worker pool with jittered intervals.
package engine
