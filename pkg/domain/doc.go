// Package domain defines the aggregates managed by the provisioning
// engine: Templates, Requests, and Machines, together with the domain
// events that record every state transition.
//
// Aggregates follow a two-phase event-sourcing discipline: command
// methods are pure and only propose events (Propose*), while Apply folds
// a single event into the aggregate state. The current state of an
// aggregate is always the left-fold of its event log.
package domain
