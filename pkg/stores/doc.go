// Package stores persists request and machine aggregates as
// append-only event logs with materialized snapshots.
//
// Three interchangeable backends implement the Store contract: SQLite
// for durable single-node deployments, Badger for embedded key-value
// storage, and a plain JSON file tree for development and inspection.
// All three enforce the same optimistic-concurrency and event
// deduplication semantics; typed repositories in repository.go wrap a
// Store with aggregate marshaling.
package stores
