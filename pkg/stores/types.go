package stores

import (
	"context"
	"errors"
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
)

// ErrNotFound is returned when no snapshot exists for an aggregate.
var ErrNotFound = errors.New("aggregate not found")

// ErrConcurrencyConflict is returned when an append's expected version
// does not match the stored version. Callers reload and reapply.
var ErrConcurrencyConflict = errors.New("concurrent modification detected")

// Snapshot is the persisted current state of one aggregate, maintained
// alongside its event log so reads do not replay history.
type Snapshot struct {
	AggregateID string
	Kind        domain.AggregateKind
	Version     int64
	State       []byte
	UpdatedAt   time.Time
}

// Store is the event-sourced persistence contract. Events for one
// aggregate form an append-only, gap-free sequence; the snapshot row
// carries the folded state and the version used for optimistic
// concurrency.
//
// AppendEvents is atomic: either all fresh events and the snapshot
// land, or nothing does. Events whose IDs are already recorded for the
// aggregate are skipped without error and do not advance the version,
// which makes redelivered commands idempotent. The returned version is
// expectedVersion plus the number of events actually inserted.
type Store interface {
	AppendEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string, expectedVersion int64, events []domain.Event, snapshot []byte) (int64, error)

	// LoadSnapshot returns the snapshot for one aggregate, or
	// ErrNotFound.
	LoadSnapshot(ctx context.Context, kind domain.AggregateKind, aggregateID string) (*Snapshot, error)

	// LoadEvents returns an aggregate's events ordered by sequence.
	LoadEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string) ([]domain.Event, error)

	// ListSnapshots returns every snapshot of a kind, in no particular
	// order.
	ListSnapshots(ctx context.Context, kind domain.AggregateKind) ([]*Snapshot, error)

	// Purge removes an aggregate's snapshot and events. Missing
	// aggregates return ErrNotFound.
	Purge(ctx context.Context, kind domain.AggregateKind, aggregateID string) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}
