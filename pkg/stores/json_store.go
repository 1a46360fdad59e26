package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
)

// JSONStore keeps each aggregate in one pretty-printed JSON file under
// <root>/<kind>/<id>.json. It exists for development and for poking at
// state with standard tools; writes go through a temp file and rename
// so a crash never leaves a half-written aggregate.
type JSONStore struct {
	root string
	mu   sync.Mutex
}

type jsonAggregate struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state"`
	Events    []domain.Event  `json:"events"`
}

// NewJSONStore creates the root directory and one subdirectory per
// aggregate kind.
func NewJSONStore(root string) (*JSONStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root directory is required")
	}
	for _, kind := range []domain.AggregateKind{domain.KindRequest, domain.KindMachine} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &JSONStore{root: root}, nil
}

func (s *JSONStore) pathFor(kind domain.AggregateKind, aggregateID string) string {
	// Aggregate IDs are UUIDs; the base-name guard keeps a hostile ID
	// from escaping the store root.
	name := filepath.Base(aggregateID) + ".json"
	return filepath.Join(s.root, string(kind), name)
}

func (s *JSONStore) read(kind domain.AggregateKind, aggregateID string) (*jsonAggregate, error) {
	data, err := os.ReadFile(s.pathFor(kind, aggregateID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s %s: %w", kind, aggregateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregate file: %w", err)
	}
	var agg jsonAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate file: %w", err)
	}
	return &agg, nil
}

func (s *JSONStore) write(kind domain.AggregateKind, aggregateID string, agg *jsonAggregate) error {
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode aggregate: %w", err)
	}
	path := s.pathFor(kind, aggregateID)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write aggregate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace aggregate file: %w", err)
	}
	return nil
}

// AppendEvents implements Store.
func (s *JSONStore) AppendEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string, expectedVersion int64, events []domain.Event, snapshot []byte) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, err := s.read(kind, aggregateID)
	if errors.Is(err, ErrNotFound) {
		agg = &jsonAggregate{Events: []domain.Event{}}
	} else if err != nil {
		return 0, err
	}

	if agg.Version != expectedVersion {
		return 0, fmt.Errorf("%s %s: expected version %d, have %d: %w",
			kind, aggregateID, expectedVersion, agg.Version, ErrConcurrencyConflict)
	}

	known := make(map[string]struct{}, len(agg.Events))
	for _, ev := range agg.Events {
		known[ev.ID] = struct{}{}
	}

	for _, ev := range events {
		if _, dup := known[ev.ID]; dup {
			continue
		}
		agg.Version++
		ev.Seq = agg.Version
		ev.Aggregate = kind
		ev.AggregateID = aggregateID
		agg.Events = append(agg.Events, ev)
		known[ev.ID] = struct{}{}
	}

	agg.State = json.RawMessage(snapshot)
	agg.UpdatedAt = time.Now().UTC()

	if err := s.write(kind, aggregateID, agg); err != nil {
		return 0, err
	}
	return agg.Version, nil
}

// LoadSnapshot implements Store.
func (s *JSONStore) LoadSnapshot(ctx context.Context, kind domain.AggregateKind, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, err := s.read(kind, aggregateID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		AggregateID: aggregateID,
		Kind:        kind,
		Version:     agg.Version,
		State:       []byte(agg.State),
		UpdatedAt:   agg.UpdatedAt,
	}, nil
}

// LoadEvents implements Store.
func (s *JSONStore) LoadEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, err := s.read(kind, aggregateID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Event{}, agg.Events...), nil
}

// ListSnapshots implements Store.
func (s *JSONStore) ListSnapshots(ctx context.Context, kind domain.AggregateKind) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}

	snaps := []*Snapshot{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		agg, err := s.read(kind, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, &Snapshot{
			AggregateID: id,
			Kind:        kind,
			Version:     agg.Version,
			State:       []byte(agg.State),
			UpdatedAt:   agg.UpdatedAt,
		})
	}
	return snaps, nil
}

// Purge implements Store.
func (s *JSONStore) Purge(ctx context.Context, kind domain.AggregateKind, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(kind, aggregateID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s %s: %w", kind, aggregateID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to remove aggregate file: %w", err)
	}
	return nil
}

// HealthCheck verifies the store root is accessible.
func (s *JSONStore) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root inaccessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store root %s is not a directory", s.root)
	}
	return nil
}

// Close implements Store. The JSON store holds no open handles.
func (s *JSONStore) Close() error { return nil }
