package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seqIDs issues deterministic event IDs for assertions on dedup.
type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id-%04d", s.n)
}

// setupSQLiteStore creates an in-memory SQLite store for testing.
func setupSQLiteStore(t *testing.T) Store {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupJSONStore(t *testing.T) Store {
	t.Helper()
	store, err := NewJSONStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func setupBadgerStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// forEachStore runs a subtest against every backend so all three stay
// behaviorally identical.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	backends := map[string]func(*testing.T) Store{
		"sqlite": setupSQLiteStore,
		"json":   setupJSONStore,
		"badger": setupBadgerStore,
	}
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, setup(t))
		})
	}
}

func createdEvents(t *testing.T, ids domain.IDGenerator, requestID string, count int) ([]domain.Event, []byte) {
	t.Helper()
	events, err := domain.ProposeRequestCreated(ids, testTime, requestID, domain.RequestKindProvision, "small-burst", count, 10*time.Minute)
	if err != nil {
		t.Fatalf("propose created: %v", err)
	}
	req, err := domain.RequestFromEvents(events)
	if err != nil {
		t.Fatalf("fold created: %v", err)
	}
	state, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return events, state
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := &seqIDs{}
		events, state := createdEvents(t, ids, "req-1", 3)

		version, err := store.AppendEvents(ctx, domain.KindRequest, "req-1", 0, events, state)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if want := int64(len(events)); version != want {
			t.Fatalf("version = %d, want %d", version, want)
		}

		snap, err := store.LoadSnapshot(ctx, domain.KindRequest, "req-1")
		if err != nil {
			t.Fatalf("load snapshot: %v", err)
		}
		if snap.Version != version {
			t.Fatalf("snapshot version = %d, want %d", snap.Version, version)
		}
		if string(snap.State) != string(state) {
			t.Fatalf("snapshot state mismatch:\n%s\nwant\n%s", snap.State, state)
		}

		stored, err := store.LoadEvents(ctx, domain.KindRequest, "req-1")
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(stored) != len(events) {
			t.Fatalf("stored %d events, want %d", len(stored), len(events))
		}
		for i, ev := range stored {
			if ev.Seq != int64(i+1) {
				t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
			}
			if ev.ID != events[i].ID {
				t.Errorf("event %d id = %s, want %s", i, ev.ID, events[i].ID)
			}
			if ev.Type != events[i].Type {
				t.Errorf("event %d type = %s, want %s", i, ev.Type, events[i].Type)
			}
		}
	})
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := &seqIDs{}
		events, state := createdEvents(t, ids, "req-1", 1)

		if _, err := store.AppendEvents(ctx, domain.KindRequest, "req-1", 0, events, state); err != nil {
			t.Fatalf("first append: %v", err)
		}

		more, err := domain.ProposeRequestCreated(ids, testTime, "req-other", domain.RequestKindProvision, "small-burst", 1, 0)
		if err != nil {
			t.Fatalf("propose: %v", err)
		}
		_, err = store.AppendEvents(ctx, domain.KindRequest, "req-1", 0, more, state)
		if !errors.Is(err, ErrConcurrencyConflict) {
			t.Fatalf("stale append err = %v, want ErrConcurrencyConflict", err)
		}

		// The failed append must not have touched the log.
		stored, err := store.LoadEvents(ctx, domain.KindRequest, "req-1")
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(stored) != len(events) {
			t.Fatalf("stored %d events after rejected append, want %d", len(stored), len(events))
		}
	})
}

func TestAppendSkipsDuplicateEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := &seqIDs{}
		events, state := createdEvents(t, ids, "req-1", 1)

		version, err := store.AppendEvents(ctx, domain.KindRequest, "req-1", 0, events, state)
		if err != nil {
			t.Fatalf("first append: %v", err)
		}

		// A redelivered command proposes the same event IDs again.
		again, err := store.AppendEvents(ctx, domain.KindRequest, "req-1", version, events, state)
		if err != nil {
			t.Fatalf("duplicate append: %v", err)
		}
		if again != version {
			t.Fatalf("version after duplicate append = %d, want %d", again, version)
		}

		stored, err := store.LoadEvents(ctx, domain.KindRequest, "req-1")
		if err != nil {
			t.Fatalf("load events: %v", err)
		}
		if len(stored) != len(events) {
			t.Fatalf("stored %d events, want %d", len(stored), len(events))
		}
	})
}

func TestLoadMissingAggregate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.LoadSnapshot(context.Background(), domain.KindRequest, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestListSnapshotsByKind(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := &seqIDs{}
		for _, id := range []string{"req-a", "req-b"} {
			events, state := createdEvents(t, ids, id, 1)
			if _, err := store.AppendEvents(ctx, domain.KindRequest, id, 0, events, state); err != nil {
				t.Fatalf("append %s: %v", id, err)
			}
		}

		snaps, err := store.ListSnapshots(ctx, domain.KindRequest)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("listed %d snapshots, want 2", len(snaps))
		}

		machines, err := store.ListSnapshots(ctx, domain.KindMachine)
		if err != nil {
			t.Fatalf("list machines: %v", err)
		}
		if len(machines) != 0 {
			t.Fatalf("listed %d machine snapshots, want 0", len(machines))
		}
	})
}

func TestPurgeRemovesAggregate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := &seqIDs{}
		events, state := createdEvents(t, ids, "req-1", 1)
		if _, err := store.AppendEvents(ctx, domain.KindRequest, "req-1", 0, events, state); err != nil {
			t.Fatalf("append: %v", err)
		}

		if err := store.Purge(ctx, domain.KindRequest, "req-1"); err != nil {
			t.Fatalf("purge: %v", err)
		}
		if _, err := store.LoadSnapshot(ctx, domain.KindRequest, "req-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("snapshot after purge: %v, want ErrNotFound", err)
		}
		stored, err := store.LoadEvents(ctx, domain.KindRequest, "req-1")
		if err != nil {
			t.Fatalf("load events after purge: %v", err)
		}
		if len(stored) != 0 {
			t.Fatalf("events left after purge: %d", len(stored))
		}
		if err := store.Purge(ctx, domain.KindRequest, "req-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second purge: %v, want ErrNotFound", err)
		}
	})
}
