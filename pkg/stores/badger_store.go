package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hostforge/hostforge/pkg/domain"
)

// BadgerStore implements Store on an embedded Badger key-value
// database. Aggregates are kept under two key families:
//
//	snap:<kind>:<id>            snapshot value (JSON)
//	evt:<kind>:<id>:<seq>       one event per key, zero-padded seq
//	evid:<kind>:<id>:<eventID>  dedup marker
//
// Badger's serializable transactions give the same all-or-nothing
// append semantics as the SQLite backend.
type BadgerStore struct {
	db *badger.DB
}

type badgerSnapshot struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state"`
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func snapKey(kind domain.AggregateKind, id string) []byte {
	return []byte(fmt.Sprintf("snap:%s:%s", kind, id))
}

func eventKey(kind domain.AggregateKind, id string, seq int64) []byte {
	return []byte(fmt.Sprintf("evt:%s:%s:%020d", kind, id, seq))
}

func eventIDKey(kind domain.AggregateKind, id, eventID string) []byte {
	return []byte(fmt.Sprintf("evid:%s:%s:%s", kind, id, eventID))
}

func (s *BadgerStore) readSnapshot(txn *badger.Txn, kind domain.AggregateKind, id string) (*badgerSnapshot, error) {
	item, err := txn.Get(snapKey(kind, id))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap badgerSnapshot
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &snap) }); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// AppendEvents implements Store.
func (s *BadgerStore) AppendEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string, expectedVersion int64, events []domain.Event, snapshot []byte) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var newVersion int64
	err := s.db.Update(func(txn *badger.Txn) error {
		current := int64(0)
		snap, err := s.readSnapshot(txn, kind, aggregateID)
		if err == nil {
			current = snap.Version
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if current != expectedVersion {
			return fmt.Errorf("%s %s: expected version %d, have %d: %w",
				kind, aggregateID, expectedVersion, current, ErrConcurrencyConflict)
		}

		for _, ev := range events {
			idKey := eventIDKey(kind, aggregateID, ev.ID)
			if _, err := txn.Get(idKey); err == nil {
				continue
			} else if err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to check event %s: %w", ev.ID, err)
			}

			current++
			ev.Seq = current
			ev.Aggregate = kind
			ev.AggregateID = aggregateID
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
			}
			if err := txn.Set(eventKey(kind, aggregateID, current), data); err != nil {
				return fmt.Errorf("failed to write event %s: %w", ev.ID, err)
			}
			if err := txn.Set(idKey, nil); err != nil {
				return fmt.Errorf("failed to mark event %s: %w", ev.ID, err)
			}
		}

		value, err := json.Marshal(badgerSnapshot{
			Version:   current,
			UpdatedAt: time.Now().UTC(),
			State:     json.RawMessage(snapshot),
		})
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		if err := txn.Set(snapKey(kind, aggregateID), value); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		newVersion = current
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// LoadSnapshot implements Store.
func (s *BadgerStore) LoadSnapshot(ctx context.Context, kind domain.AggregateKind, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		snap, err := s.readSnapshot(txn, kind, aggregateID)
		if err != nil {
			return err
		}
		out = &Snapshot{
			AggregateID: aggregateID,
			Kind:        kind,
			Version:     snap.Version,
			State:       []byte(snap.State),
			UpdatedAt:   snap.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadEvents implements Store.
func (s *BadgerStore) LoadEvents(ctx context.Context, kind domain.AggregateKind, aggregateID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(fmt.Sprintf("evt:%s:%s:", kind, aggregateID))
	events := []domain.Event{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev domain.Event
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListSnapshots implements Store.
func (s *BadgerStore) ListSnapshots(ctx context.Context, kind domain.AggregateKind) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(fmt.Sprintf("snap:%s:", kind))
	snaps := []*Snapshot{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), string(prefix))
			var snap badgerSnapshot
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &snap) }); err != nil {
				return fmt.Errorf("failed to decode snapshot: %w", err)
			}
			snaps = append(snaps, &Snapshot{
				AggregateID: id,
				Kind:        kind,
				Version:     snap.Version,
				State:       []byte(snap.State),
				UpdatedAt:   snap.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Purge implements Store.
func (s *BadgerStore) Purge(ctx context.Context, kind domain.AggregateKind, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := snapKey(kind, aggregateID)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%s %s: %w", kind, aggregateID, ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}

		for _, prefix := range [][]byte{
			[]byte(fmt.Sprintf("evt:%s:%s:", kind, aggregateID)),
			[]byte(fmt.Sprintf("evid:%s:%s:", kind, aggregateID)),
		} {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			keys := [][]byte{}
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("failed to delete event key: %w", err)
				}
			}
		}
		return nil
	})
}

// HealthCheck verifies the database is open.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db == nil || s.db.IsClosed() {
		return fmt.Errorf("database not open")
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
