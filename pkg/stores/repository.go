package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hostforge/hostforge/pkg/domain"
)

// RequestRepository persists Request aggregates through a Store. The
// aggregate's Version field carries the optimistic-concurrency token
// between Load and Save.
type RequestRepository struct {
	store Store
}

// NewRequestRepository wraps a store with Request marshaling.
func NewRequestRepository(store Store) *RequestRepository {
	return &RequestRepository{store: store}
}

// Load rebuilds a request from its snapshot.
func (r *RequestRepository) Load(ctx context.Context, id string) (*domain.Request, error) {
	snap, err := r.store.LoadSnapshot(ctx, domain.KindRequest, id)
	if err != nil {
		return nil, err
	}
	req := &domain.Request{}
	if err := json.Unmarshal(snap.State, req); err != nil {
		return nil, fmt.Errorf("failed to decode request %s: %w", id, err)
	}
	req.Version = snap.Version
	return req, nil
}

// Save appends the given events and stores the folded state as the new
// snapshot. On success the aggregate's Version is advanced in place.
func (r *RequestRepository) Save(ctx context.Context, req *domain.Request, events []domain.Event) error {
	state, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request %s: %w", req.ID, err)
	}
	version, err := r.store.AppendEvents(ctx, domain.KindRequest, req.ID, req.Version, events, state)
	if err != nil {
		return err
	}
	req.Version = version
	return nil
}

// List returns every stored request.
func (r *RequestRepository) List(ctx context.Context) ([]*domain.Request, error) {
	snaps, err := r.store.ListSnapshots(ctx, domain.KindRequest)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Request, 0, len(snaps))
	for _, snap := range snaps {
		req := &domain.Request{}
		if err := json.Unmarshal(snap.State, req); err != nil {
			return nil, fmt.Errorf("failed to decode request %s: %w", snap.AggregateID, err)
		}
		req.Version = snap.Version
		out = append(out, req)
	}
	return out, nil
}

// Purge removes a request and its event history.
func (r *RequestRepository) Purge(ctx context.Context, id string) error {
	return r.store.Purge(ctx, domain.KindRequest, id)
}

// MachineRepository persists Machine aggregates through a Store.
type MachineRepository struct {
	store Store
}

// NewMachineRepository wraps a store with Machine marshaling.
func NewMachineRepository(store Store) *MachineRepository {
	return &MachineRepository{store: store}
}

// Load rebuilds a machine from its snapshot.
func (r *MachineRepository) Load(ctx context.Context, id string) (*domain.Machine, error) {
	snap, err := r.store.LoadSnapshot(ctx, domain.KindMachine, id)
	if err != nil {
		return nil, err
	}
	m := &domain.Machine{}
	if err := json.Unmarshal(snap.State, m); err != nil {
		return nil, fmt.Errorf("failed to decode machine %s: %w", id, err)
	}
	m.Version = snap.Version
	return m, nil
}

// Save appends the given events and stores the folded state as the new
// snapshot.
func (r *MachineRepository) Save(ctx context.Context, m *domain.Machine, events []domain.Event) error {
	state, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode machine %s: %w", m.ID, err)
	}
	version, err := r.store.AppendEvents(ctx, domain.KindMachine, m.ID, m.Version, events, state)
	if err != nil {
		return err
	}
	m.Version = version
	return nil
}

// List returns every stored machine.
func (r *MachineRepository) List(ctx context.Context) ([]*domain.Machine, error) {
	snaps, err := r.store.ListSnapshots(ctx, domain.KindMachine)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Machine, 0, len(snaps))
	for _, snap := range snaps {
		m := &domain.Machine{}
		if err := json.Unmarshal(snap.State, m); err != nil {
			return nil, fmt.Errorf("failed to decode machine %s: %w", snap.AggregateID, err)
		}
		m.Version = snap.Version
		out = append(out, m)
	}
	return out, nil
}

// Purge removes a machine and its event history.
func (r *MachineRepository) Purge(ctx context.Context, id string) error {
	return r.store.Purge(ctx, domain.KindMachine, id)
}
