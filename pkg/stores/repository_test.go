package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
)

func TestRequestRepositoryRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	repo := NewRequestRepository(store)
	ctx := context.Background()
	ids := &seqIDs{}

	events, err := domain.ProposeRequestCreated(ids, testTime, "req-1", domain.RequestKindProvision, "small-burst", 2, 10*time.Minute)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	req, err := domain.RequestFromEvents(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	req.Version = 0
	if err := repo.Save(ctx, req, events); err != nil {
		t.Fatalf("save: %v", err)
	}
	if req.Version != int64(len(events)) {
		t.Fatalf("version after save = %d, want %d", req.Version, len(events))
	}

	loaded, err := repo.Load(ctx, "req-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.TemplateID != "small-burst" || loaded.Count != 2 {
		t.Fatalf("loaded request = %+v", loaded)
	}
	if loaded.Version != req.Version {
		t.Fatalf("loaded version = %d, want %d", loaded.Version, req.Version)
	}

	// Advance the aggregate and save against the loaded version.
	more, err := loaded.ProposeDispatched(ids, testTime.Add(time.Second), "sim", "handle-1")
	if err != nil {
		t.Fatalf("propose dispatch: %v", err)
	}
	for _, ev := range more {
		if err := loaded.Apply(ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if err := repo.Save(ctx, loaded, more); err != nil {
		t.Fatalf("save dispatch: %v", err)
	}

	reloaded, err := repo.Load(ctx, "req-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.RequestStatusRunning {
		t.Fatalf("status = %s, want running", reloaded.Status)
	}
	if reloaded.Handle != "handle-1" {
		t.Fatalf("handle = %q", reloaded.Handle)
	}
}

func TestRequestRepositoryDetectsStaleWriter(t *testing.T) {
	store := setupSQLiteStore(t)
	repo := NewRequestRepository(store)
	ctx := context.Background()
	ids := &seqIDs{}

	events, err := domain.ProposeRequestCreated(ids, testTime, "req-1", domain.RequestKindProvision, "small-burst", 1, 0)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	req, err := domain.RequestFromEvents(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if err := repo.Save(ctx, req, events); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Two workers load the same version; the second save must fail.
	a, err := repo.Load(ctx, "req-1")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := repo.Load(ctx, "req-1")
	if err != nil {
		t.Fatalf("load b: %v", err)
	}

	evA, err := a.ProposeDispatched(ids, testTime, "sim", "handle-a")
	if err != nil {
		t.Fatalf("propose a: %v", err)
	}
	for _, ev := range evA {
		if err := a.Apply(ev); err != nil {
			t.Fatalf("apply a: %v", err)
		}
	}
	if err := repo.Save(ctx, a, evA); err != nil {
		t.Fatalf("save a: %v", err)
	}

	evB, err := b.ProposeDispatched(ids, testTime, "sim", "handle-b")
	if err != nil {
		t.Fatalf("propose b: %v", err)
	}
	for _, ev := range evB {
		if err := b.Apply(ev); err != nil {
			t.Fatalf("apply b: %v", err)
		}
	}
	if err := repo.Save(ctx, b, evB); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("stale save err = %v, want ErrConcurrencyConflict", err)
	}
}

func TestMachineRepositoryRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	repo := NewMachineRepository(store)
	ctx := context.Background()
	ids := &seqIDs{}

	events, err := domain.ProposeMachineProvisioned(ids, testTime, "m-1", domain.MachineProvisionedPayload{
		RequestID: "req-1",
		BackendID: "i-0abc",
		Name:      "host-1",
		PriceType: "spot",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	m, err := domain.MachineFromEvents(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if err := repo.Save(ctx, m, events); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := repo.Load(ctx, "m-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.BackendID != "i-0abc" || loaded.Result != domain.MachineResultExecuting {
		t.Fatalf("loaded machine = %+v", loaded)
	}

	machines, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("listed %d machines, want 1", len(machines))
	}
}
