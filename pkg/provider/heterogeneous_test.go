package provider

import (
	"context"
	"testing"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

func newComposite(t *testing.T, primary, fallback engine.Strategy) *HeterogeneousStrategy {
	t.Helper()
	h, err := NewHeterogeneousStrategy("hetero", primary, fallback)
	if err != nil {
		t.Fatalf("new heterogeneous: %v", err)
	}
	return h
}

// failingStrategy rejects every provision call.
type failingStrategy struct {
	*SimStrategy
}

func (f *failingStrategy) Provision(context.Context, *domain.ResolvedSpec, int) (string, error) {
	return "", engine.Permanent(engine.CodeBackendFailed, "spot capacity unavailable", nil)
}

func TestHeterogeneousPrefersPrimary(t *testing.T) {
	primary := NewSimStrategy(SimOptions{Name: "spot"})
	fallback := NewSimStrategy(SimOptions{Name: "ondemand"})
	h := newComposite(t, primary, fallback)
	ctx := context.Background()

	handle, err := h.Provision(ctx, &domain.ResolvedSpec{}, 2)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	obs, err := h.PollStatus(ctx, handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("observations = %d, want 2", len(obs))
	}
	for _, o := range obs {
		if o.PriceType != "spot" {
			t.Errorf("machine %s price type = %s, want spot from primary leg", o.BackendID, o.PriceType)
		}
	}
}

func TestHeterogeneousFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &failingStrategy{NewSimStrategy(SimOptions{Name: "spot"})}
	fallback := NewSimStrategy(SimOptions{Name: "ondemand"})
	h := newComposite(t, primary, fallback)
	ctx := context.Background()

	handle, err := h.Provision(ctx, &domain.ResolvedSpec{}, 3)
	if err != nil {
		t.Fatalf("provision with failing primary: %v", err)
	}

	obs, err := h.PollStatus(ctx, handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("observations = %d, want full count from fallback", len(obs))
	}
	for _, o := range obs {
		if o.PriceType != "onDemand" {
			t.Errorf("machine %s price type = %s, want onDemand from fallback leg", o.BackendID, o.PriceType)
		}
	}
}

func TestHeterogeneousCapabilitiesUnion(t *testing.T) {
	primary := NewSimStrategy(SimOptions{Name: "spot", Capabilities: []string{"aws", "compute"}})
	fallback := NewSimStrategy(SimOptions{Name: "ondemand", Capabilities: []string{"aws", "scaling"}})
	h := newComposite(t, primary, fallback)

	caps := h.Capabilities()
	want := map[string]bool{"aws": true, "compute": true, "scaling": true, "spot": true}
	for c := range want {
		found := false
		for _, got := range caps {
			if got == c {
				found = true
			}
		}
		if !found {
			t.Errorf("capabilities %v missing %s", caps, c)
		}
	}
}

func TestHeterogeneousMalformedHandle(t *testing.T) {
	h := newComposite(t, NewSimStrategy(SimOptions{Name: "a"}), NewSimStrategy(SimOptions{Name: "b"}))
	if _, err := h.PollStatus(context.Background(), "garbage"); err == nil {
		t.Fatal("malformed handle accepted")
	}
}
