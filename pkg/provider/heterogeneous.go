package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

// HeterogeneousStrategy composes a spot-priced primary with an
// on-demand fallback behind a single strategy name. Provisioning tries
// the primary for the full count and falls back wholesale when the
// primary call fails outright; a primary that accepts the call but
// under-delivers is left to the request timeout, which settles the
// shortfall as a partial completion.
type HeterogeneousStrategy struct {
	name     string
	primary  engine.Strategy
	fallback engine.Strategy
}

// NewHeterogeneousStrategy builds the composite. Both legs are
// required.
func NewHeterogeneousStrategy(name string, primary, fallback engine.Strategy) (*HeterogeneousStrategy, error) {
	if primary == nil || fallback == nil {
		return nil, fmt.Errorf("heterogeneous strategy %s requires both a primary and a fallback", name)
	}
	return &HeterogeneousStrategy{name: name, primary: primary, fallback: fallback}, nil
}

func (h *HeterogeneousStrategy) Name() string { return h.name }

// Capabilities is the union of both legs plus "spot".
func (h *HeterogeneousStrategy) Capabilities() []string {
	caps := lo.Union(h.primary.Capabilities(), h.fallback.Capabilities())
	if !lo.Contains(caps, "spot") {
		caps = append(caps, "spot")
	}
	return caps
}

// Provision asks the primary leg first; if the primary call itself
// fails, the full count goes to the fallback leg. The returned handle
// records which leg owns the operation.
func (h *HeterogeneousStrategy) Provision(ctx context.Context, spec *domain.ResolvedSpec, count int) (string, error) {
	handle, err := h.primary.Provision(ctx, spec, count)
	if err == nil {
		return "primary:" + handle, nil
	}

	fallbackHandle, fbErr := h.fallback.Provision(ctx, spec, count)
	if fbErr != nil {
		return "", engine.Permanent(engine.CodeBackendFailed,
			fmt.Sprintf("both legs failed: primary %v", err), fbErr)
	}
	return "fallback:" + fallbackHandle, nil
}

// PollStatus forwards to the leg encoded in the handle.
func (h *HeterogeneousStrategy) PollStatus(ctx context.Context, handle string) ([]engine.MachineObservation, error) {
	leg, inner, err := h.split(handle)
	if err != nil {
		return nil, err
	}
	obs, err := leg.PollStatus(ctx, inner)
	if err != nil {
		return nil, err
	}
	// Spot machines surface their pricing so accounting downstream can
	// tell the legs apart.
	priceType := "spot"
	if strings.HasPrefix(handle, "fallback:") {
		priceType = "onDemand"
	}
	for i := range obs {
		if obs[i].PriceType == "" || obs[i].PriceType == "onDemand" {
			obs[i].PriceType = priceType
		}
	}
	return obs, nil
}

// Terminate tries the primary leg first and falls back for machines
// the primary does not know.
func (h *HeterogeneousStrategy) Terminate(ctx context.Context, backendIDs []string) (string, error) {
	handle, err := h.primary.Terminate(ctx, backendIDs)
	if err == nil {
		return "primary:" + handle, nil
	}
	fallbackHandle, fbErr := h.fallback.Terminate(ctx, backendIDs)
	if fbErr != nil {
		return "", fbErr
	}
	return "fallback:" + fallbackHandle, nil
}

// HealthCheck is healthy while either leg is healthy; provisioning can
// still make progress through the surviving leg.
func (h *HeterogeneousStrategy) HealthCheck(ctx context.Context) engine.HealthState {
	primary := h.primary.HealthCheck(ctx)
	if primary.Healthy {
		return primary
	}
	fallback := h.fallback.HealthCheck(ctx)
	if fallback.Healthy {
		fallback.Message = "primary leg unhealthy, fallback serving"
		return fallback
	}
	return engine.HealthState{
		Healthy:   false,
		Message:   "both legs unhealthy",
		CheckedAt: time.Now().UTC(),
	}
}

func (h *HeterogeneousStrategy) split(handle string) (engine.Strategy, string, error) {
	leg, inner, ok := strings.Cut(handle, ":")
	if !ok {
		return nil, "", engine.Permanent(engine.CodeBackendFailed,
			fmt.Sprintf("malformed composite handle %q", handle), nil)
	}
	switch leg {
	case "primary":
		return h.primary, inner, nil
	case "fallback":
		return h.fallback, inner, nil
	}
	return nil, "", engine.Permanent(engine.CodeBackendFailed,
		fmt.Sprintf("unknown composite leg %q", leg), nil)
}
