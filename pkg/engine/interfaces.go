package engine

import (
	"context"
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
)

// Strategy is one concrete backend provisioning mechanism (fleet,
// scaling group, direct launch, ...). Implementations live outside the
// engine; the engine only ever calls them through the resilience
// wrapper. Handles returned by Provision and Terminate are opaque to
// the engine and interpreted only by the strategy that issued them.
type Strategy interface {
	// Name is the unique registration name of the strategy.
	Name() string

	// Capabilities declares what the strategy can do (e.g. "compute",
	// "scaling", "spot"). Selection matches required capabilities as a
	// subset of this set.
	Capabilities() []string

	// Provision asks the backend for count machines built from spec and
	// returns the backend handle tracking the operation.
	Provision(ctx context.Context, spec *domain.ResolvedSpec, count int) (string, error)

	// PollStatus reports the machines currently visible under a handle.
	PollStatus(ctx context.Context, handle string) ([]MachineObservation, error)

	// Terminate asks the backend to tear down the named machines and
	// returns a handle tracking the termination.
	Terminate(ctx context.Context, backendIDs []string) (string, error)

	// HealthCheck probes backend reachability.
	HealthCheck(ctx context.Context) HealthState
}

// MachineObservation is one machine as reported by a backend poll.
type MachineObservation struct {
	BackendID  string
	Name       string
	Status     domain.MachineStatus
	Result     domain.MachineResult
	PrivateIP  string
	PublicIP   string
	LaunchTime int64
	PriceType  string
	Message    string
}

// HealthState is the outcome of a strategy health probe.
type HealthState struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
}

// SelectionCriteria narrows and ranks registered strategies.
type SelectionCriteria struct {
	// Capabilities that a candidate must all declare.
	Capabilities []string

	// RequireHealthy drops strategies whose last health probe failed.
	RequireHealthy bool

	// Exclude removes strategies by name regardless of other criteria.
	Exclude []string

	// Prefer ranks the named strategies ahead of all others, in list
	// order.
	Prefer []string

	// MinSuccessRate drops strategies whose observed success rate is
	// below the threshold (0 disables the check).
	MinSuccessRate float64

	// MaxResponseTime drops strategies whose observed average call
	// latency exceeds the bound (0 disables the check).
	MaxResponseTime time.Duration
}

// StrategyRegistry selects among registered strategies. Selection is
// deterministic given the health and metrics snapshot held by the
// registry; ties fall back to declaration order.
type StrategyRegistry interface {
	// Select returns the best strategy meeting the criteria, or a
	// permanent NO_SUITABLE_STRATEGY error naming the unmet criterion.
	Select(criteria SelectionCriteria) (Strategy, error)

	// Get returns a strategy by registration name.
	Get(name string) (Strategy, bool)

	// Observe feeds a call outcome into the registry's success-rate and
	// latency tracking.
	Observe(name string, elapsed time.Duration, success bool)

	// RefreshHealth probes every registered strategy and records the
	// outcome for RequireHealthy selection.
	RefreshHealth(ctx context.Context)
}

// TemplateSource provides cached, read-only access to templates.
type TemplateSource interface {
	Get(ctx context.Context, id string) (*domain.Template, error)
	List(ctx context.Context) ([]*domain.Template, error)
}

// TemplateResolver renders and merges a template into the payload sent
// to a backend.
type TemplateResolver interface {
	Resolve(ctx context.Context, tpl *domain.Template, rc domain.RenderContext) (*domain.ResolvedSpec, error)
}

// AdmissionPolicy decides whether a provisioning request may be
// created at all (count ceilings, required tags).
type AdmissionPolicy interface {
	Admit(ctx context.Context, tpl *domain.Template, count int) error
}

// RequestStore persists Request aggregates through the event-sourced
// repository. Save uses the aggregate's loaded Version for optimistic
// concurrency and returns a conflict-classed error on stale writes.
type RequestStore interface {
	Load(ctx context.Context, id string) (*domain.Request, error)
	Save(ctx context.Context, r *domain.Request, events []domain.Event) error
	List(ctx context.Context) ([]*domain.Request, error)
	Purge(ctx context.Context, id string) error
}

// MachineStore persists Machine aggregates.
type MachineStore interface {
	Load(ctx context.Context, id string) (*domain.Machine, error)
	Save(ctx context.Context, m *domain.Machine, events []domain.Event) error
	List(ctx context.Context) ([]*domain.Machine, error)
	Purge(ctx context.Context, id string) error
}
