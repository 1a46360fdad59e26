package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/hostforge/hostforge/pkg/engine"
)

// Registration binds a strategy to its static selection inputs.
type Registration struct {
	Strategy engine.Strategy

	// Priority ranks strategies that survive filtering; higher wins.
	Priority int

	// Weight breaks priority ties; higher wins.
	Weight int
}

type entry struct {
	reg   Registration
	index int

	calls        int64
	successes    int64
	totalLatency time.Duration

	health engine.HealthState
}

func (e *entry) successRate() float64 {
	if e.calls == 0 {
		// An unproven strategy is not penalized.
		return 1.0
	}
	return float64(e.successes) / float64(e.calls)
}

func (e *entry) avgLatency() time.Duration {
	if e.calls == 0 {
		return 0
	}
	return e.totalLatency / time.Duration(e.calls)
}

// Registry holds the registered strategies and selects among them.
// Selection is deterministic given the current health and metrics
// snapshot; ties fall back to registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	log     zerolog.Logger
}

// NewRegistry creates an empty strategy registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logger.With().Str("component", "strategy-registry").Logger(),
	}
}

// Register adds a strategy. Names are unique; registering a duplicate
// is an error rather than a silent replacement.
func (r *Registry) Register(reg Registration) error {
	if reg.Strategy == nil {
		return fmt.Errorf("registration without a strategy")
	}
	name := reg.Strategy.Name()
	if name == "" {
		return fmt.Errorf("strategy with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("strategy %s already registered", name)
	}
	r.entries[name] = &entry{
		reg:    reg,
		index:  len(r.order),
		health: engine.HealthState{Healthy: true},
	}
	r.order = append(r.order, name)

	r.log.Info().
		Str("strategy", name).
		Strs("capabilities", reg.Strategy.Capabilities()).
		Int("priority", reg.Priority).
		Msg("Strategy registered")
	return nil
}

// Get returns a strategy by registration name.
func (r *Registry) Get(name string) (engine.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.reg.Strategy, true
}

// Names returns the registered strategy names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Observe feeds one call outcome into the selection metrics.
func (r *Registry) Observe(name string, elapsed time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.calls++
	if success {
		e.successes++
	}
	e.totalLatency += elapsed
}

// RefreshHealth probes every registered strategy and records the
// outcome for RequireHealthy selection.
func (r *Registry) RefreshHealth(ctx context.Context) {
	for _, name := range r.Names() {
		strat, ok := r.Get(name)
		if !ok {
			continue
		}
		state := strat.HealthCheck(ctx)

		r.mu.Lock()
		if e, ok := r.entries[name]; ok {
			e.health = state
		}
		r.mu.Unlock()

		if !state.Healthy {
			r.log.Warn().Str("strategy", name).Str("reason", state.Message).Msg("Strategy unhealthy")
		}
	}
}

// Select returns the best strategy meeting the criteria.
//
// Candidates are filtered by capability subset, health, exclusion
// list, observed success rate, and observed average latency; survivors
// are ranked by preference list membership, then priority, then
// weight, with registration order as the deterministic tiebreak.
func (r *Registry) Select(criteria engine.SelectionCriteria) (engine.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return nil, engine.Permanent(engine.CodeNoStrategy, "no strategies registered", nil)
	}

	// Track the last unmet criterion so the error names a cause
	// instead of a bare "nothing matched".
	unmet := "no strategy matches the required capabilities"
	var candidates []*entry
	for _, name := range r.order {
		e := r.entries[name]
		caps := e.reg.Strategy.Capabilities()
		if !lo.Every(caps, criteria.Capabilities) {
			continue
		}
		if lo.Contains(criteria.Exclude, name) {
			unmet = fmt.Sprintf("strategy %s is excluded", name)
			continue
		}
		if criteria.RequireHealthy && !e.health.Healthy {
			unmet = fmt.Sprintf("strategy %s failed its last health probe", name)
			continue
		}
		if criteria.MinSuccessRate > 0 && e.successRate() < criteria.MinSuccessRate {
			unmet = fmt.Sprintf("strategy %s success rate %.2f below %.2f", name, e.successRate(), criteria.MinSuccessRate)
			continue
		}
		if criteria.MaxResponseTime > 0 && e.avgLatency() > criteria.MaxResponseTime {
			unmet = fmt.Sprintf("strategy %s average latency %s above %s", name, e.avgLatency(), criteria.MaxResponseTime)
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, engine.Permanent(engine.CodeNoStrategy, unmet, nil)
	}

	preferRank := func(name string) int {
		if i := lo.IndexOf(criteria.Prefer, name); i >= 0 {
			return i
		}
		return len(criteria.Prefer)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ar, br := preferRank(a.reg.Strategy.Name()), preferRank(b.reg.Strategy.Name())
		if ar != br {
			return ar < br
		}
		if a.reg.Priority != b.reg.Priority {
			return a.reg.Priority > b.reg.Priority
		}
		if a.reg.Weight != b.reg.Weight {
			return a.reg.Weight > b.reg.Weight
		}
		return a.index < b.index
	})
	return candidates[0].reg.Strategy, nil
}
