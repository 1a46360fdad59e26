package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/resilience"
	"github.com/hostforge/hostforge/pkg/stores"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

// Options configures an Engine. Requests, Machines, Templates,
// Resolver, and Registry are required; everything else has a default.
type Options struct {
	Requests  RequestStore
	Machines  MachineStore
	Templates TemplateSource
	Resolver  TemplateResolver
	Registry  StrategyRegistry
	Admission AdmissionPolicy

	// Invokers supplies the retry and circuit-breaker wrapper applied
	// to every backend call, keyed by strategy name.
	Invokers *resilience.Set

	// Selection is the base criteria applied to every strategy
	// selection; the template's backend type is appended as a required
	// capability.
	Selection SelectionCriteria

	// DefaultTimeout bounds how long a request may stay running before
	// reconciliation forces it to a terminal status. Zero disables the
	// bound.
	DefaultTimeout time.Duration

	// ConflictRetries bounds reload-and-reapply cycles on optimistic
	// concurrency conflicts.
	ConflictRetries int

	// Package is the build identity exposed to template rendering.
	Package domain.PackageInfo

	Clock   domain.Clock
	IDs     domain.IDGenerator
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Engine drives the request and machine lifecycles: it admits and
// creates requests, dispatches them to a selected strategy, folds poll
// observations back into the aggregates, and settles requests into
// terminal statuses. All state changes go through the event-sourced
// repositories; the engine itself holds no mutable state, so one
// instance is safe for concurrent use.
type Engine struct {
	requests  RequestStore
	machines  MachineStore
	templates TemplateSource
	resolver  TemplateResolver
	registry  StrategyRegistry
	admission AdmissionPolicy
	invokers  *resilience.Set

	selection       SelectionCriteria
	defaultTimeout  time.Duration
	conflictRetries int
	pkg             domain.PackageInfo

	clock   domain.Clock
	ids     domain.IDGenerator
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// BackendRetryable is the error classifier wired into the resilience
// wrapper: transient and throttled failures are retried, everything
// else (including an open breaker) is surfaced immediately.
func BackendRetryable(err error) bool {
	if isCircuitOpen(err) {
		return false
	}
	class := ClassOf(err)
	return class == ErrorClassTransient || class == ErrorClassThrottled
}

// isCircuitOpen reports whether err carries an open-breaker rejection
// anywhere in its chain.
func isCircuitOpen(err error) bool {
	var open *resilience.CircuitOpenError
	return errors.As(err, &open)
}

// New validates the options and builds an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Requests == nil:
		return nil, errors.New("engine requires a request store")
	case opts.Machines == nil:
		return nil, errors.New("engine requires a machine store")
	case opts.Templates == nil:
		return nil, errors.New("engine requires a template source")
	case opts.Resolver == nil:
		return nil, errors.New("engine requires a template resolver")
	case opts.Registry == nil:
		return nil, errors.New("engine requires a strategy registry")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator()
	}
	if opts.Invokers == nil {
		opts.Invokers = resilience.NewSet(resilience.DefaultRetryConfig(), resilience.DefaultBreakerConfig(), BackendRetryable)
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 5
	}
	return &Engine{
		requests:        opts.Requests,
		machines:        opts.Machines,
		templates:       opts.Templates,
		resolver:        opts.Resolver,
		registry:        opts.Registry,
		admission:       opts.Admission,
		invokers:        opts.Invokers,
		selection:       opts.Selection,
		defaultTimeout:  opts.DefaultTimeout,
		conflictRetries: opts.ConflictRetries,
		pkg:             opts.Package,
		clock:           opts.Clock,
		ids:             opts.IDs,
		log:             opts.Logger,
		metrics:         opts.Metrics,
	}, nil
}

// CreateProvisionRequest admits and persists a new provisioning
// request in pending status. Dispatch happens separately so a caller
// gets its request id back even when every backend is down.
func (e *Engine) CreateProvisionRequest(ctx context.Context, templateID string, count int) (*domain.Request, error) {
	tpl, err := e.templates.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if e.admission != nil {
		if err := e.admission.Admit(ctx, tpl, count); err != nil {
			return nil, err
		}
	}

	id := e.ids.NewID()
	events, err := domain.ProposeRequestCreated(e.ids, e.clock.Now(), id, domain.RequestKindProvision, templateID, count, e.defaultTimeout)
	if err != nil {
		return nil, Permanent(CodeInvalidTransition, "request rejected", err)
	}
	req, err := domain.RequestFromEvents(events)
	if err != nil {
		return nil, err
	}
	if err := e.requests.Save(ctx, req, events); err != nil {
		return nil, err
	}

	e.log.Info().Str("request_id", id).Str("template_id", templateID).Int("count", count).Msg("provision request created")
	e.metrics.IncRequestCreated(string(domain.RequestKindProvision))
	return req, nil
}

// CreateReturnRequest persists a return request targeting the named
// machines. Names are matched against machine names and ids; unknown
// names are reported back without failing the request as long as at
// least one machine matched.
func (e *Engine) CreateReturnRequest(ctx context.Context, machineNames []string) (*domain.Request, []string, error) {
	all, err := e.machines.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	byKey := make(map[string]*domain.Machine, len(all)*2)
	for _, m := range all {
		byKey[m.ID] = m
		if m.Name != "" {
			byKey[m.Name] = m
		}
	}

	var matched []string
	var unknown []string
	seen := map[string]bool{}
	for _, name := range machineNames {
		m, ok := byKey[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if !seen[m.ID] {
			matched = append(matched, m.ID)
			seen[m.ID] = true
		}
	}
	if len(matched) == 0 {
		return nil, unknown, Permanent(CodeRequestNotFound, "no known machines to return", nil)
	}

	id := e.ids.NewID()
	now := e.clock.Now()
	events, err := domain.ProposeRequestCreated(e.ids, now, id, domain.RequestKindReturn, "", len(matched), e.defaultTimeout)
	if err != nil {
		return nil, unknown, Permanent(CodeInvalidTransition, "return request rejected", err)
	}
	req, err := domain.RequestFromEvents(events)
	if err != nil {
		return nil, unknown, err
	}
	added, err := req.ProposeMachinesAdded(e.ids, now, matched)
	if err != nil {
		return nil, unknown, err
	}
	for _, ev := range added {
		if err := req.Apply(ev); err != nil {
			return nil, unknown, err
		}
	}
	if err := e.requests.Save(ctx, req, append(events, added...)); err != nil {
		return nil, unknown, err
	}

	e.log.Info().Str("request_id", id).Int("machines", len(matched)).Strs("unknown", unknown).Msg("return request created")
	e.metrics.IncRequestCreated(string(domain.RequestKindReturn))
	return req, unknown, nil
}

// Dispatch moves a pending request to running by invoking the selected
// strategy through the resilience wrapper. Dispatching a request that
// already left pending is rejected with an INVALID_TRANSITION error
// and no state change. A failed dispatch settles the request as
// failed, whether the failure was permanent or a transient one that
// exhausted the wrapper's retry budget; only an open-breaker rejection
// leaves the request pending, since the backend was never attempted.
func (e *Engine) Dispatch(ctx context.Context, requestID string) (err error) {
	ic := telemetry.StartOperation(ctx, "engine.dispatch", telemetry.AttrRequestID.String(requestID))
	ctx = ic.Ctx
	defer func() { ic.End(err) }()

	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != domain.RequestStatusPending {
		return Permanent(CodeInvalidTransition,
			fmt.Sprintf("dispatch of request in status %s", req.Status), domain.ErrNotPending).WithRequest(requestID)
	}
	if req.Cancelled {
		_, err := e.updateRequest(ctx, requestID, func(r *domain.Request) ([]domain.Event, error) {
			if r.Status != domain.RequestStatusPending {
				return nil, nil
			}
			return e.settle(r, domain.RequestStatusFailed, "cancelled before dispatch")
		})
		return err
	}

	var strategy, handle string
	var dispatchErr error
	switch req.Kind {
	case domain.RequestKindProvision:
		strategy, handle, dispatchErr = e.dispatchProvision(ctx, req)
	case domain.RequestKindReturn:
		strategy, handle, dispatchErr = e.dispatchReturn(ctx, req)
	default:
		dispatchErr = Permanent(CodeInvalidTransition, fmt.Sprintf("unknown request kind %q", req.Kind), nil)
	}

	_, err = e.updateRequest(ctx, requestID, func(r *domain.Request) ([]domain.Event, error) {
		if r.Status != domain.RequestStatusPending {
			return nil, nil
		}
		if dispatchErr != nil {
			if isCircuitOpen(dispatchErr) {
				// The breaker rejected the call before any backend
				// attempt was made, so no retry budget was spent. Stay
				// pending until the breaker recovers.
				return nil, dispatchErr
			}
			// A transient error surfacing here already exhausted the
			// wrapper's retries; it settles the request like a
			// permanent one.
			e.log.Warn().Str("request_id", r.ID).Str("class", string(ClassOf(dispatchErr))).Err(dispatchErr).Msg("dispatch failed")
			events, err := r.ProposeDispatchFailed(e.ids, e.clock.Now(), dispatchErr.Error())
			if err != nil {
				return nil, err
			}
			return e.fold(r, events)
		}
		events, err := r.ProposeDispatched(e.ids, e.clock.Now(), strategy, handle)
		if err != nil {
			return nil, err
		}
		return e.fold(r, events)
	})
	if err != nil {
		return err
	}
	if dispatchErr != nil {
		e.metrics.IncRequestCompleted(string(domain.RequestStatusFailed))
		return nil
	}
	e.log.Info().Str("request_id", requestID).Str("strategy", strategy).Str("handle", handle).Msg("request dispatched")
	return nil
}

func (e *Engine) dispatchProvision(ctx context.Context, req *domain.Request) (string, string, error) {
	tpl, err := e.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return "", "", err
	}

	rc := domain.RenderContext{
		RequestID:  req.ID,
		TemplateID: req.TemplateID,
		Count:      req.Count,
		Timestamp:  e.clock.Now(),
		Package:    e.pkg,
		Custom:     tpl.Variables,
	}
	spec, err := e.resolver.Resolve(ctx, tpl, rc)
	if err != nil {
		return "", "", err
	}

	criteria := e.selection
	if tpl.BackendType != "" {
		criteria.Capabilities = append(append([]string{}, criteria.Capabilities...), tpl.BackendType)
	}
	strat, err := e.registry.Select(criteria)
	if err != nil {
		return "", "", err
	}

	var handle string
	err = e.invokeBackend(ctx, strat.Name(), "provision", func(ctx context.Context) error {
		var callErr error
		handle, callErr = strat.Provision(ctx, spec, req.Count)
		return callErr
	})
	if err != nil {
		return "", "", err
	}
	return strat.Name(), handle, nil
}

func (e *Engine) dispatchReturn(ctx context.Context, req *domain.Request) (string, string, error) {
	// Terminations go to the strategy that provisioned each machine,
	// looked up through the owning request.
	groups := map[string][]string{}
	for _, mid := range req.MachineIDs {
		m, err := e.machines.Load(ctx, mid)
		if err != nil {
			return "", "", err
		}
		name := e.strategyForMachine(ctx, m)
		groups[name] = append(groups[name], m.BackendID)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	handles := make([]string, 0, len(names))
	for _, name := range names {
		strat, ok := e.registry.Get(name)
		if !ok {
			return "", "", Permanent(CodeNoStrategy, fmt.Sprintf("strategy %q is not registered", name), nil)
		}
		backendIDs := groups[name]
		var handle string
		err := e.invokeBackend(ctx, name, "terminate", func(ctx context.Context) error {
			var callErr error
			handle, callErr = strat.Terminate(ctx, backendIDs)
			return callErr
		})
		if err != nil {
			return "", "", err
		}
		handles = append(handles, name+"="+handle)
	}
	return strings.Join(names, ","), strings.Join(handles, ";"), nil
}

func (e *Engine) strategyForMachine(ctx context.Context, m *domain.Machine) string {
	if m.RequestID != "" {
		if owner, err := e.requests.Load(ctx, m.RequestID); err == nil && owner.Strategy != "" {
			return owner.Strategy
		}
	}
	if strat, err := e.registry.Select(e.selection); err == nil {
		return strat.Name()
	}
	return ""
}

// Reconcile advances one request: pending requests are dispatched,
// running ones are polled and folded toward a terminal status, and
// terminal ones are left untouched. Transient poll failures leave the
// request running for the next pass.
func (e *Engine) Reconcile(ctx context.Context, requestID string) (err error) {
	ic := telemetry.StartOperation(ctx, "engine.reconcile", telemetry.AttrRequestID.String(requestID))
	ctx = ic.Ctx
	defer func() { ic.End(err) }()

	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	switch {
	case req.Status.IsTerminal():
		return nil
	case req.Status == domain.RequestStatusPending:
		err := e.Dispatch(ctx, requestID)
		if errors.Is(err, &Error{Class: ErrorClassPermanent, Code: CodeInvalidTransition}) {
			// A foreground caller dispatched between the load and the
			// command; the next pass sees the new status.
			return nil
		}
		return err
	}

	now := e.clock.Now()
	if req.Cancelled && req.Kind == domain.RequestKindProvision {
		return e.cancelRunning(ctx, req)
	}

	obs, pollErr := e.poll(ctx, req)
	if pollErr != nil {
		if IsPermanent(pollErr) {
			status := domain.RequestStatusCompletedWithError
			if req.Kind == domain.RequestKindReturn {
				status = domain.RequestStatusFailed
			}
			_, err := e.updateRequest(ctx, requestID, func(r *domain.Request) ([]domain.Event, error) {
				if r.Status != domain.RequestStatusRunning {
					return nil, nil
				}
				return e.settle(r, status, pollErr.Error())
			})
			return err
		}
		e.log.Warn().Str("request_id", requestID).Err(pollErr).Msg("poll failed, will retry")
		return pollErr
	}

	newIDs, err := e.foldObservations(ctx, req, obs)
	if err != nil {
		return err
	}

	machines, err := e.machinesFor(ctx, req, newIDs)
	if err != nil {
		return err
	}

	_, err = e.updateRequest(ctx, requestID, func(r *domain.Request) ([]domain.Event, error) {
		if r.Status != domain.RequestStatusRunning {
			return nil, nil
		}
		var out []domain.Event

		if len(newIDs) > 0 {
			added, err := r.ProposeMachinesAdded(e.ids, now, newIDs)
			if err != nil {
				return nil, err
			}
			folded, err := e.fold(r, added)
			if err != nil {
				return nil, err
			}
			out = append(out, folded...)
		}

		if r.TimedOut(now) {
			status := domain.RequestStatusCompletedWithError
			if r.Kind == domain.RequestKindReturn {
				status = domain.RequestStatusFailed
			}
			settled, err := e.settle(r, status, "request timed out before completion")
			if err != nil {
				return nil, err
			}
			return append(out, settled...), nil
		}

		if status, message, done := outcome(r, machines); done {
			settled, err := e.settle(r, status, message)
			if err != nil {
				return nil, err
			}
			return append(out, settled...), nil
		}
		return out, nil
	})
	return err
}

func (e *Engine) cancelRunning(ctx context.Context, req *domain.Request) error {
	// Best effort teardown; the backend finishes winding machines down
	// after the request settles.
	if strat, ok := e.registry.Get(firstStrategy(req.Strategy)); ok && len(req.MachineIDs) > 0 {
		backendIDs := make([]string, 0, len(req.MachineIDs))
		for _, mid := range req.MachineIDs {
			if m, err := e.machines.Load(ctx, mid); err == nil && m.BackendID != "" {
				backendIDs = append(backendIDs, m.BackendID)
			}
		}
		if len(backendIDs) > 0 {
			err := e.invokeBackend(ctx, strat.Name(), "terminate", func(ctx context.Context) error {
				_, callErr := strat.Terminate(ctx, backendIDs)
				return callErr
			})
			if err != nil && !IsPermanent(err) {
				return err
			}
		}
	}
	_, err := e.updateRequest(ctx, req.ID, func(r *domain.Request) ([]domain.Event, error) {
		if r.Status.IsTerminal() {
			return nil, nil
		}
		return e.settle(r, domain.RequestStatusFailed, "cancelled by caller")
	})
	return err
}

// poll gathers observations for a running request. Provision requests
// poll the single dispatch handle; return requests poll every
// per-strategy termination handle recorded at dispatch.
func (e *Engine) poll(ctx context.Context, req *domain.Request) ([]MachineObservation, error) {
	handles := map[string]string{}
	if req.Kind == domain.RequestKindReturn {
		for _, pair := range strings.Split(req.Handle, ";") {
			name, handle, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, Permanent(CodeInvalidTransition, fmt.Sprintf("malformed termination handle %q", req.Handle), nil)
			}
			handles[name] = handle
		}
	} else {
		handles[req.Strategy] = req.Handle
	}

	var all []MachineObservation
	names := make([]string, 0, len(handles))
	for name := range handles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		strat, ok := e.registry.Get(name)
		if !ok {
			return nil, Permanent(CodeNoStrategy, fmt.Sprintf("strategy %q is not registered", name), nil)
		}
		handle := handles[name]
		var obs []MachineObservation
		err := e.invokeBackend(ctx, name, "poll", func(ctx context.Context) error {
			var callErr error
			obs, callErr = strat.PollStatus(ctx, handle)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		all = append(all, obs...)
	}
	return all, nil
}

// foldObservations upserts machine aggregates from poll observations
// and returns the ids of machines seen for the first time.
func (e *Engine) foldObservations(ctx context.Context, req *domain.Request, obs []MachineObservation) ([]string, error) {
	existing := map[string]*domain.Machine{}
	for _, mid := range req.MachineIDs {
		m, err := e.machines.Load(ctx, mid)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return nil, err
		}
		existing[m.BackendID] = m
	}

	var newIDs []string
	now := e.clock.Now()
	for _, o := range obs {
		m, known := existing[o.BackendID]
		if !known {
			if req.Kind == domain.RequestKindReturn {
				// Termination polls only ever report machines we track.
				continue
			}
			mid := e.ids.NewID()
			events, err := domain.ProposeMachineProvisioned(e.ids, now, mid, domain.MachineProvisionedPayload{
				RequestID:  req.ID,
				BackendID:  o.BackendID,
				Name:       o.Name,
				Status:     o.Status,
				PrivateIP:  o.PrivateIP,
				PublicIP:   o.PublicIP,
				LaunchTime: o.LaunchTime,
				PriceType:  o.PriceType,
			})
			if err != nil {
				return nil, err
			}
			machine, err := domain.MachineFromEvents(events)
			if err != nil {
				return nil, err
			}
			if err := e.machines.Save(ctx, machine, events); err != nil {
				return nil, err
			}
			newIDs = append(newIDs, mid)
			e.metrics.IncMachineProvisioned(o.PriceType)
			continue
		}

		o := o
		err := e.updateMachine(ctx, m.ID, func(m *domain.Machine) ([]domain.Event, error) {
			events, err := m.ProposeObserved(e.ids, now, domain.MachineObservedPayload{
				Status:    o.Status,
				Result:    o.Result,
				PrivateIP: o.PrivateIP,
				PublicIP:  o.PublicIP,
				Message:   o.Message,
			})
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				if err := m.Apply(ev); err != nil {
					return nil, err
				}
			}
			return events, nil
		})
		if err != nil {
			if errors.Is(err, domain.ErrResultFinal) {
				e.log.Warn().Str("machine_id", m.ID).Msg("dropping observation against settled machine")
				continue
			}
			return nil, err
		}
	}
	return newIDs, nil
}

func (e *Engine) machinesFor(ctx context.Context, req *domain.Request, extraIDs []string) ([]*domain.Machine, error) {
	ids := append(append([]string{}, req.MachineIDs...), extraIDs...)
	seen := map[string]bool{}
	machines := make([]*domain.Machine, 0, len(ids))
	for _, mid := range ids {
		if seen[mid] {
			continue
		}
		seen[mid] = true
		m, err := e.machines.Load(ctx, mid)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// outcome decides whether a running request has reached a terminal
// status given its machines.
func outcome(req *domain.Request, machines []*domain.Machine) (domain.RequestStatus, string, bool) {
	if req.Kind == domain.RequestKindReturn {
		terminated, failed := 0, 0
		for _, m := range machines {
			switch m.Status {
			case domain.MachineStatusTerminated:
				terminated++
			case domain.MachineStatusFailed:
				failed++
			}
		}
		if terminated+failed < req.Count {
			return "", "", false
		}
		if failed > 0 {
			return domain.RequestStatusCompletedWithError, fmt.Sprintf("%d of %d machines failed to terminate", failed, req.Count), true
		}
		return domain.RequestStatusCompleted, "", true
	}

	if len(machines) < req.Count {
		return "", "", false
	}
	succeeded, failed := 0, 0
	for _, m := range machines {
		switch m.Result {
		case domain.MachineResultSucceed:
			succeeded++
		case domain.MachineResultFail:
			failed++
		}
	}
	if succeeded+failed < req.Count {
		return "", "", false
	}
	if failed > 0 {
		return domain.RequestStatusCompletedWithError, fmt.Sprintf("%d of %d machines failed", failed, req.Count), true
	}
	return domain.RequestStatusCompleted, "", true
}

// Cancel flags a request for cancellation. The flag is honored on the
// next reconciliation pass; an in-flight backend call is never
// interrupted. Cancelling a terminal request is rejected, repeating a
// cancel is a no-op.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) error {
	_, err := e.updateRequest(ctx, requestID, func(r *domain.Request) ([]domain.Event, error) {
		events, err := r.ProposeCancelRequested(e.ids, e.clock.Now(), reason)
		if err != nil {
			if errors.Is(err, domain.ErrTerminalRequest) {
				return nil, Permanent(CodeInvalidTransition, "cannot cancel a terminal request", err)
			}
			return nil, err
		}
		return e.fold(r, events)
	})
	if err == nil {
		e.log.Info().Str("request_id", requestID).Str("reason", reason).Msg("cancellation requested")
	}
	return err
}

// GetRequest returns one request by id.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	return e.loadRequest(ctx, requestID)
}

// ListRequests returns every stored request.
func (e *Engine) ListRequests(ctx context.Context) ([]*domain.Request, error) {
	return e.requests.List(ctx)
}

// Machines returns the machine aggregates associated with a request.
func (e *Engine) Machines(ctx context.Context, requestID string) ([]*domain.Machine, error) {
	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return e.machinesFor(ctx, req, nil)
}

// ListMachines returns every stored machine.
func (e *Engine) ListMachines(ctx context.Context) ([]*domain.Machine, error) {
	return e.machines.List(ctx)
}

// CleanupTerminal purges terminal requests older than the retention
// window, along with their machines. It returns the number of requests
// removed.
func (e *Engine) CleanupTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := e.clock.Now().Add(-retention)
	requests, err := e.requests.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, req := range requests {
		if !req.Status.IsTerminal() || req.CompletedAt == nil || req.CompletedAt.After(cutoff) {
			continue
		}
		for _, mid := range req.MachineIDs {
			if err := e.machines.Purge(ctx, mid); err != nil && !errors.Is(err, stores.ErrNotFound) {
				return removed, err
			}
		}
		if err := e.requests.Purge(ctx, req.ID); err != nil && !errors.Is(err, stores.ErrNotFound) {
			return removed, err
		}
		removed++
		e.log.Info().Str("request_id", req.ID).Time("completed_at", *req.CompletedAt).Msg("purged terminal request")
	}
	return removed, nil
}

// invokeBackend runs one backend call through the resilience wrapper,
// traces each attempt, and feeds the outcome into selection metrics.
func (e *Engine) invokeBackend(ctx context.Context, strategy, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := e.invokers.ForTarget(strategy).Do(ctx, func(ctx context.Context) error {
		return telemetry.RecordBackendOperation(ctx, strategy, op, fn)
	})
	elapsed := time.Since(start)

	e.registry.Observe(strategy, elapsed, err == nil)
	e.metrics.ObserveBackendCall(strategy, op, elapsed.Seconds(), err == nil)

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		e.metrics.IncCircuitOpen(strategy)
		return Transient(CodeCircuitOpen, fmt.Sprintf("backend %s is unavailable", strategy), err)
	}
	return err
}

func (e *Engine) loadRequest(ctx context.Context, requestID string) (*domain.Request, error) {
	req, err := e.requests.Load(ctx, requestID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, Permanent(CodeRequestNotFound, fmt.Sprintf("request %s not found", requestID), err)
		}
		return nil, err
	}
	return req, nil
}

// settle proposes and folds the terminal transition, emitting the
// completion metric.
func (e *Engine) settle(r *domain.Request, status domain.RequestStatus, message string) ([]domain.Event, error) {
	events, err := r.ProposeCompleted(e.ids, e.clock.Now(), status, message)
	if err != nil {
		return nil, err
	}
	folded, err := e.fold(r, events)
	if err != nil {
		return nil, err
	}
	e.metrics.IncRequestCompleted(string(status))
	e.log.Info().Str("request_id", r.ID).Str("status", string(status)).Str("message", message).Msg("request settled")
	return folded, nil
}

func (e *Engine) fold(r *domain.Request, events []domain.Event) ([]domain.Event, error) {
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// updateRequest runs decide against a freshly loaded request and saves
// the events it returns. decide must fold its proposed events into the
// aggregate before returning them. On an optimistic concurrency
// conflict the cycle repeats against reloaded state.
func (e *Engine) updateRequest(ctx context.Context, requestID string, decide func(*domain.Request) ([]domain.Event, error)) (*domain.Request, error) {
	for attempt := 0; ; attempt++ {
		req, err := e.loadRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		events, err := decide(req)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return req, nil
		}
		err = e.requests.Save(ctx, req, events)
		if err == nil {
			return req, nil
		}
		if errors.Is(err, stores.ErrConcurrencyConflict) && attempt < e.conflictRetries {
			e.log.Debug().Str("request_id", requestID).Int("attempt", attempt+1).Msg("write conflict, reloading")
			continue
		}
		if errors.Is(err, stores.ErrConcurrencyConflict) {
			return nil, Conflict(fmt.Sprintf("request %s kept changing concurrently", requestID), err)
		}
		return nil, err
	}
}

func (e *Engine) updateMachine(ctx context.Context, machineID string, decide func(*domain.Machine) ([]domain.Event, error)) error {
	for attempt := 0; ; attempt++ {
		m, err := e.machines.Load(ctx, machineID)
		if err != nil {
			return err
		}
		events, err := decide(m)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		err = e.machines.Save(ctx, m, events)
		if err == nil {
			return nil
		}
		if errors.Is(err, stores.ErrConcurrencyConflict) && attempt < e.conflictRetries {
			continue
		}
		if errors.Is(err, stores.ErrConcurrencyConflict) {
			return Conflict(fmt.Sprintf("machine %s kept changing concurrently", machineID), err)
		}
		return err
	}
}

func firstStrategy(joined string) string {
	name, _, _ := strings.Cut(joined, ",")
	return name
}
