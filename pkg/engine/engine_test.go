package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/resilience"
	"github.com/hostforge/hostforge/pkg/stores"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seqIDs is a deterministic IDGenerator for tests.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%04d", s.n)
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock { return &stubClock{now: testTime} }

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func copyRequest(r *domain.Request) *domain.Request {
	cp := *r
	cp.MachineIDs = append([]string(nil), r.MachineIDs...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// memRequestStore is an in-memory RequestStore with the same optimistic
// concurrency contract as the event-sourced repositories.
type memRequestStore struct {
	mu            sync.Mutex
	reqs          map[string]*domain.Request
	failNextSaves int
}

func newMemRequestStore() *memRequestStore {
	return &memRequestStore{reqs: map[string]*domain.Request{}}
}

func (s *memRequestStore) Load(_ context.Context, id string) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, stores.ErrNotFound)
	}
	return copyRequest(r), nil
}

func (s *memRequestStore) Save(_ context.Context, r *domain.Request, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextSaves > 0 {
		s.failNextSaves--
		return fmt.Errorf("request %s: %w", r.ID, stores.ErrConcurrencyConflict)
	}
	var current int64
	if stored, ok := s.reqs[r.ID]; ok {
		current = stored.Version
	}
	if r.Version != current {
		return fmt.Errorf("request %s at version %d, expected %d: %w",
			r.ID, current, r.Version, stores.ErrConcurrencyConflict)
	}
	r.Version = current + int64(len(events))
	s.reqs[r.ID] = copyRequest(r)
	return nil
}

func (s *memRequestStore) List(_ context.Context) ([]*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Request, 0, len(s.reqs))
	for _, r := range s.reqs {
		out = append(out, copyRequest(r))
	}
	return out, nil
}

func (s *memRequestStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[id]; !ok {
		return fmt.Errorf("request %s: %w", id, stores.ErrNotFound)
	}
	delete(s.reqs, id)
	return nil
}

type memMachineStore struct {
	mu       sync.Mutex
	machines map[string]*domain.Machine
}

func newMemMachineStore() *memMachineStore {
	return &memMachineStore{machines: map[string]*domain.Machine{}}
}

func (s *memMachineStore) Load(_ context.Context, id string) (*domain.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", id, stores.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *memMachineStore) Save(_ context.Context, m *domain.Machine, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if stored, ok := s.machines[m.ID]; ok {
		current = stored.Version
	}
	if m.Version != current {
		return fmt.Errorf("machine %s at version %d, expected %d: %w",
			m.ID, current, m.Version, stores.ErrConcurrencyConflict)
	}
	m.Version = current + int64(len(events))
	cp := *m
	s.machines[m.ID] = &cp
	return nil
}

func (s *memMachineStore) List(_ context.Context) ([]*domain.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memMachineStore) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return fmt.Errorf("machine %s: %w", id, stores.ErrNotFound)
	}
	delete(s.machines, id)
	return nil
}

type memTemplates struct {
	byID map[string]*domain.Template
}

func (s *memTemplates) Get(_ context.Context, id string) (*domain.Template, error) {
	tpl, ok := s.byID[id]
	if !ok {
		return nil, Permanent(CodeTemplateNotFound, fmt.Sprintf("template %s not found", id), nil)
	}
	return tpl, nil
}

func (s *memTemplates) List(_ context.Context) ([]*domain.Template, error) {
	out := make([]*domain.Template, 0, len(s.byID))
	for _, tpl := range s.byID {
		out = append(out, tpl)
	}
	return out, nil
}

type passResolver struct{}

func (passResolver) Resolve(_ context.Context, tpl *domain.Template, rc domain.RenderContext) (*domain.ResolvedSpec, error) {
	return &domain.ResolvedSpec{
		TemplateID:  tpl.ID,
		BackendType: tpl.BackendType,
		Payload:     tpl.BaseAttributes(),
	}, nil
}

// scriptedStrategy lets each test script the backend behavior.
type scriptedStrategy struct {
	name string
	caps []string

	mu             sync.Mutex
	provisionCalls int
	pollCalls      int
	terminateCalls int
	terminated     []string

	provision func(ctx context.Context, spec *domain.ResolvedSpec, count int) (string, error)
	poll      func(ctx context.Context, handle string) ([]MachineObservation, error)
	terminate func(ctx context.Context, backendIDs []string) (string, error)
}

func (s *scriptedStrategy) Name() string           { return s.name }
func (s *scriptedStrategy) Capabilities() []string { return s.caps }

func (s *scriptedStrategy) Provision(ctx context.Context, spec *domain.ResolvedSpec, count int) (string, error) {
	s.mu.Lock()
	s.provisionCalls++
	s.mu.Unlock()
	if s.provision == nil {
		return "handle-1", nil
	}
	return s.provision(ctx, spec, count)
}

func (s *scriptedStrategy) PollStatus(ctx context.Context, handle string) ([]MachineObservation, error) {
	s.mu.Lock()
	s.pollCalls++
	s.mu.Unlock()
	if s.poll == nil {
		return nil, nil
	}
	return s.poll(ctx, handle)
}

func (s *scriptedStrategy) Terminate(ctx context.Context, backendIDs []string) (string, error) {
	s.mu.Lock()
	s.terminateCalls++
	s.terminated = append(s.terminated, backendIDs...)
	s.mu.Unlock()
	if s.terminate == nil {
		return "term-1", nil
	}
	return s.terminate(ctx, backendIDs)
}

func (s *scriptedStrategy) HealthCheck(context.Context) HealthState {
	return HealthState{Healthy: true, CheckedAt: testTime}
}

type stubRegistry struct {
	strategies []*scriptedStrategy
	refreshes  int
}

func (r *stubRegistry) Select(criteria SelectionCriteria) (Strategy, error) {
	for _, s := range r.strategies {
		if hasAllCaps(s.caps, criteria.Capabilities) {
			return s, nil
		}
	}
	return nil, Permanent(CodeNoStrategy, "no strategy matches the criteria", nil)
}

func (r *stubRegistry) Get(name string) (Strategy, bool) {
	for _, s := range r.strategies {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

func (r *stubRegistry) Observe(string, time.Duration, bool) {}

func (r *stubRegistry) RefreshHealth(context.Context) { r.refreshes++ }

func hasAllCaps(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}

type ceilingAdmission struct{ max int }

func (a ceilingAdmission) Admit(_ context.Context, tpl *domain.Template, count int) error {
	if count > a.max {
		return Permanent(CodeAdmissionDenied, fmt.Sprintf("count %d exceeds ceiling %d", count, a.max), nil)
	}
	return nil
}

type fixture struct {
	eng      *Engine
	clock    *stubClock
	requests *memRequestStore
	machines *memMachineStore
	strategy *scriptedStrategy
}

// fastInvokers keeps backend retries out of test wall time: one attempt,
// a breaker that effectively never trips.
func fastInvokers() *resilience.Set {
	return resilience.NewSet(
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		resilience.BreakerConfig{FailureThreshold: 1000, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		BackendRetryable,
	)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    newStubClock(),
		requests: newMemRequestStore(),
		machines: newMemMachineStore(),
		strategy: &scriptedStrategy{name: "sim", caps: []string{"aws", "compute"}},
	}
	eng, err := New(Options{
		Requests: f.requests,
		Machines: f.machines,
		Templates: &memTemplates{byID: map[string]*domain.Template{
			"small-burst": {
				ID:          "small-burst",
				BackendType: "aws",
				MaxNumber:   10,
				SizeClass:   "t3.medium",
			},
		}},
		Resolver:       passResolver{},
		Registry:       &stubRegistry{strategies: []*scriptedStrategy{f.strategy}},
		Admission:      ceilingAdmission{max: 10},
		Invokers:       fastInvokers(),
		DefaultTimeout: 10 * time.Minute,
		Clock:          f.clock,
		IDs:            &seqIDs{},
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.eng = eng
	return f
}

// observations builds n running observations with the given result.
func observations(n int, result domain.MachineResult) []MachineObservation {
	out := make([]MachineObservation, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, MachineObservation{
			BackendID:  fmt.Sprintf("i-%02d", i),
			Name:       fmt.Sprintf("host-%02d", i),
			Status:     domain.MachineStatusRunning,
			Result:     result,
			PrivateIP:  fmt.Sprintf("10.0.0.%d", i),
			LaunchTime: testTime.Unix(),
			PriceType:  "onDemand",
		})
	}
	return out
}

func (f *fixture) mustProvision(t *testing.T, count int) *domain.Request {
	t.Helper()
	req, err := f.eng.CreateProvisionRequest(context.Background(), "small-burst", count)
	if err != nil {
		t.Fatalf("create provision request: %v", err)
	}
	return req
}

func (f *fixture) mustDispatch(t *testing.T, id string) *domain.Request {
	t.Helper()
	if err := f.eng.Dispatch(context.Background(), id); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	req, err := f.eng.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	return req
}

func TestCreateProvisionRequestStartsPending(t *testing.T) {
	f := newFixture(t)

	req := f.mustProvision(t, 3)
	if req.Status != domain.RequestStatusPending {
		t.Errorf("status = %s, want pending", req.Status)
	}
	if req.Kind != domain.RequestKindProvision {
		t.Errorf("kind = %s, want provision", req.Kind)
	}
	if req.Count != 3 || req.TemplateID != "small-burst" {
		t.Errorf("count/template = %d/%s, want 3/small-burst", req.Count, req.TemplateID)
	}
	if f.strategy.provisionCalls != 0 {
		t.Errorf("create must not touch the backend, got %d calls", f.strategy.provisionCalls)
	}
}

func TestCreateProvisionRequestAdmission(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.CreateProvisionRequest(context.Background(), "small-burst", 50)
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent admission denial", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeAdmissionDenied {
		t.Errorf("code = %v, want %s", err, CodeAdmissionDenied)
	}
}

func TestCreateProvisionRequestUnknownTemplate(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.CreateProvisionRequest(context.Background(), "no-such-template", 1)
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeTemplateNotFound {
		t.Fatalf("err = %v, want %s", err, CodeTemplateNotFound)
	}
}

func TestDispatchRedeliveryRejectedWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	req := f.mustProvision(t, 2)

	got := f.mustDispatch(t, req.ID)
	if got.Status != domain.RequestStatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.Strategy != "sim" || got.Handle != "handle-1" {
		t.Errorf("strategy/handle = %s/%s, want sim/handle-1", got.Strategy, got.Handle)
	}

	// A redelivered dispatch is rejected and must not issue a second
	// backend call.
	err := f.eng.Dispatch(context.Background(), req.ID)
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeInvalidTransition {
		t.Fatalf("redelivered dispatch = %v, want %s", err, CodeInvalidTransition)
	}
	if f.strategy.provisionCalls != 1 {
		t.Errorf("provision calls = %d, want 1", f.strategy.provisionCalls)
	}
	again, err := f.eng.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if again.Status != domain.RequestStatusRunning || again.Handle != "handle-1" {
		t.Errorf("state after rejected redelivery = %s/%s, want running/handle-1", again.Status, again.Handle)
	}
}

func TestDispatchPermanentFailureSettlesFailed(t *testing.T) {
	f := newFixture(t)
	f.strategy.provision = func(context.Context, *domain.ResolvedSpec, int) (string, error) {
		return "", Permanent(CodeBackendFailed, "image not found", nil)
	}
	req := f.mustProvision(t, 2)

	got := f.mustDispatch(t, req.ID)
	if got.Status != domain.RequestStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Message, "image not found") {
		t.Errorf("message = %q, want backend failure surfaced", got.Message)
	}
}

func TestDispatchTransientExhaustionSettlesFailed(t *testing.T) {
	f := newFixture(t)
	f.strategy.provision = func(context.Context, *domain.ResolvedSpec, int) (string, error) {
		return "", Transient(CodeBackendTimeout, "api timeout", nil)
	}
	req := f.mustProvision(t, 2)

	// The resilience wrapper spends its whole retry budget inside this
	// one call; a backend that keeps timing out must not leave the
	// request non-terminal.
	if err := f.eng.Dispatch(context.Background(), req.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, err := f.eng.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.RequestStatusFailed {
		t.Fatalf("status = %s, want failed after retry exhaustion", got.Status)
	}
	if !strings.Contains(got.Message, "api timeout") {
		t.Errorf("message = %q, want the backend failure surfaced", got.Message)
	}

	// Later passes see a terminal request and leave it alone.
	f.clock.Advance(24 * time.Hour)
	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile terminal request: %v", err)
	}
	after, _ := f.eng.GetRequest(context.Background(), req.ID)
	if after.Status != domain.RequestStatusFailed {
		t.Errorf("status after reconcile = %s, want failed", after.Status)
	}
	if f.strategy.provisionCalls != 1 {
		t.Errorf("provision calls = %d, want 1", f.strategy.provisionCalls)
	}
}

func TestDispatchOpenBreakerLeavesPending(t *testing.T) {
	f := newFixture(t)
	req := f.mustProvision(t, 1)

	// Trip the shared breaker so the dispatch call is rejected before
	// any backend attempt.
	br := f.eng.invokers.ForTarget("sim").Breaker()
	for i := 0; i < 1000; i++ {
		br.Record(false)
	}

	err := f.eng.Dispatch(context.Background(), req.ID)
	if err == nil {
		t.Fatal("dispatch through an open breaker returned nil")
	}
	if !isCircuitOpen(err) {
		t.Fatalf("dispatch error = %v, want open-breaker rejection", err)
	}
	got, getErr := f.eng.GetRequest(context.Background(), req.ID)
	if getErr != nil {
		t.Fatalf("get request: %v", getErr)
	}
	if got.Status != domain.RequestStatusPending {
		t.Errorf("status = %s, want pending until the breaker recovers", got.Status)
	}
	if f.strategy.provisionCalls != 0 {
		t.Errorf("provision calls = %d, want 0", f.strategy.provisionCalls)
	}
}

func TestDispatchSurvivesWriteConflict(t *testing.T) {
	f := newFixture(t)
	req := f.mustProvision(t, 1)

	f.requests.mu.Lock()
	f.requests.failNextSaves = 1
	f.requests.mu.Unlock()

	got := f.mustDispatch(t, req.ID)
	if got.Status != domain.RequestStatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	// The backend call happens before the write loop and must not
	// re-fire when the conflicting save is retried.
	if f.strategy.provisionCalls != 1 {
		t.Errorf("provision calls = %d, want 1", f.strategy.provisionCalls)
	}
}

func TestReconcileCompletesProvision(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(5, domain.MachineResultSucceed), nil
	}
	req := f.mustProvision(t, 5)
	f.mustDispatch(t, req.ID)

	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := f.eng.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.RequestStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	machines, err := f.eng.Machines(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("machines: %v", err)
	}
	if len(machines) != 5 {
		t.Fatalf("machines = %d, want 5", len(machines))
	}
	for _, m := range machines {
		if m.Result != domain.MachineResultSucceed {
			t.Errorf("machine %s result = %s, want succeed", m.ID, m.Result)
		}
		if m.RequestID != req.ID {
			t.Errorf("machine %s owner = %s, want %s", m.ID, m.RequestID, req.ID)
		}
	}

	// Reconciling a terminal request is a no-op.
	polls := f.strategy.pollCalls
	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile terminal: %v", err)
	}
	if f.strategy.pollCalls != polls {
		t.Errorf("terminal reconcile polled the backend")
	}
}

func TestReconcilePartialVisibilityStaysRunning(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(2, domain.MachineResultExecuting), nil
	}
	req := f.mustProvision(t, 3)
	f.mustDispatch(t, req.ID)

	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := f.eng.GetRequest(context.Background(), req.ID)
	if got.Status != domain.RequestStatusRunning {
		t.Errorf("status = %s, want running until all machines report", got.Status)
	}
	if len(got.MachineIDs) != 2 {
		t.Errorf("tracked machines = %d, want 2", len(got.MachineIDs))
	}
}

func TestReconcileMixedResults(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		obs := observations(3, domain.MachineResultSucceed)
		obs[2].Result = domain.MachineResultFail
		obs[2].Status = domain.MachineStatusFailed
		obs[2].Message = "insufficient capacity"
		return obs, nil
	}
	req := f.mustProvision(t, 3)
	f.mustDispatch(t, req.ID)

	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := f.eng.GetRequest(context.Background(), req.ID)
	if got.Status != domain.RequestStatusCompletedWithError {
		t.Fatalf("status = %s, want completed_with_error", got.Status)
	}
	if !strings.Contains(got.Message, "1 of 3") {
		t.Errorf("message = %q, want failed machine count", got.Message)
	}
}

func TestReconcileTimeoutForcesTerminal(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(1, domain.MachineResultExecuting), nil
	}
	req := f.mustProvision(t, 3)
	f.mustDispatch(t, req.ID)

	f.clock.Advance(11 * time.Minute)
	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := f.eng.GetRequest(context.Background(), req.ID)
	if got.Status != domain.RequestStatusCompletedWithError {
		t.Fatalf("status = %s, want completed_with_error", got.Status)
	}
	if !strings.Contains(got.Message, "timed out") {
		t.Errorf("message = %q, want timeout reason", got.Message)
	}
}

func TestReconcileTransientPollKeepsRunning(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return nil, Transient(CodeBackendTimeout, "api timeout", nil)
	}
	req := f.mustProvision(t, 1)
	f.mustDispatch(t, req.ID)

	if err := f.eng.Reconcile(context.Background(), req.ID); err == nil {
		t.Fatal("reconcile with transient poll failure returned nil")
	}
	got, _ := f.eng.GetRequest(context.Background(), req.ID)
	if got.Status != domain.RequestStatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestCancelPendingFailsOnDispatch(t *testing.T) {
	f := newFixture(t)
	req := f.mustProvision(t, 2)

	if err := f.eng.Cancel(context.Background(), req.ID, "operator abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := f.mustDispatch(t, req.ID)
	if got.Status != domain.RequestStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if f.strategy.provisionCalls != 0 {
		t.Errorf("cancelled request still reached the backend")
	}
}

func TestCancelRunningTerminatesOnReconcile(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(2, domain.MachineResultExecuting), nil
	}
	req := f.mustProvision(t, 2)
	f.mustDispatch(t, req.ID)
	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if err := f.eng.Cancel(context.Background(), req.ID, "budget exceeded"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile after cancel: %v", err)
	}

	got, _ := f.eng.GetRequest(context.Background(), req.ID)
	if got.Status != domain.RequestStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if f.strategy.terminateCalls != 1 {
		t.Errorf("terminate calls = %d, want 1 best-effort teardown", f.strategy.terminateCalls)
	}
	if len(f.strategy.terminated) != 2 {
		t.Errorf("terminated %d machines, want 2", len(f.strategy.terminated))
	}
}

func TestCancelTerminalRequestRejected(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(1, domain.MachineResultSucceed), nil
	}
	req := f.mustProvision(t, 1)
	f.mustDispatch(t, req.ID)
	if err := f.eng.Reconcile(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	err := f.eng.Cancel(context.Background(), req.ID, "too late")
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeInvalidTransition {
		t.Fatalf("err = %v, want %s", err, CodeInvalidTransition)
	}
}

func TestReturnFlow(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(2, domain.MachineResultSucceed), nil
	}
	prov := f.mustProvision(t, 2)
	f.mustDispatch(t, prov.ID)
	if err := f.eng.Reconcile(context.Background(), prov.ID); err != nil {
		t.Fatalf("reconcile provision: %v", err)
	}

	ret, unknown, err := f.eng.CreateReturnRequest(context.Background(), []string{"host-01", "host-02", "ghost-99"})
	if err != nil {
		t.Fatalf("create return request: %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "ghost-99" {
		t.Errorf("unknown = %v, want [ghost-99]", unknown)
	}
	if ret.Kind != domain.RequestKindReturn || ret.Count != 2 {
		t.Errorf("kind/count = %s/%d, want return/2", ret.Kind, ret.Count)
	}

	got := f.mustDispatch(t, ret.ID)
	if got.Status != domain.RequestStatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.Handle != "sim=term-1" {
		t.Errorf("handle = %q, want sim=term-1", got.Handle)
	}
	if len(f.strategy.terminated) != 2 {
		t.Fatalf("terminate received %d machines, want 2", len(f.strategy.terminated))
	}

	// Backend reports both machines gone; the request settles.
	f.strategy.poll = func(_ context.Context, handle string) ([]MachineObservation, error) {
		if handle != "term-1" {
			return nil, Permanent(CodeBackendFailed, fmt.Sprintf("unknown handle %q", handle), nil)
		}
		obs := observations(2, "")
		for i := range obs {
			obs[i].Status = domain.MachineStatusTerminated
		}
		return obs, nil
	}
	if err := f.eng.Reconcile(context.Background(), ret.ID); err != nil {
		t.Fatalf("reconcile return: %v", err)
	}
	final, _ := f.eng.GetRequest(context.Background(), ret.ID)
	if final.Status != domain.RequestStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}

	machines, _ := f.eng.Machines(context.Background(), prov.ID)
	for _, m := range machines {
		if m.Status != domain.MachineStatusTerminated {
			t.Errorf("machine %s status = %s, want terminated", m.ID, m.Status)
		}
	}
}

func TestReturnRequestAllUnknown(t *testing.T) {
	f := newFixture(t)

	_, unknown, err := f.eng.CreateReturnRequest(context.Background(), []string{"ghost-1", "ghost-2"})
	if err == nil {
		t.Fatal("return request with no known machines accepted")
	}
	if len(unknown) != 2 {
		t.Errorf("unknown = %v, want both names", unknown)
	}
}

func TestCleanupTerminalPurgesOldRequests(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(2, domain.MachineResultSucceed), nil
	}
	done := f.mustProvision(t, 2)
	f.mustDispatch(t, done.ID)
	if err := f.eng.Reconcile(context.Background(), done.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	young := f.mustProvision(t, 1)

	f.clock.Advance(48 * time.Hour)
	removed, err := f.eng.CleanupTerminal(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := f.eng.GetRequest(context.Background(), done.ID); err == nil {
		t.Error("purged request still loadable")
	}
	if _, err := f.eng.GetRequest(context.Background(), young.ID); err != nil {
		t.Errorf("pending request was purged: %v", err)
	}
	machines, _ := f.eng.ListMachines(context.Background())
	if len(machines) != 0 {
		t.Errorf("machines left after cleanup = %d, want 0", len(machines))
	}
}

func TestReconcilerPassSweepsAllWork(t *testing.T) {
	f := newFixture(t)
	f.strategy.poll = func(context.Context, string) ([]MachineObservation, error) {
		return observations(1, domain.MachineResultSucceed), nil
	}
	first := f.mustProvision(t, 1)
	f.mustDispatch(t, first.ID)
	second := f.mustProvision(t, 1)

	rec := NewReconciler(f.eng, ReconcilerConfig{Interval: time.Hour, Workers: 2}, zerolog.Nop(), nil)
	processed, err := rec.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}

	got1, _ := f.eng.GetRequest(context.Background(), first.ID)
	if got1.Status != domain.RequestStatusCompleted {
		t.Errorf("running request = %s, want completed", got1.Status)
	}
	got2, _ := f.eng.GetRequest(context.Background(), second.ID)
	if got2.Status != domain.RequestStatusRunning {
		t.Errorf("pending request = %s, want running after dispatch", got2.Status)
	}
}

func TestReconcilerPassRefreshesHealth(t *testing.T) {
	f := newFixture(t)

	rec := NewReconciler(f.eng, ReconcilerConfig{Interval: time.Hour}, zerolog.Nop(), nil)
	if _, err := rec.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}

	// Every pass probes strategy health so RequireHealthy selection
	// never filters against stale state.
	reg := f.eng.registry.(*stubRegistry)
	if reg.refreshes != 1 {
		t.Errorf("health refreshes = %d, want 1", reg.refreshes)
	}
}

func TestDispatchExposesBuildIdentity(t *testing.T) {
	f := newFixture(t)
	var seen domain.PackageInfo
	f.eng.pkg = domain.PackageInfo{Name: "hostforge", Version: "1.2.3"}
	f.eng.resolver = captureResolver{seen: &seen}

	req := f.mustProvision(t, 1)
	f.mustDispatch(t, req.ID)

	if seen.Name != "hostforge" || seen.Version != "1.2.3" {
		t.Errorf("render package = %+v, want hostforge/1.2.3", seen)
	}
}

// captureResolver records the render context the engine hands over.
type captureResolver struct {
	seen *domain.PackageInfo
}

func (c captureResolver) Resolve(_ context.Context, tpl *domain.Template, rc domain.RenderContext) (*domain.ResolvedSpec, error) {
	*c.seen = rc.Package
	return &domain.ResolvedSpec{TemplateID: tpl.ID, BackendType: tpl.BackendType}, nil
}
