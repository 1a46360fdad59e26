package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

// SimOptions configures the simulated backend.
type SimOptions struct {
	// Name is the registration name, defaulting to "sim".
	Name string

	// Capabilities defaults to {"sim", "compute"}.
	Capabilities []string

	// PollsToReady is how many status polls a machine stays in
	// executing before it settles. Zero settles on the first poll.
	PollsToReady int

	// FailEvery fails every Nth provisioned machine (0 disables), so
	// mixed-outcome requests can be exercised end to end.
	FailEvery int
}

// SimStrategy is an in-memory backend used by the local development
// loop and the command-line smoke path. It provisions imaginary
// machines that settle after a configurable number of polls and tears
// them down on request; no external calls are made.
type SimStrategy struct {
	name         string
	caps         []string
	pollsToReady int
	failEvery    int

	mu          sync.Mutex
	seq         int
	machineSeq  int
	ops         map[string]*simOp
	byBackendID map[string]*simMachine
}

type simOp struct {
	terminate bool
	machines  []*simMachine
	polls     int
}

type simMachine struct {
	backendID  string
	name       string
	launchTime int64
	failing    bool
	terminated bool
}

// NewSimStrategy creates a simulated backend strategy.
func NewSimStrategy(opts SimOptions) *SimStrategy {
	if opts.Name == "" {
		opts.Name = "sim"
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = []string{"sim", "compute"}
	}
	return &SimStrategy{
		name:         opts.Name,
		caps:         opts.Capabilities,
		pollsToReady: opts.PollsToReady,
		failEvery:    opts.FailEvery,
		ops:          make(map[string]*simOp),
		byBackendID:  make(map[string]*simMachine),
	}
}

func (s *SimStrategy) Name() string           { return s.name }
func (s *SimStrategy) Capabilities() []string { return append([]string(nil), s.caps...) }

// Provision creates count simulated machines under a fresh handle.
func (s *SimStrategy) Provision(_ context.Context, spec *domain.ResolvedSpec, count int) (string, error) {
	if count <= 0 {
		return "", engine.Permanent(engine.CodeBackendFailed, "count must be positive", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	handle := fmt.Sprintf("%s-op-%04d", s.name, s.seq)

	op := &simOp{}
	for i := 0; i < count; i++ {
		s.machineSeq++
		m := &simMachine{
			backendID:  fmt.Sprintf("i-%s-%06d", s.name, s.machineSeq),
			name:       fmt.Sprintf("%s-host-%06d", s.name, s.machineSeq),
			launchTime: time.Now().Unix(),
			failing:    s.failEvery > 0 && s.machineSeq%s.failEvery == 0,
		}
		op.machines = append(op.machines, m)
		s.byBackendID[m.backendID] = m
	}
	s.ops[handle] = op
	return handle, nil
}

// PollStatus reports the machines under a handle, advancing the
// simulated lifecycle one step per poll.
func (s *SimStrategy) PollStatus(_ context.Context, handle string) ([]engine.MachineObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[handle]
	if !ok {
		return nil, engine.Permanent(engine.CodeBackendFailed, fmt.Sprintf("unknown handle %q", handle), nil)
	}
	op.polls++

	out := make([]engine.MachineObservation, 0, len(op.machines))
	for _, m := range op.machines {
		out = append(out, s.observe(m, op))
	}
	return out, nil
}

func (s *SimStrategy) observe(m *simMachine, op *simOp) engine.MachineObservation {
	obs := engine.MachineObservation{
		BackendID:  m.backendID,
		Name:       m.name,
		LaunchTime: m.launchTime,
		PriceType:  "onDemand",
		PrivateIP:  fmt.Sprintf("10.42.%d.%d", s.seq%250, len(m.backendID)%250),
	}

	settled := op.polls > s.pollsToReady
	switch {
	case op.terminate:
		if settled {
			m.terminated = true
			obs.Status = domain.MachineStatusTerminated
		} else {
			obs.Status = domain.MachineStatusStopping
		}
	case m.terminated:
		obs.Status = domain.MachineStatusTerminated
	case !settled:
		obs.Status = domain.MachineStatusPending
		obs.Result = domain.MachineResultExecuting
	case m.failing:
		obs.Status = domain.MachineStatusFailed
		obs.Result = domain.MachineResultFail
		obs.Message = "simulated capacity failure"
	default:
		obs.Status = domain.MachineStatusRunning
		obs.Result = domain.MachineResultSucceed
	}
	return obs
}

// Terminate starts tearing down the named machines.
func (s *SimStrategy) Terminate(_ context.Context, backendIDs []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := &simOp{terminate: true}
	for _, id := range backendIDs {
		m, ok := s.byBackendID[id]
		if !ok {
			return "", engine.Permanent(engine.CodeBackendFailed, fmt.Sprintf("unknown machine %q", id), nil)
		}
		op.machines = append(op.machines, m)
	}

	s.seq++
	handle := fmt.Sprintf("%s-term-%04d", s.name, s.seq)
	s.ops[handle] = op
	return handle, nil
}

// HealthCheck always reports healthy; the simulator has no backend to
// lose.
func (s *SimStrategy) HealthCheck(context.Context) engine.HealthState {
	return engine.HealthState{Healthy: true, CheckedAt: time.Now().UTC()}
}
