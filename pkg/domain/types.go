package domain

import "time"

// AggregateKind identifies the aggregate type an event or snapshot
// belongs to. Templates are configuration-backed and cached, not
// event-sourced, so they have no kind here.
type AggregateKind string

const (
	KindRequest AggregateKind = "request"
	KindMachine AggregateKind = "machine"
)

// RequestKind distinguishes provisioning requests from return requests.
type RequestKind string

const (
	RequestKindProvision RequestKind = "provision"
	RequestKindReturn    RequestKind = "return"
)

// RequestStatus is the lifecycle status of a Request.
type RequestStatus string

const (
	RequestStatusPending            RequestStatus = "pending"
	RequestStatusRunning            RequestStatus = "running"
	RequestStatusCompleted          RequestStatus = "completed"
	RequestStatusCompletedWithError RequestStatus = "completed_with_error"
	RequestStatusFailed             RequestStatus = "failed"
)

// IsTerminal reports whether the status is terminal. Terminal requests
// are immutable.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusCompletedWithError, RequestStatusFailed:
		return true
	}
	return false
}

// MachineStatus is the backend-observed lifecycle status of a Machine.
type MachineStatus string

const (
	MachineStatusPending    MachineStatus = "pending"
	MachineStatusRunning    MachineStatus = "running"
	MachineStatusStopping   MachineStatus = "stopping"
	MachineStatusTerminated MachineStatus = "terminated"
	MachineStatusFailed     MachineStatus = "failed"
)

// IsTerminal reports whether the machine status is terminal. Terminal
// machines are no longer polled.
func (s MachineStatus) IsTerminal() bool {
	return s == MachineStatusTerminated || s == MachineStatusFailed
}

// MachineResult mirrors the workload manager's expected vocabulary:
// "executing" is non-terminal, "succeed" and "fail" are terminal.
type MachineResult string

const (
	MachineResultExecuting MachineResult = "executing"
	MachineResultSucceed   MachineResult = "succeed"
	MachineResultFail      MachineResult = "fail"
)

// IsTerminal reports whether the result flag is terminal. The result
// flag may only move executing -> {succeed|fail} once.
func (r MachineResult) IsTerminal() bool {
	return r == MachineResultSucceed || r == MachineResultFail
}

// Clock supplies the current time. Injected so that lifecycle timestamps
// are deterministic under test.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints unique identifiers for aggregates and events.
type IDGenerator interface {
	NewID() string
}
