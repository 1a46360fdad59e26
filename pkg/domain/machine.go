package domain

import (
	"errors"
	"fmt"
	"time"
)

// Machine is the aggregate for one tracked compute instance. A machine
// always references exactly one owning request; the request holds the
// machine id as a back-reference but machines are persisted and
// addressed independently.
type Machine struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"request_id"`
	BackendID  string        `json:"backend_id"`
	Name       string        `json:"name"`
	Status     MachineStatus `json:"status"`
	Result     MachineResult `json:"result"`
	PrivateIP  string        `json:"private_ip,omitempty"`
	PublicIP   string        `json:"public_ip,omitempty"`
	PriceType  string        `json:"price_type,omitempty"`
	Message    string        `json:"message,omitempty"`
	LaunchTime int64         `json:"launch_time,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ObservedAt time.Time     `json:"observed_at"`
	Version    int64         `json:"-"`
}

// ErrResultFinal is returned when an observation tries to move a
// machine result that already reached succeed or fail.
var ErrResultFinal = errors.New("machine result is final")

// ProposeMachineProvisioned builds the creation event for a machine
// first reported by a provisioning call.
func ProposeMachineProvisioned(ids IDGenerator, now time.Time, machineID string, p MachineProvisionedPayload) ([]Event, error) {
	if p.RequestID == "" {
		return nil, errors.New("machine requires an owning request id")
	}
	if p.Status == "" {
		p.Status = MachineStatusPending
	}
	ev, err := newEvent(ids, KindMachine, machineID, EventMachineProvisioned, now, p)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ProposeObserved records a poll observation. Observations that change
// nothing produce no event. The result flag may only move
// executing -> {succeed|fail} once; a conflicting later observation is
// rejected so a flapping backend cannot resurrect a settled machine.
func (m *Machine) ProposeObserved(ids IDGenerator, now time.Time, p MachineObservedPayload) ([]Event, error) {
	if p.Status == "" {
		p.Status = m.Status
	}
	if p.Result == "" {
		p.Result = m.Result
	}
	if m.Result.IsTerminal() {
		if p.Result != m.Result && p.Result.IsTerminal() {
			return nil, fmt.Errorf("machine %s result %s -> %s: %w", m.ID, m.Result, p.Result, ErrResultFinal)
		}
		// The settled result sticks; status and addresses may still
		// change, e.g. a succeeded machine being terminated later.
		p.Result = m.Result
	}
	if p.Status == m.Status && p.Result == m.Result &&
		p.PrivateIP == m.PrivateIP && p.PublicIP == m.PublicIP && p.Message == m.Message {
		return nil, nil
	}
	ev, err := newEvent(ids, KindMachine, m.ID, EventMachineObserved, now, p)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// Apply folds a single event into the machine state.
func (m *Machine) Apply(ev Event) error {
	if ev.Aggregate != KindMachine {
		return fmt.Errorf("apply %s event to machine %s", ev.Aggregate, m.ID)
	}
	switch ev.Type {
	case EventMachineProvisioned:
		var p MachineProvisionedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		m.ID = ev.AggregateID
		m.RequestID = p.RequestID
		m.BackendID = p.BackendID
		m.Name = p.Name
		m.Status = p.Status
		m.Result = MachineResultExecuting
		m.PrivateIP = p.PrivateIP
		m.PublicIP = p.PublicIP
		m.PriceType = p.PriceType
		m.LaunchTime = p.LaunchTime
		m.CreatedAt = ev.At

	case EventMachineObserved:
		var p MachineObservedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		m.Status = p.Status
		m.Result = p.Result
		if p.PrivateIP != "" {
			m.PrivateIP = p.PrivateIP
		}
		if p.PublicIP != "" {
			m.PublicIP = p.PublicIP
		}
		m.Message = p.Message

	default:
		return fmt.Errorf("unknown machine event type %q", ev.Type)
	}
	m.ObservedAt = ev.At
	return nil
}

// MachineFromEvents rebuilds a machine by replaying its event log.
func MachineFromEvents(events []Event) (*Machine, error) {
	if len(events) == 0 {
		return nil, errors.New("empty event log")
	}
	m := &Machine{}
	for _, ev := range events {
		if err := m.Apply(ev); err != nil {
			return nil, err
		}
	}
	return m, nil
}
