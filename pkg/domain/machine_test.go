package domain

import (
	"testing"
	"time"
)

func provisionedMachine(t *testing.T, ids IDGenerator) *Machine {
	t.Helper()
	events, err := ProposeMachineProvisioned(ids, testTime, "m-1", MachineProvisionedPayload{
		RequestID:  "req-1",
		BackendID:  "i-0abc",
		Name:       "host-1.internal",
		Status:     MachineStatusPending,
		LaunchTime: testTime.Unix(),
	})
	if err != nil {
		t.Fatalf("propose provisioned: %v", err)
	}
	m, err := MachineFromEvents(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	return m
}

func TestMachineStartsExecuting(t *testing.T) {
	m := provisionedMachine(t, &seqIDs{})
	if m.Result != MachineResultExecuting {
		t.Errorf("result = %s, want executing", m.Result)
	}
	if m.RequestID != "req-1" {
		t.Errorf("request id = %s, want req-1", m.RequestID)
	}
}

func TestMachineRequiresRequest(t *testing.T) {
	if _, err := ProposeMachineProvisioned(&seqIDs{}, testTime, "m-1", MachineProvisionedPayload{}); err == nil {
		t.Error("machine without owning request accepted")
	}
}

func TestMachineResultMovesOnce(t *testing.T) {
	ids := &seqIDs{}
	m := provisionedMachine(t, ids)

	observe := func(p MachineObservedPayload) []Event {
		t.Helper()
		events, err := m.ProposeObserved(ids, testTime.Add(time.Minute), p)
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		for _, ev := range events {
			if err := m.Apply(ev); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		return events
	}

	observe(MachineObservedPayload{Status: MachineStatusRunning, Result: MachineResultSucceed, PrivateIP: "10.0.0.4"})
	if m.Result != MachineResultSucceed {
		t.Fatalf("result = %s, want succeed", m.Result)
	}

	// A later contradictory terminal observation is rejected.
	if _, err := m.ProposeObserved(ids, testTime.Add(2*time.Minute), MachineObservedPayload{
		Status: MachineStatusFailed, Result: MachineResultFail,
	}); err == nil {
		t.Error("result flip succeed -> fail accepted")
	}

	// A repeated identical observation is a no-op.
	events, err := m.ProposeObserved(ids, testTime.Add(2*time.Minute), MachineObservedPayload{
		Status: MachineStatusRunning, Result: MachineResultSucceed,
	})
	if err != nil {
		t.Fatalf("repeat observation: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("repeat observation produced %d events, want 0", len(events))
	}
}

func TestMachineStatusMovesAfterResultSettles(t *testing.T) {
	ids := &seqIDs{}
	m := provisionedMachine(t, ids)

	events, err := m.ProposeObserved(ids, testTime.Add(time.Minute), MachineObservedPayload{
		Status: MachineStatusRunning, Result: MachineResultSucceed,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	for _, ev := range events {
		if err := m.Apply(ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	// Return handling still needs to move a succeeded machine to
	// terminated; the settled result must survive the transition.
	events, err = m.ProposeObserved(ids, testTime.Add(2*time.Minute), MachineObservedPayload{
		Status: MachineStatusTerminated,
	})
	if err != nil {
		t.Fatalf("observe terminated: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("terminated observation produced %d events, want 1", len(events))
	}
	for _, ev := range events {
		if err := m.Apply(ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if m.Status != MachineStatusTerminated {
		t.Errorf("status = %s, want terminated", m.Status)
	}
	if m.Result != MachineResultSucceed {
		t.Errorf("result = %s, want succeed preserved", m.Result)
	}
}

func TestMachineUnchangedObservationIsNoop(t *testing.T) {
	ids := &seqIDs{}
	m := provisionedMachine(t, ids)

	events, err := m.ProposeObserved(ids, testTime.Add(time.Minute), MachineObservedPayload{
		Status: MachineStatusPending, Result: MachineResultExecuting,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("unchanged observation produced %d events, want 0", len(events))
	}
}
