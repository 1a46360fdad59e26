package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of state transition an event records.
type EventType string

const (
	// Request events.
	EventRequestCreated         EventType = "request.created"
	EventRequestDispatched      EventType = "request.dispatched"
	EventRequestDispatchFailed  EventType = "request.dispatch_failed"
	EventRequestMachinesAdded   EventType = "request.machines_added"
	EventRequestCompleted       EventType = "request.completed"
	EventRequestCancelRequested EventType = "request.cancel_requested"

	// Machine events.
	EventMachineProvisioned EventType = "machine.provisioned"
	EventMachineObserved    EventType = "machine.observed"
)

// Event is one immutable entry in a per-aggregate event log. The event
// ID is the deduplication key: appending the same event twice must not
// double-apply. Seq is assigned by the store at append time and orders
// the log within an aggregate.
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Aggregate   AggregateKind   `json:"aggregate"`
	Type        EventType       `json:"type"`
	Seq         int64           `json:"seq"`
	At          time.Time       `json:"at"`
	Data        json.RawMessage `json:"data"`
}

func newEvent(ids IDGenerator, kind AggregateKind, aggregateID string, typ EventType, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Event{
		ID:          ids.NewID(),
		AggregateID: aggregateID,
		Aggregate:   kind,
		Type:        typ,
		At:          at.UTC(),
		Data:        data,
	}, nil
}

func decodePayload(ev Event, into any) error {
	if err := json.Unmarshal(ev.Data, into); err != nil {
		return fmt.Errorf("decode %s event %s: %w", ev.Type, ev.ID, err)
	}
	return nil
}

// Payloads. Every field that contributes to a snapshot lives here; the
// snapshot is reproducible by replaying these events in Seq order.

type RequestCreatedPayload struct {
	Kind       RequestKind `json:"kind"`
	TemplateID string      `json:"template_id,omitempty"`
	Count      int         `json:"count"`
	Timeout    int64       `json:"timeout_seconds,omitempty"`
}

type RequestDispatchedPayload struct {
	Strategy string `json:"strategy"`
	Handle   string `json:"handle"`
}

type RequestDispatchFailedPayload struct {
	Message string `json:"message"`
}

type RequestMachinesAddedPayload struct {
	MachineIDs []string `json:"machine_ids"`
}

type RequestCompletedPayload struct {
	Status  RequestStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

type RequestCancelRequestedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type MachineProvisionedPayload struct {
	RequestID  string        `json:"request_id"`
	BackendID  string        `json:"backend_id"`
	Name       string        `json:"name"`
	Status     MachineStatus `json:"status"`
	PrivateIP  string        `json:"private_ip,omitempty"`
	PublicIP   string        `json:"public_ip,omitempty"`
	LaunchTime int64         `json:"launch_time,omitempty"`
	PriceType  string        `json:"price_type,omitempty"`
}

type MachineObservedPayload struct {
	Status    MachineStatus `json:"status"`
	Result    MachineResult `json:"result"`
	PrivateIP string        `json:"private_ip,omitempty"`
	PublicIP  string        `json:"public_ip,omitempty"`
	Message   string        `json:"message,omitempty"`
}
