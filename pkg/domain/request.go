package domain

import (
	"errors"
	"fmt"
	"time"
)

// Request is the aggregate for one provisioning or return operation.
// The Version field is the optimistic-concurrency version of the last
// loaded snapshot; it is maintained by the repository, not by events.
type Request struct {
	ID          string         `json:"id"`
	Kind        RequestKind    `json:"kind"`
	TemplateID  string         `json:"template_id,omitempty"`
	Count       int            `json:"count"`
	Status      RequestStatus  `json:"status"`
	Strategy    string         `json:"strategy,omitempty"`
	Handle      string         `json:"handle,omitempty"`
	MachineIDs  []string       `json:"machine_ids,omitempty"`
	Message     string         `json:"message,omitempty"`
	Cancelled   bool           `json:"cancelled,omitempty"`
	Timeout     int64          `json:"timeout_seconds,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Version     int64          `json:"-"`
}

// ErrTerminalRequest is returned when a command targets a request that
// already reached a terminal status.
var ErrTerminalRequest = errors.New("request is terminal")

// ErrNotPending is returned when dispatch is attempted on a request
// that is not in pending status.
var ErrNotPending = errors.New("request is not pending")

// ProposeRequestCreated builds the creation event for a new request.
// count must be positive; a provision request must name a template.
func ProposeRequestCreated(ids IDGenerator, now time.Time, requestID string, kind RequestKind, templateID string, count int, timeout time.Duration) ([]Event, error) {
	if count <= 0 {
		return nil, fmt.Errorf("requested count must be positive, got %d", count)
	}
	if kind == RequestKindProvision && templateID == "" {
		return nil, errors.New("provision request requires a template id")
	}
	ev, err := newEvent(ids, KindRequest, requestID, EventRequestCreated, now, RequestCreatedPayload{
		Kind:       kind,
		TemplateID: templateID,
		Count:      count,
		Timeout:    int64(timeout / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ProposeDispatched records the transition pending -> running with the
// backend handle assigned by the selected strategy. Only a pending
// request may be dispatched.
func (r *Request) ProposeDispatched(ids IDGenerator, now time.Time, strategy, handle string) ([]Event, error) {
	if r.Status != RequestStatusPending {
		return nil, fmt.Errorf("dispatch request %s in status %s: %w", r.ID, r.Status, ErrNotPending)
	}
	ev, err := newEvent(ids, KindRequest, r.ID, EventRequestDispatched, now, RequestDispatchedPayload{
		Strategy: strategy,
		Handle:   handle,
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ProposeDispatchFailed records the transition pending -> failed when
// dispatch itself could not be carried out.
func (r *Request) ProposeDispatchFailed(ids IDGenerator, now time.Time, message string) ([]Event, error) {
	if r.Status != RequestStatusPending {
		return nil, fmt.Errorf("fail dispatch of request %s in status %s: %w", r.ID, r.Status, ErrNotPending)
	}
	ev, err := newEvent(ids, KindRequest, r.ID, EventRequestDispatchFailed, now, RequestDispatchFailedPayload{
		Message: message,
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ProposeMachinesAdded associates newly observed machines with the
// request. For provision requests the association may never exceed the
// requested count. Already associated ids are ignored.
func (r *Request) ProposeMachinesAdded(ids IDGenerator, now time.Time, machineIDs []string) ([]Event, error) {
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("add machines to request %s: %w", r.ID, ErrTerminalRequest)
	}
	known := make(map[string]bool, len(r.MachineIDs))
	for _, id := range r.MachineIDs {
		known[id] = true
	}
	fresh := make([]string, 0, len(machineIDs))
	for _, id := range machineIDs {
		if !known[id] {
			fresh = append(fresh, id)
			known[id] = true
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if r.Kind == RequestKindProvision && len(r.MachineIDs)+len(fresh) > r.Count {
		return nil, fmt.Errorf("request %s: %d machines exceed requested count %d",
			r.ID, len(r.MachineIDs)+len(fresh), r.Count)
	}
	ev, err := newEvent(ids, KindRequest, r.ID, EventRequestMachinesAdded, now, RequestMachinesAddedPayload{
		MachineIDs: fresh,
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ProposeCompleted records the transition to a terminal status. status
// must be terminal and the request must not already be terminal.
func (r *Request) ProposeCompleted(ids IDGenerator, now time.Time, status RequestStatus, message string) ([]Event, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("complete request %s with non-terminal status %s", r.ID, status)
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("complete request %s: %w", r.ID, ErrTerminalRequest)
	}
	ev, err := newEvent(ids, KindRequest, r.ID, EventRequestCompleted, now, RequestCompletedPayload{
		Status:  status,
		Message: message,
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ProposeCancelRequested marks the request for cancellation. The next
// reconciliation pass observes the flag; cancellation never interrupts
// an in-flight backend call. Cancelling a terminal request is rejected;
// a repeated cancel is a no-op.
func (r *Request) ProposeCancelRequested(ids IDGenerator, now time.Time, reason string) ([]Event, error) {
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("cancel request %s: %w", r.ID, ErrTerminalRequest)
	}
	if r.Cancelled {
		return nil, nil
	}
	ev, err := newEvent(ids, KindRequest, r.ID, EventRequestCancelRequested, now, RequestCancelRequestedPayload{
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// Apply folds a single event into the request state. Events must be
// applied in Seq order.
func (r *Request) Apply(ev Event) error {
	if ev.Aggregate != KindRequest {
		return fmt.Errorf("apply %s event to request %s", ev.Aggregate, r.ID)
	}
	switch ev.Type {
	case EventRequestCreated:
		var p RequestCreatedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		r.ID = ev.AggregateID
		r.Kind = p.Kind
		r.TemplateID = p.TemplateID
		r.Count = p.Count
		r.Timeout = p.Timeout
		r.Status = RequestStatusPending
		r.CreatedAt = ev.At

	case EventRequestDispatched:
		var p RequestDispatchedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		r.Status = RequestStatusRunning
		r.Strategy = p.Strategy
		r.Handle = p.Handle

	case EventRequestDispatchFailed:
		var p RequestDispatchFailedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		r.Status = RequestStatusFailed
		r.Message = p.Message
		at := ev.At
		r.CompletedAt = &at

	case EventRequestMachinesAdded:
		var p RequestMachinesAddedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		r.MachineIDs = append(r.MachineIDs, p.MachineIDs...)

	case EventRequestCompleted:
		var p RequestCompletedPayload
		if err := decodePayload(ev, &p); err != nil {
			return err
		}
		r.Status = p.Status
		if p.Message != "" {
			r.Message = p.Message
		}
		at := ev.At
		r.CompletedAt = &at

	case EventRequestCancelRequested:
		r.Cancelled = true

	default:
		return fmt.Errorf("unknown request event type %q", ev.Type)
	}
	r.UpdatedAt = ev.At
	return nil
}

// RequestFromEvents rebuilds a request by replaying its event log.
func RequestFromEvents(events []Event) (*Request, error) {
	if len(events) == 0 {
		return nil, errors.New("empty event log")
	}
	r := &Request{}
	for _, ev := range events {
		if err := r.Apply(ev); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// TimedOut reports whether a running request has exceeded its overall
// timeout. Requests without a timeout never time out.
func (r *Request) TimedOut(now time.Time) bool {
	if r.Timeout <= 0 || r.Status != RequestStatusRunning {
		return false
	}
	return now.Sub(r.CreatedAt) > time.Duration(r.Timeout)*time.Second
}
