package hostfactory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

// Default grace periods granted to the workload manager for draining
// a machine before it is reclaimed. Spot capacity gets the short
// window the cloud itself offers.
const (
	DefaultGracePeriod = 300 * time.Second
	SpotGracePeriod    = 120 * time.Second
)

// FacadeOptions configures a Facade.
type FacadeOptions struct {
	// GracePeriod overrides the default drain window for on-demand
	// machines.
	GracePeriod time.Duration

	Logger zerolog.Logger
}

// Facade adapts the engine to the workload manager's operation shapes.
// It owns no state; every call goes straight through to the engine.
type Facade struct {
	eng       *engine.Engine
	templates engine.TemplateSource
	grace     time.Duration
	log       zerolog.Logger
}

// NewFacade builds a facade over the engine and its template source.
func NewFacade(eng *engine.Engine, templates engine.TemplateSource, opts FacadeOptions) *Facade {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Facade{
		eng:       eng,
		templates: templates,
		grace:     opts.GracePeriod,
		log:       opts.Logger.With().Str("component", "hostfactory").Logger(),
	}
}

// ListTemplates returns the available templates in listing shape.
func (f *Facade) ListTemplates(ctx context.Context) (*TemplatesResponse, error) {
	templates, err := f.templates.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	infos := make([]TemplateInfo, 0, len(templates))
	for _, tpl := range templates {
		infos = append(infos, TemplateInfo{
			TemplateID: tpl.ID,
			MaxNumber:  tpl.MaxNumber,
			Attributes: tpl.Attributes,
		})
	}

	return &TemplatesResponse{
		Templates: infos,
		Message:   fmt.Sprintf("Get available templates success. Retrieved %d templates.", len(infos)),
	}, nil
}

// RequestMachines creates a provisioning request for count machines of
// the named template and dispatches it. The request id is returned as
// soon as the request is admitted; a dispatch failure is reflected in
// the request's status rather than this call's error.
func (f *Facade) RequestMachines(ctx context.Context, templateID string, count int) (*RequestResponse, error) {
	req, err := f.eng.CreateProvisionRequest(ctx, templateID, count)
	if err != nil {
		return nil, err
	}

	if err := f.eng.Dispatch(ctx, req.ID); err != nil {
		f.log.Warn().Err(err).Str("request_id", req.ID).Msg("dispatch failed, status poll will report the outcome")
	}

	return &RequestResponse{
		RequestID: req.ID,
		Message:   "Request VM success.",
	}, nil
}

// GetRequestStatus reports per-machine status for the given request
// ids.
func (f *Facade) GetRequestStatus(ctx context.Context, requestIDs ...string) (*StatusResponse, error) {
	views := make([]RequestStatusView, 0, len(requestIDs))
	for _, id := range requestIDs {
		req, err := f.eng.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		machines, err := f.eng.Machines(ctx, id)
		if err != nil {
			return nil, err
		}

		mviews := make([]MachineView, 0, len(machines))
		for _, m := range machines {
			mviews = append(mviews, machineView(m))
		}
		views = append(views, RequestStatusView{
			RequestID: req.ID,
			Status:    wireStatus(req.Status),
			Machines:  mviews,
			Message:   req.Message,
		})
	}

	return &StatusResponse{
		Requests: views,
		Message:  "Status retrieved successfully.",
	}, nil
}

// ReturnMachines creates a return request for the named machines and
// dispatches it. Names the engine does not know are reported in the
// message; an all-unknown return yields an empty request id rather
// than an error, matching the manager's tolerance for stale names.
func (f *Facade) ReturnMachines(ctx context.Context, machineNames []string) (*RequestResponse, error) {
	req, unknown, err := f.eng.CreateReturnRequest(ctx, machineNames)
	if err != nil {
		var engErr *engine.Error
		if errors.As(err, &engErr) && engErr.Code == engine.CodeRequestNotFound {
			return &RequestResponse{
				RequestID: "",
				Message:   fmt.Sprintf("Delete VM success. Unknown machines: %s", strings.Join(unknown, ", ")),
			}, nil
		}
		return nil, err
	}

	if err := f.eng.Dispatch(ctx, req.ID); err != nil {
		f.log.Warn().Err(err).Str("request_id", req.ID).Msg("return dispatch failed, status poll will report the outcome")
	}

	msg := "Delete VM success."
	if len(unknown) > 0 {
		msg = fmt.Sprintf("Delete VM success. Unknown machines: %s", strings.Join(unknown, ", "))
	}
	return &RequestResponse{RequestID: req.ID, Message: msg}, nil
}

// GetReturnRequests lists machines with an open return request and the
// drain window each is granted.
func (f *Facade) GetReturnRequests(ctx context.Context) (*ReturnRequestsResponse, error) {
	requests, err := f.eng.ListRequests(ctx)
	if err != nil {
		return nil, err
	}

	var views []ReturnRequestView
	for _, req := range requests {
		if req.Kind != domain.RequestKindReturn || req.Status.IsTerminal() {
			continue
		}
		machines, err := f.eng.Machines(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range machines {
			if m.Status.IsTerminal() {
				continue
			}
			views = append(views, ReturnRequestView{
				Machine:     m.Name,
				GracePeriod: int64(f.gracePeriodFor(m) / time.Second),
			})
		}
	}

	return &ReturnRequestsResponse{
		Requests: views,
		Message:  "Return requests retrieved successfully.",
	}, nil
}

func (f *Facade) gracePeriodFor(m *domain.Machine) time.Duration {
	if m.PriceType == "spot" {
		return SpotGracePeriod
	}
	return f.grace
}

// wireStatus folds the engine's request statuses into the manager's
// three-valued vocabulary.
func wireStatus(s domain.RequestStatus) string {
	switch s {
	case domain.RequestStatusCompleted:
		return "complete"
	case domain.RequestStatusCompletedWithError, domain.RequestStatusFailed:
		return "complete_with_errors"
	default:
		return "running"
	}
}

func machineView(m *domain.Machine) MachineView {
	result := string(m.Result)
	if result == "" {
		result = string(domain.MachineResultExecuting)
	}
	return MachineView{
		MachineID:        m.ID,
		Name:             m.Name,
		Result:           result,
		Status:           string(m.Status),
		PrivateIPAddress: m.PrivateIP,
		PublicIPAddress:  m.PublicIP,
		LaunchTime:       m.LaunchTime,
		Message:          m.Message,
	}
}
