package hostfactory

// The JSON field names in this package are the workload manager's
// wire contract and must not be renamed.

// TemplateInfo is one entry of the template listing.
type TemplateInfo struct {
	TemplateID string         `json:"templateId"`
	MaxNumber  int            `json:"maxNumber"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// TemplatesResponse answers the list-templates operation.
type TemplatesResponse struct {
	Templates []TemplateInfo `json:"templates"`
	Message   string         `json:"message"`
}

// RequestResponse answers the request-machines and return-machines
// operations.
type RequestResponse struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// MachineView is the per-machine block of a status response. A result
// of succeed is terminal success, fail is terminal failure, and
// executing is non-terminal.
type MachineView struct {
	MachineID        string `json:"machineId"`
	Name             string `json:"name"`
	Result           string `json:"result"`
	Status           string `json:"status"`
	PrivateIPAddress string `json:"privateIpAddress"`
	PublicIPAddress  string `json:"publicIpAddress,omitempty"`
	LaunchTime       int64  `json:"launchTime,omitempty"`
	Message          string `json:"message,omitempty"`
}

// RequestStatusView is the status of one request.
type RequestStatusView struct {
	RequestID string        `json:"requestId"`
	Status    string        `json:"status"`
	Machines  []MachineView `json:"machines"`
	Message   string        `json:"message,omitempty"`
}

// StatusResponse answers the poll-request-status operation.
type StatusResponse struct {
	Requests []RequestStatusView `json:"requests"`
	Message  string              `json:"message"`
}

// ReturnRequestView is one machine the manager should drain, with the
// grace period it is granted in seconds.
type ReturnRequestView struct {
	Machine     string `json:"machine"`
	GracePeriod int64  `json:"gracePeriod"`
}

// ReturnRequestsResponse answers the list-return-requests operation.
type ReturnRequestsResponse struct {
	Requests []ReturnRequestView `json:"requests"`
	Message  string              `json:"message"`
}
