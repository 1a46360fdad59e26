package policy

import (
	"time"

	"github.com/hostforge/hostforge/pkg/domain"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do
	// not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request and flags it for operators.
	SeverityCritical Severity = "critical"
)

// blocking reports whether a violation at this severity denies
// admission.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one admission finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Input is the document handed to every policy evaluation.
type Input struct {
	// Template is the machine template the request targets.
	Template *domain.Template `json:"template"`

	// Count is the number of machines requested.
	Count int `json:"count"`

	// Context carries evaluation metadata.
	Context InputContext `json:"context"`
}

// InputContext is the evaluation metadata block of an Input.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}
