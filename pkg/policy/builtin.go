package policy

import (
	"time"
)

// GetBuiltinPolicies returns the admission policies shipped with the
// engine.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		machineCountCeilingPolicy(),
		requiredTagsPolicy(),
	}
}

// machineCountCeilingPolicy rejects requests above the template's
// configured maximum.
func machineCountCeilingPolicy() Policy {
	return Policy{
		Name:        "machine-count-ceiling",
		Description: "Rejects provisioning requests above the template's maxNumber ceiling",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package hostforge.admission.capacity

import rego.v1

deny contains violation if {
	input.template.maxNumber > 0
	input.count > input.template.maxNumber
	violation := {
		"message": sprintf("requested %d machines exceeds ceiling %d of template %s", [input.count, input.template.maxNumber, input.template.templateId]),
		"severity": "error",
	}
}

deny contains violation if {
	input.count <= 0
	violation := {
		"message": sprintf("requested machine count %d must be positive", [input.count]),
		"severity": "error",
	}
}
`,
	}
}

// requiredTagsPolicy flags templates without ownership tags. The
// finding is a warning: requests are admitted, but the gap is logged
// for operators.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Flags templates missing the team ownership tag",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"governance"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package hostforge.admission.tags

import rego.v1

required_tags := {"team"}

deny contains violation if {
	some tag in required_tags
	not input.template.tags[tag]
	violation := {
		"message": sprintf("template %s is missing required tag %s", [input.template.templateId, tag]),
		"severity": "warning",
	}
}
`,
	}
}
