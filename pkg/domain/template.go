package domain

import (
	"fmt"
)

// MergeMode controls how a rendered raw spec combines with the
// template's base attributes.
type MergeMode string

const (
	// MergeModeMerge deep-merges rendered specs onto base attributes,
	// rendered fields winning on collision.
	MergeModeMerge MergeMode = "merge"
	// MergeModeReplace discards base attributes and uses only the
	// rendered specs.
	MergeModeReplace MergeMode = "replace"
)

// SpecSource is one raw backend specification, supplied either inline
// or as a file reference relative to the configured base path. A source
// carrying both forms is a configuration error.
type SpecSource struct {
	Inline map[string]any `yaml:"inline,omitempty" json:"inline,omitempty"`
	File   string         `yaml:"file,omitempty" json:"file,omitempty"`
}

// IsZero reports whether no specification is configured.
func (s *SpecSource) IsZero() bool {
	return s == nil || (len(s.Inline) == 0 && s.File == "")
}

// Template is an immutable named configuration describing a class of
// machines. Templates are loaded from configuration storage and cached;
// they are never mutated by request processing.
type Template struct {
	ID          string            `yaml:"templateId" json:"templateId" validate:"required"`
	BackendType string            `yaml:"backendType" json:"backendType" validate:"required"`
	MaxNumber   int               `yaml:"maxNumber" json:"maxNumber" validate:"gte=0"`
	ImageID     string            `yaml:"imageId,omitempty" json:"imageId,omitempty"`
	SizeClass   string            `yaml:"sizeClass,omitempty" json:"sizeClass,omitempty"`
	Subnets     []string          `yaml:"subnets,omitempty" json:"subnets,omitempty"`
	Attributes  map[string]any    `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	Tags        map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// BackendSpec is the raw provider payload; LaunchSpec is the raw
	// launch configuration. Both are rendered through the template
	// engine before merging.
	BackendSpec *SpecSource `yaml:"backendSpec,omitempty" json:"backendSpec,omitempty"`
	LaunchSpec  *SpecSource `yaml:"launchSpec,omitempty" json:"launchSpec,omitempty"`

	MergeMode MergeMode      `yaml:"mergeMode,omitempty" json:"mergeMode,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Validate checks structural template invariants that do not depend on
// rendering: a template may not carry both an inline and a
// file-referenced specification of the same kind, and the merge mode
// must be known.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template without id")
	}
	if t.BackendType == "" {
		return fmt.Errorf("template %s: backend type is required", t.ID)
	}
	if t.BackendSpec != nil && len(t.BackendSpec.Inline) > 0 && t.BackendSpec.File != "" {
		return fmt.Errorf("template %s: backendSpec declares both inline and file forms", t.ID)
	}
	if t.LaunchSpec != nil && len(t.LaunchSpec.Inline) > 0 && t.LaunchSpec.File != "" {
		return fmt.Errorf("template %s: launchSpec declares both inline and file forms", t.ID)
	}
	switch t.MergeMode {
	case "", MergeModeMerge, MergeModeReplace:
	default:
		return fmt.Errorf("template %s: unknown merge mode %q", t.ID, t.MergeMode)
	}
	return nil
}

// EffectiveMergeMode returns the configured merge mode, defaulting to
// merge.
func (t *Template) EffectiveMergeMode() MergeMode {
	if t.MergeMode == "" {
		return MergeModeMerge
	}
	return t.MergeMode
}

// BaseAttributes assembles the declarative defaults as a spec map, the
// lowest-precedence layer of resolution.
func (t *Template) BaseAttributes() map[string]any {
	base := make(map[string]any, len(t.Attributes)+4)
	for k, v := range t.Attributes {
		base[k] = v
	}
	if t.ImageID != "" {
		base["imageId"] = t.ImageID
	}
	if t.SizeClass != "" {
		base["sizeClass"] = t.SizeClass
	}
	if len(t.Subnets) > 0 {
		base["subnets"] = append([]string(nil), t.Subnets...)
	}
	if len(t.Tags) > 0 {
		tags := make(map[string]any, len(t.Tags))
		for k, v := range t.Tags {
			tags[k] = v
		}
		base["tags"] = tags
	}
	return base
}
