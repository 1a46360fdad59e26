package domain

import "time"

// ResolvedSpec is the final payload handed to a backend strategy after
// template rendering and merging.
type ResolvedSpec struct {
	TemplateID  string         `json:"template_id"`
	BackendType string         `json:"backend_type"`
	Payload     map[string]any `json:"payload"`
}

// RenderContext carries the variables available to a template render
// pass: the standard request variables plus any custom variables the
// template declares.
type RenderContext struct {
	RequestID  string
	TemplateID string
	Count      int
	Timestamp  time.Time
	Package    PackageInfo
	Custom     map[string]any
}

// PackageInfo is the build metadata exposed to templates.
type PackageInfo struct {
	Name    string
	Version string
}

// Variables flattens the context into the map form consumed by the
// template engine.
func (rc RenderContext) Variables() map[string]any {
	vars := map[string]any{
		"requestId":      rc.RequestID,
		"templateId":     rc.TemplateID,
		"count":          rc.Count,
		"timestamp":      rc.Timestamp.UTC().Format(time.RFC3339),
		"packageName":    rc.Package.Name,
		"packageVersion": rc.Package.Version,
	}
	for k, v := range rc.Custom {
		vars[k] = v
	}
	return vars
}
