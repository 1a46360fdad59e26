package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hostforge/hostforge/pkg/domain"
)

// ResolverOptions configures spec resolution.
type ResolverOptions struct {
	// BasePath anchors file-referenced specs. Relative references never
	// escape it.
	BasePath string

	// FallbackToBase degrades a failed render to the template's base
	// attributes instead of failing the resolution. The failure is
	// logged either way; an explicit raw spec is never dropped silently.
	FallbackToBase bool

	Logger zerolog.Logger
}

// Resolver renders and merges a template's raw specs into the payload
// handed to a backend strategy.
//
// Precedence on key collision, highest to lowest: inline backend spec,
// file-referenced backend spec, inline launch spec, file-referenced
// launch spec, template base attributes.
type Resolver struct {
	renderer *Renderer
	schemas  *SchemaRegistry
	basePath string
	fallback bool
	log      zerolog.Logger
}

// NewResolver builds a Resolver with the built-in backend schemas.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		renderer: NewRenderer(),
		schemas:  schemas,
		basePath: opts.BasePath,
		fallback: opts.FallbackToBase,
		log:      opts.Logger.With().Str("component", "template-resolver").Logger(),
	}, nil
}

// Resolve produces the final backend payload for one request.
func (r *Resolver) Resolve(ctx context.Context, tpl *domain.Template, rc domain.RenderContext) (*domain.ResolvedSpec, error) {
	if err := tpl.Validate(); err != nil {
		return nil, mergeConflictError(tpl.ID, err.Error())
	}

	payload, err := r.resolvePayload(tpl, rc.Variables())
	if err != nil {
		base := tpl.BaseAttributes()
		if !r.fallback || tpl.EffectiveMergeMode() != domain.MergeModeMerge || len(base) == 0 {
			return nil, err
		}
		r.log.Warn().Err(err).
			Str("template_id", tpl.ID).
			Str("request_id", rc.RequestID).
			Msg("Spec resolution failed, falling back to base attributes")
		payload = base
	}

	if err := r.schemas.ValidateSpec(tpl.BackendType, payload); err != nil {
		return nil, err
	}
	return &domain.ResolvedSpec{
		TemplateID:  tpl.ID,
		BackendType: tpl.BackendType,
		Payload:     payload,
	}, nil
}

func (r *Resolver) resolvePayload(tpl *domain.Template, vars map[string]any) (map[string]any, error) {
	launch, err := r.renderSource(tpl.ID+"/launchSpec", tpl.LaunchSpec, vars)
	if err != nil {
		return nil, err
	}
	backend, err := r.renderSource(tpl.ID+"/backendSpec", tpl.BackendSpec, vars)
	if err != nil {
		return nil, err
	}

	if tpl.EffectiveMergeMode() == domain.MergeModeReplace {
		if launch == nil && backend == nil {
			return nil, mergeConflictError(tpl.ID, "replace mode requires a raw backend or launch spec")
		}
		return deepMerge(launch, backend), nil
	}

	payload := tpl.BaseAttributes()
	if launch != nil {
		payload = deepMerge(payload, launch)
	}
	if backend != nil {
		payload = deepMerge(payload, backend)
	}
	return payload, nil
}

// renderSource materializes one raw spec source: file references are
// read under the base path, inline maps round-trip through YAML so
// both forms pass the same render pipeline.
func (r *Resolver) renderSource(name string, src *domain.SpecSource, vars map[string]any) (map[string]any, error) {
	if src.IsZero() {
		return nil, nil
	}

	var body string
	if src.File != "" {
		path := filepath.Join(r.basePath, filepath.Clean("/"+src.File))
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fileNotFoundError(name, src.File)
			}
			return nil, fmt.Errorf("read spec file %s: %w", path, err)
		}
		body = string(raw)
	} else {
		raw, err := yaml.Marshal(src.Inline)
		if err != nil {
			return nil, syntaxError(name, err)
		}
		body = string(raw)
	}

	return r.renderer.Render(name, body, vars)
}
