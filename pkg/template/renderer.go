package template

import (
	"errors"
	"fmt"
	"strings"
	texttemplate "text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"gopkg.in/yaml.v3"
)

// maxRenderBytes caps the size of one rendered spec so a runaway loop
// in a template body cannot exhaust memory.
const maxRenderBytes = 1 << 20

// Renderer evaluates raw spec bodies with variable interpolation,
// conditionals, loops, and the sprig filter set. Referencing a
// variable without a value or default aborts the render; templates
// never fail silent.
type Renderer struct {
	funcs texttemplate.FuncMap
}

// NewRenderer builds a Renderer with the standard filter set.
func NewRenderer() *Renderer {
	return &Renderer{funcs: sprig.TxtFuncMap()}
}

// Render evaluates body against vars and parses the output as a YAML
// (or JSON) mapping. name identifies the template in errors.
func (r *Renderer) Render(name, body string, vars map[string]any) (map[string]any, error) {
	tmpl, err := texttemplate.New(name).
		Funcs(r.funcs).
		Option("missingkey=error").
		Parse(body)
	if err != nil {
		return nil, syntaxError(name, err)
	}

	var out boundedBuilder
	if err := tmpl.Execute(&out, vars); err != nil {
		if errors.Is(err, errRenderTooLarge) {
			return nil, syntaxError(name, errRenderTooLarge)
		}
		if strings.Contains(err.Error(), "no entry for key") {
			return nil, undefinedVariableError(name, err.Error())
		}
		return nil, syntaxError(name, err)
	}

	var spec map[string]any
	if err := yaml.Unmarshal([]byte(out.String()), &spec); err != nil {
		return nil, syntaxError(name, fmt.Errorf("rendered output is not a mapping: %w", err))
	}
	return spec, nil
}

var errRenderTooLarge = errors.New("rendered spec exceeds size limit")

// boundedBuilder is a strings.Builder that refuses writes past
// maxRenderBytes.
type boundedBuilder struct {
	sb strings.Builder
}

func (b *boundedBuilder) Write(p []byte) (int, error) {
	if b.sb.Len()+len(p) > maxRenderBytes {
		return 0, errRenderTooLarge
	}
	return b.sb.Write(p)
}

func (b *boundedBuilder) String() string { return b.sb.String() }
