package template

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/hostforge/hostforge/pkg/engine"
)

// SchemaRegistry validates resolved payloads for gross structural
// well-formedness per backend type. Validation is deliberately shallow:
// it checks key types, not backend-specific business rules, which stay
// with the strategy that owns the backend.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry preloaded with the built-in
// backend schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for name, schema := range builtinSchemas {
		if err := sr.Register(name, schema); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// Register compiles and stores a schema for a backend type, replacing
// any previous registration.
func (sr *SchemaRegistry) Register(backendType, schema string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("compile schema %s: %w", backendType, err)
	}
	sr.mu.Lock()
	sr.schemas[backendType] = val
	sr.mu.Unlock()
	return nil
}

// ValidateSpec unifies payload with the schema registered for
// backendType, falling back to the generic schema for unknown types.
func (sr *SchemaRegistry) ValidateSpec(backendType string, payload map[string]any) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[backendType]
	if !ok {
		schema = sr.schemas["default"]
	}
	sr.mu.RUnlock()

	data := sr.ctx.Encode(payload)
	if err := data.Err(); err != nil {
		return engine.Permanent(engine.CodeResolutionFailed,
			fmt.Sprintf("resolved %s spec is not encodable", backendType), err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return engine.Permanent(engine.CodeResolutionFailed,
			fmt.Sprintf("resolved %s spec is structurally invalid", backendType), err)
	}
	return nil
}

var builtinSchemas = map[string]string{
	// Any non-empty mapping.
	"default": `{...}`,

	"aws": `{
	imageId?:   string
	sizeClass?: string
	subnets?: [...string]
	keyName?:      string
	instanceTags?: string
	tags?: {[string]: string | number | bool}
	fleet?: {...}
	launchTemplate?: {...}
	...
}`,
}
