package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

// Engine evaluates Rego admission policies against provisioning
// requests. It implements engine.AdmissionPolicy: blocking violations
// reject the request, warnings are logged and let it through.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its parsed module and prepared
// query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// Admit evaluates all enabled policies against a provisioning request.
// It returns a permanent admission error when any blocking violation
// fires. Warning violations are logged only.
func (e *Engine) Admit(ctx context.Context, tpl *domain.Template, count int) error {
	violations, err := e.Evaluate(ctx, &Input{
		Template: tpl,
		Count:    count,
		Context: InputContext{
			Timestamp: time.Now(),
			Operation: "provision",
		},
	})
	if err != nil {
		return err
	}

	var blocking []string
	for _, v := range violations {
		if v.Severity.blocking() {
			blocking = append(blocking, v.Message)
			continue
		}
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("template_id", tpl.ID).
			Msg(v.Message)
	}

	if len(blocking) > 0 {
		return engine.Permanent(engine.CodeAdmissionDenied,
			fmt.Sprintf("admission denied: %s", strings.Join(blocking, "; ")), nil)
	}
	return nil
}

// Evaluate runs every enabled policy against the input and collects
// the violations. A policy that fails to evaluate is logged and
// skipped so one broken policy cannot wedge all admissions.
func (e *Engine) Evaluate(ctx context.Context, input *Input) ([]Violation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var all []Violation
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			continue
		}
		all = append(all, violations...)
	}

	return all, nil
}

// LoadPolicies loads and compiles policy files from the given paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// WatchPolicies reloads policies from the given paths whenever their
// files change. A failed reload keeps the current set.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i := range policies {
			if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
			}
		}
		return nil
	})
}

// AddPolicy compiles and registers a single policy, replacing any
// existing policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &p)
}

// SetEnabled toggles a policy without recompiling it.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// evaluatePolicy queries the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "hostforge.admission"
}

// createViolation builds a Violation from a deny result.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy parses a policy module and prepares its query.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data"),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}
