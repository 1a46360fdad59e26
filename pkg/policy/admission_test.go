package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hostforge/hostforge/pkg/domain"
	"github.com/hostforge/hostforge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func taggedTemplate(maxNumber int) *domain.Template {
	return &domain.Template{
		ID:          "small-burst",
		BackendType: "aws",
		MaxNumber:   maxNumber,
		Tags:        map[string]string{"team": "platform"},
	}
}

func TestAdmitWithinCeiling(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Admit(context.Background(), taggedTemplate(10), 5); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmitRejectsOverCeiling(t *testing.T) {
	e := newTestEngine(t)

	err := e.Admit(context.Background(), taggedTemplate(10), 20)
	if err == nil {
		t.Fatal("expected admission to be denied")
	}

	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *engine.Error, got %T", err)
	}
	if engErr.Code != engine.CodeAdmissionDenied {
		t.Fatalf("code = %s, want %s", engErr.Code, engine.CodeAdmissionDenied)
	}
	if !strings.Contains(engErr.Message, "exceeds ceiling 10") {
		t.Fatalf("message = %q, want ceiling detail", engErr.Message)
	}
}

func TestAdmitUnlimitedWhenCeilingUnset(t *testing.T) {
	e := newTestEngine(t)

	// maxNumber zero means the template carries no ceiling.
	if err := e.Admit(context.Background(), taggedTemplate(0), 500); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmitRejectsNonPositiveCount(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Admit(context.Background(), taggedTemplate(10), 0); err == nil {
		t.Fatal("expected zero-count request to be denied")
	}
}

func TestMissingTeamTagWarnsWithoutBlocking(t *testing.T) {
	e := newTestEngine(t)

	tpl := taggedTemplate(10)
	tpl.Tags = nil

	if err := e.Admit(context.Background(), tpl, 3); err != nil {
		t.Fatalf("warning severity must not block admission: %v", err)
	}

	violations, err := e.Evaluate(context.Background(), &Input{Template: tpl, Count: 3})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].Severity != SeverityWarning {
		t.Fatalf("severity = %s, want warning", violations[0].Severity)
	}
	if !strings.Contains(violations[0].Message, "team") {
		t.Fatalf("message = %q, want missing-tag detail", violations[0].Message)
	}
}

func TestSetEnabledDisablesPolicy(t *testing.T) {
	e := newTestEngine(t)

	if err := e.SetEnabled("machine-count-ceiling", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := e.Admit(context.Background(), taggedTemplate(10), 20); err != nil {
		t.Fatalf("disabled policy must not deny: %v", err)
	}

	if err := e.SetEnabled("no-such-policy", false); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestAddPolicyBlocksMatchingRequests(t *testing.T) {
	e := newTestEngine(t)

	err := e.AddPolicy(context.Background(), Policy{
		Name:     "no-azure",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package hostforge.admission.backends

import rego.v1

deny contains violation if {
	input.template.backendType == "azure"
	violation := {
		"message": "azure backends are not allowed in this environment",
		"severity": "error",
	}
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	tpl := taggedTemplate(10)
	tpl.BackendType = "azure"
	if err := e.Admit(context.Background(), tpl, 1); err == nil {
		t.Fatal("expected custom policy to deny azure backend")
	}

	if err := e.Admit(context.Background(), taggedTemplate(10), 1); err != nil {
		t.Fatalf("aws backend must still be admitted: %v", err)
	}
}

func TestLoadPoliciesFromRegoFile(t *testing.T) {
	dir := t.TempDir()
	src := `# Rejects templates without an image.
package hostforge.admission.image

import rego.v1

deny contains violation if {
	not input.template.imageId
	violation := {
		"message": "template has no imageId",
		"severity": "warning",
	}
}
`
	path := filepath.Join(dir, "require-image.rego")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	p, err := e.GetPolicy("require-image")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Fatalf("file policies default to warning, got %s", p.Severity)
	}
	if !strings.Contains(p.Description, "without an image") {
		t.Fatalf("description = %q, want leading comment", p.Description)
	}

	violations, err := e.Evaluate(context.Background(), &Input{Template: taggedTemplate(5), Count: 1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	found := false
	for _, v := range violations {
		if v.Policy == "require-image" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected require-image violation for template without imageId")
	}
}

func TestLoadJSONPolicyDefinition(t *testing.T) {
	dir := t.TempDir()
	def := `{
		"name": "count-floor",
		"description": "Requires at least two machines per request",
		"severity": "error",
		"enabled": true,
		"rego": "package hostforge.admission.floor\n\nimport rego.v1\n\ndeny contains violation if {\n\tinput.count < 2\n\tviolation := {\"message\": \"requests must ask for at least two machines\", \"severity\": \"error\"}\n}\n"
	}`
	if err := os.WriteFile(filepath.Join(dir, "floor.json"), []byte(def), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	if err := e.Admit(context.Background(), taggedTemplate(10), 1); err == nil {
		t.Fatal("expected JSON policy to deny single-machine request")
	}
	if err := e.Admit(context.Background(), taggedTemplate(10), 2); err != nil {
		t.Fatalf("two machines must pass the floor: %v", err)
	}
}

func TestInvalidRegoRejectedOnLoad(t *testing.T) {
	e := newTestEngine(t)

	err := e.AddPolicy(context.Background(), Policy{
		Name:     "broken",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "this is not rego",
	})
	if err == nil {
		t.Fatal("expected parse error for invalid rego")
	}
}

func TestListPoliciesIncludesBuiltins(t *testing.T) {
	e := newTestEngine(t)

	names := map[string]bool{}
	for _, p := range e.ListPolicies() {
		names[p.Name] = true
	}
	if !names["machine-count-ceiling"] || !names["required-tags"] {
		t.Fatalf("built-ins missing from %v", names)
	}
}
