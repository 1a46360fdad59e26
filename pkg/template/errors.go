package template

import (
	"errors"
	"fmt"

	"github.com/hostforge/hostforge/pkg/engine"
)

// Resolution failure modes. Each is wrapped into an engine error so
// callers can classify without importing this package's sentinels, but
// errors.Is still distinguishes the modes in tests and logs.
var (
	// ErrUndefinedVariable marks a render that referenced a variable
	// with no value and no default.
	ErrUndefinedVariable = errors.New("undefined template variable")

	// ErrSyntax marks a malformed template body.
	ErrSyntax = errors.New("template syntax error")

	// ErrFileNotFound marks a file-referenced spec that does not exist
	// under the configured base path.
	ErrFileNotFound = errors.New("spec file not found")

	// ErrMergeConflict marks a merge policy inconsistent with the
	// supplied inputs.
	ErrMergeConflict = errors.New("merge policy conflict")
)

func undefinedVariableError(templateID, detail string) error {
	return engine.Permanent(engine.CodeResolutionFailed,
		fmt.Sprintf("template %s: %s", templateID, detail),
		ErrUndefinedVariable)
}

func syntaxError(templateID string, cause error) error {
	return engine.Permanent(engine.CodeTemplateInvalid,
		fmt.Sprintf("template %s: malformed template body", templateID),
		fmt.Errorf("%w: %w", ErrSyntax, cause))
}

func fileNotFoundError(templateID, path string) error {
	return engine.Permanent(engine.CodeResolutionFailed,
		fmt.Sprintf("template %s: spec file %s does not exist", templateID, path),
		ErrFileNotFound)
}

func mergeConflictError(templateID, detail string) error {
	return engine.Permanent(engine.CodeTemplateInvalid,
		fmt.Sprintf("template %s: %s", templateID, detail),
		ErrMergeConflict)
}
