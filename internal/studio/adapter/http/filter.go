package http

import (
	"fmt"

	apperrors "studio-core/internal/shared/errors"
	"studio-core/internal/studio/domain/model"

	"github.com/google/cel-go/cel"
)

// FilterCompiler compiles listener filters: CEL boolean expressions over the
// string variable collection, e.g. `collection in ["payments", "users"]`.
type FilterCompiler struct {
	env *cel.Env
}

// NewFilterCompiler builds the CEL environment.
func NewFilterCompiler() (*FilterCompiler, error) {
	env, err := cel.NewEnv(cel.Variable("collection", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &FilterCompiler{env: env}, nil
}

// ChangeFilter decides which collections a connection is told about.
type ChangeFilter struct {
	expr    string
	program cel.Program
}

// Compile checks expr and prepares it for evaluation.
func (f *FilterCompiler) Compile(expr string) (*ChangeFilter, error) {
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidFilter, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: expression must be boolean, got %s", apperrors.ErrInvalidFilter, ast.OutputType())
	}
	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidFilter, err)
	}
	return &ChangeFilter{expr: expr, program: prg}, nil
}

// String returns the source expression.
func (cf *ChangeFilter) String() string {
	return cf.expr
}

// Match reports whether a change to c passes the filter. A nil filter
// matches everything; an evaluation error matches nothing.
func (cf *ChangeFilter) Match(c model.Collection) bool {
	if cf == nil {
		return true
	}
	out, _, err := cf.program.Eval(map[string]interface{}{"collection": string(c)})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
