package eval

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/picklr-io/lakestack/internal/ir"
	"github.com/picklr-io/lakestack/internal/logging"
)

// EvaluateCondition runs a boolean expression with the stack variables
// bound to vars. An empty condition is true.
func EvaluateCondition(condition string, vars map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	env := map[string]any{"vars": vars}

	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", condition, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition must return a boolean, got %T", result)
	}
	return b, nil
}

// FilterDeclarations drops declarations whose when condition is false.
func FilterDeclarations(decls []*ir.Declaration, vars map[string]any) ([]*ir.Declaration, error) {
	out := make([]*ir.Declaration, 0, len(decls))
	for i, d := range decls {
		if d == nil {
			return nil, fmt.Errorf("resources[%d] is empty", i)
		}
		ok, err := EvaluateCondition(d.When, vars)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", d.ID, err)
		}
		if !ok {
			logging.Debug("resource skipped by condition", "id", d.ID, "when", d.When)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
