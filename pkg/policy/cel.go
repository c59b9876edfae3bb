package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Conditions see the exchange context as plain values. Example:
//
//	condition: "chain_depth < 3 && 'hr:write' in requested_scopes"
func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("subject", cel.DynType),
		cel.Variable("target_audience", cel.StringType),
		cel.Variable("requested_scopes", cel.DynType),
		cel.Variable("chain_depth", cel.IntType),
	)
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// evalCondition runs a compiled condition. Any evaluation error counts
// as a deny; policy never fails open.
func evalCondition(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is not bool")
	}
	return allowed, nil
}
