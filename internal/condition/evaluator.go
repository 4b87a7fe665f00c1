// Package condition evaluates boolean branch expressions in the same
// params/steps scope as the parameter resolver (internal/template).
//
// Expressions run through github.com/expr-lang/expr, which compiles against
// a fixed environment and never exposes arbitrary host Go execution to
// pipeline authors.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean branch conditions.
type Evaluator struct {
	cacheMu sync.RWMutex
	cache   map[string]*vm.Program
}

// New returns an Evaluator with a compiled-program cache (conditions are
// re-evaluated many times across a pipeline's branches).
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expression and runs it
// against the params/steps scope. Parse and eval errors are returned to the
// caller, who treats an errored condition as non-matching rather than fatal.
func (e *Evaluator) Evaluate(expression string, params map[string]interface{}, stepOutputs map[string]map[string]interface{}) (bool, error) {
	expression = normalizeExpression(expression)

	program, err := e.compile(expression)
	if err != nil {
		return false, err
	}

	env := map[string]interface{}{
		"params": params,
		"steps":  toStepsEnv(stepOutputs),
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.cacheMu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.cacheMu.RUnlock()
		return p, nil
	}
	e.cacheMu.RUnlock()

	program, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cache[expression] = program
	e.cacheMu.Unlock()
	return program, nil
}

func toStepsEnv(stepOutputs map[string]map[string]interface{}) map[string]interface{} {
	steps := make(map[string]interface{}, len(stepOutputs))
	for stepID, outputs := range stepOutputs {
		steps[stepID] = map[string]interface{}{"outputs": outputs}
	}
	return steps
}

// normalizeExpression strips the {{ }} wrapper some callers pass (branch
// conditions are authored the same way as template expressions in pipeline
// definitions, e.g. "{{ params.x > 10 }}").
func normalizeExpression(expression string) string {
	trimmed := strings.TrimSpace(expression)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	}
	return trimmed
}
