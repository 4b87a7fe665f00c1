package template

import "testing"

func TestResolvePureExpressionPreservesType(t *testing.T) {
	r := New()
	got, err := r.Resolve("{{ params.count }}", map[string]interface{}{"count": float64(42)}, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != float64(42) {
		t.Fatalf("expected 42 (float64), got %v (%T)", got, got)
	}
}

func TestResolveMixedStringAlwaysString(t *testing.T) {
	r := New()
	got, err := r.Resolve("hello {{ params.msg | upper }}", map[string]interface{}{"msg": "hi"}, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "hello HI" {
		t.Fatalf("expected %q, got %q", "hello HI", got)
	}
}

func TestResolveUpperFilterInfersType(t *testing.T) {
	r := New()
	got, err := r.Resolve("{{ params.msg | upper }}", map[string]interface{}{"msg": "hi"}, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "HI" {
		t.Fatalf("expected HI, got %v", got)
	}
}

func TestResolveDefaultFilterOnMissingStep(t *testing.T) {
	r := New()
	got, err := r.Resolve("{{ steps.foo.outputs.bar | default(\"x\") }}", nil, nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "x" {
		t.Fatalf("expected x, got %v", got)
	}
}

func TestResolveStrictModeUndefinedErrors(t *testing.T) {
	r := New()
	_, err := r.Resolve("{{ params.missing }}", map[string]interface{}{}, nil, true)
	if err == nil {
		t.Fatal("expected error for undefined variable in strict mode")
	}
}

func TestResolveNonStrictModeUndefinedIsEmpty(t *testing.T) {
	r := New()
	got, err := r.Resolve("{{ params.missing }}", map[string]interface{}{}, nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty string, got %v", got)
	}
}

func TestResolveUnbalancedBracesIsError(t *testing.T) {
	r := New()
	_, err := r.Resolve("{{ params.x", map[string]interface{}{"x": 1}, nil, true)
	if err == nil {
		t.Fatal("expected unbalanced-braces error")
	}
}

func TestResolveStepOutputsChainedAccess(t *testing.T) {
	r := New()
	stepOutputs := map[string]map[string]interface{}{
		"log": {"message": "HI"},
	}
	got, err := r.Resolve("{{ steps.log.outputs.message }}", nil, stepOutputs, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "HI" {
		t.Fatalf("expected HI, got %v", got)
	}
}

func TestResolveDictAndList(t *testing.T) {
	r := New()
	params := map[string]interface{}{"n": float64(5)}
	value := map[string]interface{}{
		"items": []interface{}{"{{ params.n }}", "literal"},
	}
	got, err := r.Resolve(value, params, nil, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m := got.(map[string]interface{})
	items := m["items"].([]interface{})
	if items[0] != float64(5) {
		t.Fatalf("expected 5, got %v", items[0])
	}
	if items[1] != "literal" {
		t.Fatalf("expected literal, got %v", items[1])
	}
}

func TestHasTemplates(t *testing.T) {
	if !HasTemplates("{{ params.x }}") {
		t.Fatal("expected true")
	}
	if HasTemplates("no templates here") {
		t.Fatal("expected false")
	}
}

func TestExtractVariables(t *testing.T) {
	vars := ExtractVariables("{{ params.a }} and {{ steps.b.outputs.c }}")
	if _, ok := vars["params.a"]; !ok {
		t.Fatalf("expected params.a in %v", vars)
	}
	if _, ok := vars["steps.b.outputs.c"]; !ok {
		t.Fatalf("expected steps.b.outputs.c in %v", vars)
	}
}

func TestValidateReferences(t *testing.T) {
	knownParams := map[string]struct{}{"a": {}}
	knownSteps := map[string]struct{}{"b": {}}
	errsOut := ValidateReferences("{{ params.missing }} {{ steps.b.outputs.c }}", knownParams, knownSteps)
	if len(errsOut) != 1 {
		t.Fatalf("expected 1 error, got %v", errsOut)
	}
}
