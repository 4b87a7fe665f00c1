package condition

import "testing"

func TestEvaluateSimpleComparison(t *testing.T) {
	e := New()
	got, err := e.Evaluate("params.x > 10", map[string]interface{}{"x": 5}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got {
		t.Fatal("expected false for x=5 > 10")
	}
}

func TestEvaluateTemplateWrappedExpression(t *testing.T) {
	e := New()
	got, err := e.Evaluate("{{ params.x > 10 }}", map[string]interface{}{"x": 20}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Fatal("expected true for x=20 > 10")
	}
}

func TestEvaluateLegacyLiteralTrue(t *testing.T) {
	e := New()
	got, err := e.Evaluate("true", nil, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Fatal("expected literal true to evaluate true")
	}
}

func TestEvaluateStepOutputCondition(t *testing.T) {
	e := New()
	stepOutputs := map[string]map[string]interface{}{
		"check": {"passed": true},
	}
	got, err := e.Evaluate("steps.check.outputs.passed", nil, stepOutputs)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Fatal("expected true")
	}
}

func TestEvaluateCachesCompiledProgram(t *testing.T) {
	e := New()
	expression := "params.x == 1"
	if _, err := e.Evaluate(expression, map[string]interface{}{"x": 1}, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected 1 cached program, got %d", len(e.cache))
	}
	if _, err := e.Evaluate(expression, map[string]interface{}{"x": 1}, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected cache to stay at 1 entry, got %d", len(e.cache))
	}
}
