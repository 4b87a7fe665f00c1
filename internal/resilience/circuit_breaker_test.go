package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/errs"
)

func failing(ctx context.Context) (map[string]interface{}, error) {
	return nil, errors.New("downstream unavailable")
}

func succeeding(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "ok"}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{FailureThreshold: 3, Cooldown: time.Hour}, zap.NewNop())
	b := m.For("model-registry")

	for i := 0; i < 3; i++ {
		if _, err := b.Do(ctx, failing); err == nil {
			t.Fatal("expected downstream error")
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	// While open, calls fail fast with the external-service kind and the
	// downstream function is never invoked.
	called := false
	_, err := b.Do(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		called = true
		return nil, nil
	})
	if err == nil || !errs.IsExternalService(err) {
		t.Fatalf("expected fast ExternalServiceError rejection, got %v", err)
	}
	if called {
		t.Fatal("expected the call to be rejected before reaching downstream")
	}
}

func TestBreakerRecoversThroughHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{FailureThreshold: 1, Cooldown: time.Millisecond, HalfOpenProbes: 1}, zap.NewNop())
	b := m.For("model-registry")

	if _, err := b.Do(ctx, failing); err == nil {
		t.Fatal("expected downstream error")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", b.State())
	}

	out, err := b.Do(ctx, succeeding)
	if err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected probe result: %v", out)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{FailureThreshold: 1, Cooldown: 200 * time.Millisecond}, zap.NewNop())
	b := m.For("model-registry")

	if _, err := b.Do(ctx, failing); err == nil {
		t.Fatal("expected downstream error")
	}
	time.Sleep(250 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	if _, err := b.Do(ctx, failing); err == nil {
		t.Fatal("expected probe failure")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopened after failed probe, got %v", b.State())
	}
}

func TestManagerIsolatesApps(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{FailureThreshold: 1, Cooldown: time.Hour}, zap.NewNop())

	if _, err := m.For("flaky-app").Do(ctx, failing); err == nil {
		t.Fatal("expected downstream error")
	}
	if m.For("flaky-app").State() != StateOpen {
		t.Fatal("expected flaky-app breaker open")
	}
	if m.For("healthy-app").State() != StateClosed {
		t.Fatal("expected healthy-app breaker unaffected")
	}

	states := m.States()
	if states["flaky-app"] != StateOpen || states["healthy-app"] != StateClosed {
		t.Fatalf("unexpected state snapshot: %v", states)
	}
}
