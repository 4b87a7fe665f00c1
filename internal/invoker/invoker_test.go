package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestClient_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	}))
	defer srv.Close()

	c := NewClient(StaticResolver(map[string]string{"model-svc": srv.URL}), zap.NewNop())
	out, err := c.Invoke(context.Background(), "model-svc", "/execute", http.MethodPost, map[string]interface{}{"x": 1}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected response: %v", out)
	}
}

func TestClient_Invoke_UnknownApp(t *testing.T) {
	c := NewClient(StaticResolver(map[string]string{}), zap.NewNop())
	_, err := c.Invoke(context.Background(), "missing", "/execute", http.MethodPost, nil, 5)
	if err == nil {
		t.Fatal("expected error for unresolved app id")
	}
}

func TestClient_Invoke_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(StaticResolver(map[string]string{"flaky": srv.URL}), zap.NewNop())
	_, err := c.Invoke(context.Background(), "flaky", "/execute", http.MethodPost, nil, 5)
	if err == nil {
		t.Fatal("expected error for 5xx response")
	}
}
