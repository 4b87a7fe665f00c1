// Package invoker implements the invoke_service helper bound onto every
// ActionContext: a resilient HTTP client actions use to call out to
// downstream microservices. Each downstream application gets its own
// circuit breaker, so a flapping service cannot cascade into engine-wide
// stalls.
package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/errs"
	"github.com/pipeflow/engine/internal/resilience"
)

// Resolver maps an application identifier to the base URL of the service
// mesh endpoint that fronts it. A static map suffices for the engine's own
// scope (this package does no service discovery).
type Resolver func(appID string) (baseURL string, ok bool)

// StaticResolver builds a Resolver from a fixed appID -> baseURL table.
func StaticResolver(table map[string]string) Resolver {
	return func(appID string) (string, bool) {
		url, ok := table[appID]
		return url, ok
	}
}

// Client implements models.InvokeServiceFunc against real HTTP endpoints.
type Client struct {
	http     *resty.Client
	breakers *resilience.Manager
	resolve  Resolver
	logger   *zap.Logger
}

// NewClient builds an invoker.Client. resolve maps appID to a base URL;
// pass nil to fall back to treating appID itself as a base URL (useful in
// tests and for sidecar-per-app deployments where appID already is a
// resolvable host).
func NewClient(resolve Resolver, logger *zap.Logger) *Client {
	if resolve == nil {
		resolve = func(appID string) (string, bool) { return appID, appID != "" }
	}
	return &Client{
		http:     resty.New(),
		breakers: resilience.NewManager(resilience.Config{}, logger),
		resolve:  resolve,
		logger:   logger,
	}
}

// Invoke matches models.InvokeServiceFunc's signature so it can be bound
// directly onto an ActionContext.
func (c *Client) Invoke(ctx context.Context, appID, path, method string, data map[string]interface{}, timeoutSeconds int) (map[string]interface{}, error) {
	baseURL, ok := c.resolve(appID)
	if !ok || baseURL == "" {
		return nil, errs.New(errs.KindExternalService, fmt.Sprintf("no service endpoint registered for app %q", appID))
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}

	result, err := c.breakers.For(appID).Do(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()

		var body map[string]interface{}
		req := c.http.R().
			SetContext(callCtx).
			SetBody(data).
			SetResult(&body).
			SetHeader("Content-Type", "application/json")

		url := baseURL + path
		resp, err := req.Execute(method, url)
		if err != nil {
			return nil, fmt.Errorf("invoke %s %s: %w", method, url, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("invoke %s %s: status %d: %s", method, url, resp.StatusCode(), resp.String())
		}
		return body, nil
	})
	if err != nil {
		if errs.IsExternalService(err) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindExternalService, fmt.Sprintf("invoke_service to %q failed", appID), err)
	}
	if result == nil {
		return map[string]interface{}{}, nil
	}
	return result, nil
}
