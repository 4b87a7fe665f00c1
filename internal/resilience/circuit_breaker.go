// Package resilience guards downstream service invocations with one circuit
// breaker per application id. A run of failed invoke_service calls opens the
// app's breaker; while open, calls fail fast with an ExternalServiceError
// instead of holding a step's dispatch goroutine on a dead service. After a
// cooldown the breaker lets a limited number of probe calls through and
// closes again once enough of them succeed.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipeflow/engine/internal/errs"
)

// State is the breaker's position in the closed -> open -> half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker. The zero value gets usable defaults from
// NewManager.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before admitting probes.
	Cooldown time.Duration
	// HalfOpenProbes is both the cap on concurrent probe calls while
	// half-open and the consecutive successes required to close.
	HalfOpenProbes int
}

// InvokeFunc is the call shape a breaker guards: the downstream invocation
// an action's invoke_service helper performs.
type InvokeFunc func(ctx context.Context) (map[string]interface{}, error)

// Breaker tracks one downstream application's health.
type Breaker struct {
	appID  string
	cfg    Config
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	probeSuccesses      int
	probesInFlight      int
	openedAt            time.Time
}

// Do runs fn if the breaker admits the call and records the outcome.
// Rejections carry the ExternalServiceError kind, the same kind fn's own
// failures surface as, so callers handle both identically.
func (b *Breaker) Do(ctx context.Context, fn InvokeFunc) (map[string]interface{}, error) {
	probe, err := b.admit()
	if err != nil {
		return nil, err
	}
	out, callErr := fn(ctx)
	b.record(callErr == nil, probe)
	return out, callErr
}

// State reports the breaker's current position, advancing open -> half-open
// if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(time.Now())
	return b.state
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(time.Now())
	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			return false, errs.New(errs.KindExternalService,
				fmt.Sprintf("app %q is recovering, probe slots are full", b.appID))
		}
		b.probesInFlight++
		return true, nil
	default: // StateOpen
		return false, errs.New(errs.KindExternalService,
			fmt.Sprintf("app %q is circuit-broken until %s", b.appID, b.openedAt.Add(b.cfg.Cooldown).Format(time.RFC3339)))
	}
}

// advance moves an expired open breaker to half-open. Caller holds b.mu.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) record(success, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.probesInFlight > 0 {
		b.probesInFlight--
	}

	if success {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.HalfOpenProbes {
				b.setState(StateClosed)
			}
		}
		return
	}

	b.consecutiveFailures++
	switch b.state {
	case StateHalfOpen:
		// A failed probe means the app is still down.
		b.open()
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.setState(StateOpen)
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.probeSuccesses = 0
	b.probesInFlight = 0
	if next == StateClosed {
		b.consecutiveFailures = 0
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("app_id", b.appID),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

// Manager hands out one Breaker per downstream application id, all sharing
// the manager's Config.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for appID, creating it closed on first use.
func (m *Manager) For(appID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[appID]
	if !ok {
		b = &Breaker{appID: appID, cfg: m.cfg, logger: m.logger, state: StateClosed}
		m.breakers[appID] = b
	}
	return b
}

// States snapshots every known app's breaker state, for health reporting.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for appID, b := range m.breakers {
		out[appID] = b.State()
	}
	return out
}
