// Package engine materializes a pipeline definition into durable execution
// state, dispatches ready steps concurrently, and drives an execution to
// COMPLETED/FAILED. It owns ready-step dispatch end to end;
// internal/eventrouter only finalizes executions whose last outstanding step
// completed via an inbound event.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pipeflow/engine/internal/errs"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/observability"
	"github.com/pipeflow/engine/internal/registry"
	"github.com/pipeflow/engine/internal/store"
	"github.com/pipeflow/engine/internal/subscription"
	"github.com/pipeflow/engine/internal/template"
)

// Config carries the engine tunables from config.EngineConfig, kept as a
// plain struct here so this package doesn't import internal/config.
type Config struct {
	MaxConcurrency             int
	DefaultStepTimeoutSeconds  int
	MaxOptimisticRetryAttempts int
	OptimisticRetryBaseDelay   time.Duration
	SystemUserID               string
	InitiatorRatePerSecond     float64
	InitiatorRateBurst         int
	ScanInterval               time.Duration
}

// Engine owns execution start and the ready-step dispatch loop.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	resolver *template.Resolver
	subs     *subscription.Manager
	logger   *zap.Logger
	metrics  *observability.Metrics
	invoke   models.InvokeServiceFunc
	cfg      Config

	concurrency chan struct{}

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func New(s store.Store, reg *registry.Registry, resolver *template.Resolver, subs *subscription.Manager, invoke models.InvokeServiceFunc, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.DefaultStepTimeoutSeconds <= 0 {
		cfg.DefaultStepTimeoutSeconds = 300
	}
	if cfg.MaxOptimisticRetryAttempts <= 0 {
		cfg.MaxOptimisticRetryAttempts = 5
	}
	if cfg.OptimisticRetryBaseDelay <= 0 {
		cfg.OptimisticRetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.SystemUserID == "" {
		cfg.SystemUserID = "system"
	}
	if cfg.InitiatorRatePerSecond <= 0 {
		cfg.InitiatorRatePerSecond = 10
	}
	if cfg.InitiatorRateBurst <= 0 {
		cfg.InitiatorRateBurst = 20
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 3 * time.Second
	}
	return &Engine{
		store:       s,
		registry:    reg,
		resolver:    resolver,
		subs:        subs,
		invoke:      invoke,
		logger:      logger,
		metrics:     metrics,
		cfg:         cfg,
		concurrency: make(chan struct{}, cfg.MaxConcurrency),
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (e *Engine) limiterFor(initiator string) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	l, ok := e.limiters[initiator]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.InitiatorRatePerSecond), e.cfg.InitiatorRateBurst)
		e.limiters[initiator] = l
	}
	return l
}

// StartExecution validates the DAG, throttles per initiator, materializes
// the PipelineExecution and its StepExecution rows PENDING, wires
// subscriptions, transitions to RUNNING, and kicks off the first dispatch
// round synchronously so the caller observes immediate progress.
func (e *Engine) StartExecution(ctx context.Context, def *models.PipelineDefinition, initiator string, params map[string]interface{}) (*models.PipelineExecution, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, errs.New(errs.KindValidation, "pipeline definition has no steps")
	}
	if err := validateDAG(def); err != nil {
		return nil, err
	}
	if !e.limiterFor(initiator).Allow() {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("initiator %q exceeded the submission rate limit", initiator))
	}

	materialized := mergeParams(def, params)

	now := time.Now().UTC()
	exec := &models.PipelineExecution{
		ID:                 uuid.NewString(),
		Version:            1,
		Definition:         *materialized,
		Initiator:          initiator,
		Status:             models.ExecutionPending,
		ProgressPercentage: 0,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavail, "create execution failed", err)
	}

	for i, sd := range materialized.Steps {
		step := &models.StepExecution{
			ID:             uuid.NewString(),
			ExecutionID:    exec.ID,
			Version:        1,
			StepID:         sd.StepID,
			StepName:       sd.StepName,
			Status:         models.StepPending,
			SequenceNumber: i + 1,
			HandlerType:    sd.ActionType,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.store.CreateStep(ctx, step); err != nil {
			return nil, errs.Wrap(errs.KindPersistenceUnavail, fmt.Sprintf("create step %q failed", sd.StepID), err)
		}
	}

	if len(materialized.CallbackTopics) > 0 {
		if _, err := e.subs.CreateSubscriptions(ctx, exec.ID, materialized.CallbackTopics); err != nil {
			e.logger.Warn("subscription creation failed", zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}

	runningStatus := models.ExecutionRunning
	if _, err := e.store.UpdateExecutionWithVersion(ctx, exec.ID, exec.Version, store.ExecutionPatch{
		Status:    &runningStatus,
		StartTime: &now,
	}); err != nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavail, "transition to running failed", err)
	}

	if e.metrics != nil {
		e.metrics.RecordPipelineExecution("started")
		e.metrics.ActivePipelineExecutions.Inc()
	}

	e.DispatchReady(ctx, exec.ID)

	refreshed, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil || refreshed == nil {
		return nil, errs.Wrap(errs.KindPersistenceUnavail, "reload execution after start failed", err)
	}
	return refreshed, nil
}

// Run blocks, periodically re-scanning RUNNING executions for steps that
// became ready since the last dispatch (e.g. an event-driven step completed
// via internal/eventrouter, which does not itself dispatch further steps).
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	page := 1
	for {
		executions, total, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
			Status:   models.ExecutionRunning,
			Page:     page,
			PageSize: 50,
		})
		if err != nil {
			e.logger.Error("list running executions failed", zap.Error(err))
			return
		}
		for _, exec := range executions {
			e.DispatchReady(ctx, exec.ID)
		}
		if page*50 >= total || len(executions) == 0 {
			return
		}
		page++
	}
}

// mergeParams returns a copy of def whose Params declarations carry the
// caller-supplied values as Default, so the rest of the engine (and the
// template/condition evaluators) can read params.<name> uniformly from the
// per-execution copy of the definition without a separate persisted params
// table.
func mergeParams(def *models.PipelineDefinition, supplied map[string]interface{}) *models.PipelineDefinition {
	out := *def
	seen := make(map[string]bool, len(def.Params))
	decls := make([]models.ParamDeclaration, 0, len(def.Params)+len(supplied))
	for _, p := range def.Params {
		seen[p.Name] = true
		if v, ok := supplied[p.Name]; ok {
			p.Default = v
		}
		decls = append(decls, p)
	}
	for name, v := range supplied {
		if seen[name] {
			continue
		}
		decls = append(decls, models.ParamDeclaration{Name: name, Default: v})
	}
	out.Params = decls
	return &out
}

// paramsMap flattens a materialized definition's param declarations into the
// params.<name> namespace templates and branch conditions read.
func paramsMap(def *models.PipelineDefinition) map[string]interface{} {
	out := make(map[string]interface{}, len(def.Params))
	for _, p := range def.Params {
		out[p.Name] = p.Default
	}
	return out
}

// validateDAG rejects cycles and dangling dependency references via a DFS
// with an explicit recursion stack.
func validateDAG(def *models.PipelineDefinition) error {
	byID := make(map[string]*models.StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		if s.StepID == "" {
			return errs.New(errs.KindValidation, "step with empty step_id")
		}
		if _, dup := byID[s.StepID]; dup {
			return errs.New(errs.KindValidation, fmt.Sprintf("duplicate step_id %q", s.StepID))
		}
		byID[s.StepID] = s
	}
	for _, s := range def.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return errs.New(errs.KindValidation, fmt.Sprintf("step %q depends on unknown step %q", s.StepID, dep))
			}
		}
	}

	visited := make(map[string]bool, len(def.Steps))
	recursionStack := make(map[string]bool, len(def.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		if recursionStack[id] {
			return errs.New(errs.KindValidation, fmt.Sprintf("circular dependency detected at step %q", id))
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		recursionStack[id] = true
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		recursionStack[id] = false
		return nil
	}
	for _, s := range def.Steps {
		if err := visit(s.StepID); err != nil {
			return err
		}
	}
	return nil
}
