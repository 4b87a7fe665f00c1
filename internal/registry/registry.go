// Package registry implements the process-wide action catalog: a read-mostly
// map of action types to metadata and lazily-constructed executors,
// populated at discovery time under a process-wide lock.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pipeflow/engine/internal/models"
)

// Factory lazily constructs an Executor for an action type.
type Factory func() models.Executor

type pendingEntry struct {
	meta    models.ActionMeta
	factory Factory
}

var (
	pendingMu sync.Mutex
	pending   []pendingEntry
)

// RegisterForDiscovery queues an action for registration the next time
// Discover() runs. Called from package init() functions in internal/actions.
func RegisterForDiscovery(meta models.ActionMeta, factory Factory) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	pending = append(pending, pendingEntry{meta: meta, factory: factory})
}

// Registry is the process-wide catalog of action types.
type Registry struct {
	mu          sync.RWMutex
	metas       map[string]models.ActionMeta
	factories   map[string]Factory
	executors   map[string]models.Executor
	discovered  bool
	validate    *validator.Validate
	logWarn     func(format string, args ...interface{})
}

// New creates an empty Registry. logWarn receives warnings for tie-break
// re-registrations and discovery failures; pass nil to discard them.
func New(logWarn func(format string, args ...interface{})) *Registry {
	if logWarn == nil {
		logWarn = func(string, ...interface{}) {}
	}
	return &Registry{
		metas:     make(map[string]models.ActionMeta),
		factories: make(map[string]Factory),
		executors: make(map[string]models.Executor),
		validate:  validator.New(),
		logWarn:   logWarn,
	}
}

// Register adds or replaces an action type. If type was already registered,
// the earlier registration is replaced and a warning emitted (tie-break
// rule). Returns an error if meta fails registration-time validation.
func (r *Registry) Register(meta models.ActionMeta, factory Factory) error {
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("registry: invalid action meta for %q: %w", meta.Type, err)
	}
	if factory == nil {
		return fmt.Errorf("registry: nil factory for action %q", meta.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.metas[meta.Type]; exists {
		r.logWarn("registry: action type %q re-registered, replacing previous executor", meta.Type)
		delete(r.executors, meta.Type)
	}
	r.metas[meta.Type] = meta
	r.factories[meta.Type] = factory
	return nil
}

// Discover runs all plug-in registrations queued via RegisterForDiscovery.
// It is idempotent: the second call is a no-op. A single plug-in's
// registration failure is logged and does not abort the others.
func (r *Registry) Discover() {
	r.mu.Lock()
	if r.discovered {
		r.mu.Unlock()
		return
	}
	r.discovered = true
	r.mu.Unlock()

	pendingMu.Lock()
	entries := make([]pendingEntry, len(pending))
	copy(entries, pending)
	pendingMu.Unlock()

	for _, e := range entries {
		if err := r.Register(e.meta, e.factory); err != nil {
			r.logWarn("registry: discovery failed for action %q: %v", e.meta.Type, err)
		}
	}
}

// List returns every registered action type identifier.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.metas))
	for t := range r.metas {
		out = append(out, t)
	}
	return out
}

// GetMeta returns the ActionMeta for type, or false if unregistered.
func (r *Registry) GetMeta(actionType string) (models.ActionMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[actionType]
	return m, ok
}

// Has reports whether actionType is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.metas[actionType]
	return ok
}

// GetExecutor lazily constructs (and memoizes) the Executor for actionType.
func (r *Registry) GetExecutor(actionType string) (models.Executor, error) {
	r.mu.RLock()
	if ex, ok := r.executors[actionType]; ok {
		r.mu.RUnlock()
		return ex, nil
	}
	factory, ok := r.factories[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown action type %q", actionType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.executors[actionType]; ok {
		return ex, nil
	}
	ex := factory()
	r.executors[actionType] = ex
	return ex, nil
}

// GetByCategory groups every registered ActionMeta by its Category field.
func (r *Registry) GetByCategory() map[string][]models.ActionMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]models.ActionMeta)
	for _, m := range r.metas {
		out[m.Category] = append(out[m.Category], m)
	}
	return out
}

// ValidateParams runs structural validation of params against the action's
// declared ParamDefinitions: required presence, type tags, and bound rules
// (bounds are expressed as validator tags so numeric/string limits share one
// rule engine with the rest of the codebase).
func (r *Registry) ValidateParams(actionType string, params map[string]interface{}) []error {
	meta, ok := r.GetMeta(actionType)
	if !ok {
		return []error{fmt.Errorf("registry: unknown action type %q", actionType)}
	}

	var errs []error
	for _, p := range meta.Params {
		val, present := params[p.Name]
		if p.Required && !present {
			errs = append(errs, fmt.Errorf("param %q is required", p.Name))
			continue
		}
		if !present {
			continue
		}
		if err := r.validateParamBounds(p, val); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Registry) validateParamBounds(p models.ParamDefinition, val interface{}) error {
	switch p.Type {
	case models.ParamTypeNumber:
		n, ok := toFloat(val)
		if !ok {
			return fmt.Errorf("param %q must be a number", p.Name)
		}
		if tag := boundsTag("gte", p.MinValue, "lte", p.MaxValue); tag != "" {
			if err := r.validate.Var(n, tag); err != nil {
				return fmt.Errorf("param %q out of bounds [%v, %v]", p.Name, ptrOrAny(p.MinValue), ptrOrAny(p.MaxValue))
			}
		}
	case models.ParamTypeString:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("param %q must be a string", p.Name)
		}
		if tag := lengthTag(p.MinLength, p.MaxLength); tag != "" {
			if err := r.validate.Var(s, tag); err != nil {
				return fmt.Errorf("param %q length out of bounds [%v, %v]", p.Name, ptrOrAny(p.MinLength), ptrOrAny(p.MaxLength))
			}
		}
	case models.ParamTypeSelect:
		s, ok := val.(string)
		if !ok || !contains(p.Options, s) {
			return fmt.Errorf("param %q must be one of %v", p.Name, p.Options)
		}
	}
	return nil
}

func boundsTag(minTag string, min *float64, maxTag string, max *float64) string {
	var parts []string
	if min != nil {
		parts = append(parts, fmt.Sprintf("%s=%v", minTag, *min))
	}
	if max != nil {
		parts = append(parts, fmt.Sprintf("%s=%v", maxTag, *max))
	}
	return strings.Join(parts, ",")
}

func lengthTag(min, max *int) string {
	var parts []string
	if min != nil {
		parts = append(parts, fmt.Sprintf("min=%d", *min))
	}
	if max != nil {
		parts = append(parts, fmt.Sprintf("max=%d", *max))
	}
	return strings.Join(parts, ",")
}

func ptrOrAny[T any](p *T) interface{} {
	if p == nil {
		return "-"
	}
	return *p
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(opts []string, s string) bool {
	for _, o := range opts {
		if o == s {
			return true
		}
	}
	return false
}
