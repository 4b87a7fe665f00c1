package models

// ExecutionMode distinguishes actions that complete within one execute()
// call from actions that suspend a step pending an external event.
type ExecutionMode string

const (
	ExecutionModeSync        ExecutionMode = "SYNC"
	ExecutionModeEventDriven ExecutionMode = "EVENT_DRIVEN"
)

// ParamType enumerates the closed set of parameter type tags the registry
// understands. UI clients render forms from these tags; there is no runtime
// type reflection as in the source platform.
type ParamType string

const (
	ParamTypeString      ParamType = "string"
	ParamTypeNumber      ParamType = "number"
	ParamTypeBoolean     ParamType = "boolean"
	ParamTypeSelect      ParamType = "select"
	ParamTypeMultiSelect ParamType = "multiselect"
	ParamTypeObjectRef   ParamType = "object_reference"
)

// VisibilityPredicate gates a parameter's visibility on another parameter's
// resolved value.
type VisibilityPredicate struct {
	OtherParam string      `json:"other_param"`
	Equals     bool        `json:"equals"` // true: ==, false: !=
	Value      interface{} `json:"value"`
}

// ParamDefinition is one entry in an ActionMeta's declared parameter list.
type ParamDefinition struct {
	Name        string               `json:"name"`
	Type        ParamType            `json:"type"`
	Required    bool                 `json:"required"`
	Default     interface{}          `json:"default,omitempty"`
	Options     []string             `json:"options,omitempty"`
	MinValue    *float64             `json:"min_value,omitempty"`
	MaxValue    *float64             `json:"max_value,omitempty"`
	MinLength   *int                 `json:"min_length,omitempty"`
	MaxLength   *int                 `json:"max_length,omitempty"`
	VisibleWhen *VisibilityPredicate `json:"visible_when,omitempty"`
}

// OutputDefinition documents one field an action promises to produce.
type OutputDefinition struct {
	Name string    `json:"name"`
	Type ParamType `json:"type"`
}

// RetryPolicy is an action's declared whole-step retry settings, carried as
// metadata. The engine makes one executor.Execute call per step and does not
// read this policy.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	InitialIntervalS  int     `json:"initial_interval_seconds"`
}

// ActionMeta is the static, declarative description of an action used for
// discovery, UI form rendering, and validation. It is configuration-time
// data, never persisted alongside execution state.
type ActionMeta struct {
	Type                string            `json:"type"`
	Version             string            `json:"version"`
	DisplayName         string            `json:"display_name"`
	Category            string            `json:"category"`
	Description         string            `json:"description"`
	Params              []ParamDefinition `json:"params"`
	Outputs             []OutputDefinition `json:"outputs"`
	ExecutionMode       ExecutionMode     `json:"execution_mode"`
	TimeoutSeconds      int               `json:"timeout_seconds,omitempty"`
	Retry               *RetryPolicy      `json:"retry,omitempty"`
	Idempotent          bool              `json:"idempotent"`
	RequiredServices    []string          `json:"required_services,omitempty"`
	RequiredPermissions []string          `json:"required_permissions,omitempty"`
}

// Validate applies the registration-time validation policy: type must be
// set, param names non-empty and unique, select types must carry a
// non-empty option list.
func (m ActionMeta) Validate() error {
	if m.Type == "" {
		return errActionTypeBlank
	}
	seen := make(map[string]bool, len(m.Params))
	for _, p := range m.Params {
		if p.Name == "" {
			return errParamNameBlank
		}
		if seen[p.Name] {
			return errParamNameDuplicate(p.Name)
		}
		seen[p.Name] = true
		if (p.Type == ParamTypeSelect || p.Type == ParamTypeMultiSelect) && len(p.Options) == 0 {
			return errParamOptionsEmpty(p.Name)
		}
	}
	return nil
}
