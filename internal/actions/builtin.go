// Package actions holds the engine's built-in action executors: small
// Executor implementations covering logging, delays, data transforms,
// downstream HTTP calls, conditional routing, and aggregation, so pipelines
// can run end to end without an external action plug-in. Each action
// registers itself at package init via registry.RegisterForDiscovery.
package actions

import (
	"fmt"
	"strings"
	"time"

	"github.com/pipeflow/engine/internal/condition"
	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
)

func init() {
	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "log",
		Version:       "1.0.0",
		DisplayName:   "Log",
		Category:      "Utility",
		Description:   "Logs a message at the specified level",
		ExecutionMode: models.ExecutionModeSync,
		Idempotent:    true,
		Params: []models.ParamDefinition{
			{Name: "message", Type: models.ParamTypeString},
			{Name: "level", Type: models.ParamTypeString},
		},
		Outputs: []models.OutputDefinition{{Name: "logged", Type: models.ParamTypeBoolean}},
	}, func() models.Executor { return logExecutor{} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "delay",
		Version:       "1.0.0",
		DisplayName:   "Delay",
		Category:      "Utility",
		Description:   "Pauses the step for a configured number of seconds",
		ExecutionMode: models.ExecutionModeSync,
		Idempotent:    true,
		Params: []models.ParamDefinition{
			{Name: "seconds", Type: models.ParamTypeNumber},
		},
		Outputs: []models.OutputDefinition{{Name: "delayed", Type: models.ParamTypeBoolean}},
	}, func() models.Executor { return delayExecutor{} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "transform",
		Version:       "1.0.0",
		DisplayName:   "Transform",
		Category:      "Data",
		Description:   "Transforms input data via a named operation",
		ExecutionMode: models.ExecutionModeSync,
		Idempotent:    true,
		Params: []models.ParamDefinition{
			{Name: "operation", Type: models.ParamTypeSelect, Options: []string{"passthrough", "uppercase", "lowercase", "keys", "values", "count"}},
		},
		Outputs: []models.OutputDefinition{{Name: "result", Type: models.ParamTypeObjectRef}},
	}, func() models.Executor { return transformExecutor{} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "http_request",
		Version:       "1.0.0",
		DisplayName:   "HTTP Request",
		Category:      "Integration",
		Description:   "Calls a downstream service via invoke_service",
		ExecutionMode: models.ExecutionModeSync,
		Params: []models.ParamDefinition{
			{Name: "app_id", Type: models.ParamTypeString, Required: true},
			{Name: "path", Type: models.ParamTypeString, Required: true},
			{Name: "method", Type: models.ParamTypeString},
		},
		Outputs: []models.OutputDefinition{{Name: "response", Type: models.ParamTypeObjectRef}},
	}, func() models.Executor { return httpRequestExecutor{} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "conditional",
		Version:       "1.0.0",
		DisplayName:   "Conditional Branch",
		Category:      "Control Flow",
		Description:   "Routes to one of several branches based on evaluated conditions",
		ExecutionMode: models.ExecutionModeSync,
		Idempotent:    true,
		Outputs: []models.OutputDefinition{
			{Name: "matched_branch", Type: models.ParamTypeString},
			{Name: "matched_label", Type: models.ParamTypeString},
			{Name: "target_step", Type: models.ParamTypeString},
		},
	}, func() models.Executor { return conditionalExecutor{eval: condition.New()} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "aggregate",
		Version:       "1.0.0",
		DisplayName:   "Aggregate",
		Category:      "Data",
		Description:   "Combines a list of inputs via a named operation",
		ExecutionMode: models.ExecutionModeSync,
		Idempotent:    true,
		Params: []models.ParamDefinition{
			{Name: "operation", Type: models.ParamTypeSelect, Options: []string{"list", "sum", "join", "merge"}},
		},
		Outputs: []models.OutputDefinition{{Name: "result", Type: models.ParamTypeObjectRef}},
	}, func() models.Executor { return aggregateExecutor{} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "set_output",
		Version:       "1.0.0",
		DisplayName:   "Set Output",
		Category:      "Utility",
		Description:   "Passes through an arbitrary outputs object",
		ExecutionMode: models.ExecutionModeSync,
		Idempotent:    true,
	}, func() models.Executor { return setOutputExecutor{} })

	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "fail",
		Version:       "1.0.0",
		DisplayName:   "Fail",
		Category:      "Utility",
		Description:   "Always fails with the configured error message; used to exercise failure semantics",
		ExecutionMode: models.ExecutionModeSync,
		Params: []models.ParamDefinition{
			{Name: "message", Type: models.ParamTypeString},
		},
	}, func() models.Executor { return failExecutor{} })
}

// noEvent is embedded by every sync action, since only event-driven actions
// (model_add) implement OnEvent meaningfully.
type noEvent struct{}

func (noEvent) OnEvent(models.EventContext) models.EventResult { return models.Ignore() }

type logExecutor struct{ noEvent }

func (logExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	message, _ := ctx.Params["message"].(string)
	if message == "" {
		message = "No message provided"
	}
	return models.ActionResult{Success: true, Outputs: map[string]interface{}{"logged": true, "message": message}}
}

type delayExecutor struct{ noEvent }

func (delayExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	seconds := 1.0
	if v, ok := ctx.Params["seconds"]; ok {
		seconds = toFloat(v)
	}
	d := time.Duration(seconds * float64(time.Second))
	select {
	case <-time.After(d):
	case <-ctx.Context.Done():
		return models.ActionResult{Success: false, Error: ctx.Context.Err().Error()}
	}
	return models.ActionResult{Success: true, Outputs: map[string]interface{}{"delayed": true, "seconds": seconds}}
}

type transformExecutor struct{ noEvent }

func (transformExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	input := ctx.Params["input"]
	operation, _ := ctx.Params["operation"].(string)
	if operation == "" {
		operation = "passthrough"
	}

	var result interface{}
	switch operation {
	case "passthrough":
		result = input
	case "uppercase":
		result = mapStrings(input, strings.ToUpper)
	case "lowercase":
		result = mapStrings(input, strings.ToLower)
	case "keys":
		result = mapKeys(input)
	case "values":
		result = mapValues(input)
	case "count":
		result = collectionLen(input)
	default:
		result = input
	}
	return models.ActionResult{Success: true, Outputs: map[string]interface{}{"result": result, "operation": operation}}
}

type httpRequestExecutor struct{ noEvent }

func (httpRequestExecutor) Execute(actx models.ActionContext) models.ActionResult {
	appID, _ := actx.Params["app_id"].(string)
	path, _ := actx.Params["path"].(string)
	method, _ := actx.Params["method"].(string)
	if method == "" {
		method = "GET"
	}
	body, _ := actx.Params["body"].(map[string]interface{})

	if actx.InvokeService == nil {
		return models.ActionResult{Success: false, Error: "invoke_service is not configured"}
	}
	resp, err := actx.InvokeService(actx.Context, appID, path, method, body, 30)
	if err != nil {
		return models.ActionResult{Success: false, Error: err.Error()}
	}
	return models.ActionResult{Success: true, Outputs: map[string]interface{}{"response": resp}}
}

type conditionalExecutor struct {
	noEvent
	eval *condition.Evaluator
}

func (e conditionalExecutor) Execute(actx models.ActionContext) models.ActionResult {
	branchesRaw, _ := actx.Params["branches"].([]interface{})
	if len(branchesRaw) > 0 {
		for _, b := range branchesRaw {
			branch, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			id, _ := branch["id"].(string)
			label, _ := branch["label"].(string)
			if label == "" {
				label = id
			}
			cond, _ := branch["condition"].(string)
			target, _ := branch["target_step"].(string)

			matched, err := e.eval.Evaluate(cond, actx.WorkflowParams, actx.PriorOutputs)
			if err != nil {
				continue
			}
			if matched {
				return models.ActionResult{Success: true, Outputs: map[string]interface{}{
					"matched_branch": id,
					"matched_label":  label,
					"target_step":    target,
				}}
			}
		}
		return models.ActionResult{Success: true, Outputs: map[string]interface{}{
			"matched_branch": nil, "matched_label": "none", "target_step": nil,
		}}
	}

	// Legacy single-condition form.
	condVal := true
	if v, ok := actx.Params["condition"]; ok {
		if b, ok := v.(bool); ok {
			condVal = b
		}
	}
	branch := "false"
	if condVal {
		branch = "true"
	}
	return models.ActionResult{Success: true, Outputs: map[string]interface{}{
		"matched_branch": branch, "matched_label": branch, "target_step": nil, "branch": branch,
	}}
}

type aggregateExecutor struct{ noEvent }

func (aggregateExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	inputs, _ := ctx.Params["inputs"].([]interface{})
	operation, _ := ctx.Params["operation"].(string)
	if operation == "" {
		operation = "list"
	}

	var result interface{}
	switch operation {
	case "sum":
		var sum float64
		for _, v := range inputs {
			sum += toFloat(v)
		}
		result = sum
	case "join":
		sep, _ := ctx.Params["separator"].(string)
		if sep == "" {
			sep = ", "
		}
		parts := make([]string, len(inputs))
		for i, v := range inputs {
			parts[i] = fmt.Sprintf("%v", v)
		}
		result = strings.Join(parts, sep)
	case "merge":
		merged := make(map[string]interface{})
		for _, v := range inputs {
			if m, ok := v.(map[string]interface{}); ok {
				for k, mv := range m {
					merged[k] = mv
				}
			}
		}
		result = merged
	default:
		result = inputs
	}
	return models.ActionResult{Success: true, Outputs: map[string]interface{}{"result": result, "count": len(inputs)}}
}

type setOutputExecutor struct{ noEvent }

func (setOutputExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	outputs, _ := ctx.Params["outputs"].(map[string]interface{})
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	return models.ActionResult{Success: true, Outputs: outputs}
}

type failExecutor struct{ noEvent }

func (failExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	message, _ := ctx.Params["message"].(string)
	if message == "" {
		message = "Intentional failure"
	}
	return models.ActionResult{Success: false, Error: message}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func mapStrings(v interface{}, f func(string) string) interface{} {
	switch t := v.(type) {
	case string:
		return f(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok {
				out[k] = f(s)
			} else {
				out[k] = val
			}
		}
		return out
	default:
		return v
	}
}

func mapKeys(v interface{}) []string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func mapValues(v interface{}) []interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make([]interface{}, 0, len(m))
	for _, val := range m {
		out = append(out, val)
	}
	return out
}

func collectionLen(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		return len(t)
	case []interface{}:
		return len(t)
	case string:
		return len(t)
	default:
		return 0
	}
}
