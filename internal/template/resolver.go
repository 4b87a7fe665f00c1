// Package template implements parameter resolution: template expressions
// over two namespaces, params.<name> and steps.<step_id>.outputs.<name>,
// with type-preserving pure-expression resolution, a default filter, and a
// small set of text filters.
//
// This is deliberately a restricted path/filter evaluator, not a general
// templating engine: pipeline authors get dotted/bracket lookup over the
// params/steps tree and a handful of filters, never host-language execution.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pipeflow/engine/internal/errs"
)

var (
	templatePattern = regexp.MustCompile(`\{\{.*?\}\}`)
	variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.\[\]]*)`)
)

// Resolver evaluates templates against a params/steps scope.
type Resolver struct{}

// New returns a stateless Resolver.
func New() *Resolver { return &Resolver{} }

// Resolve walks value (string, map, slice, or primitive) and resolves every
// embedded template. strict controls whether an unresolved symbol without a
// default filter is an error (true) or renders empty (false).
func (r *Resolver) Resolve(value interface{}, params map[string]interface{}, stepOutputs map[string]map[string]interface{}, strict bool) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	ctxJSON, err := buildContextJSON(params, stepOutputs)
	if err != nil {
		return nil, errs.Wrap(errs.KindParameterResolution, "failed to build template scope", err)
	}
	return r.resolveValue(value, ctxJSON, strict)
}

func (r *Resolver) resolveValue(value interface{}, ctxJSON []byte, strict bool) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ctxJSON, strict)
	case map[string]interface{}:
		return r.resolveMap(v, ctxJSON, strict)
	case []interface{}:
		return r.resolveSlice(v, ctxJSON, strict)
	default:
		return value, nil
	}
}

func (r *Resolver) resolveMap(m map[string]interface{}, ctxJSON []byte, strict bool) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		resolved, err := r.resolveValue(v, ctxJSON, strict)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveSlice(s []interface{}, ctxJSON []byte, strict bool) ([]interface{}, error) {
	out := make([]interface{}, len(s))
	for i, v := range s {
		resolved, err := r.resolveValue(v, ctxJSON, strict)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// buildContextJSON serializes the params/steps scope once per Resolve call
// so every embedded template can be looked up via gjson path queries instead
// of hand-rolled map traversal. Step ids may contain dots or dashes, so each
// outputs subtree is grafted in with sjson under an escaped raw key rather
// than marshaled through an intermediate map.
func buildContextJSON(params map[string]interface{}, stepOutputs map[string]map[string]interface{}) ([]byte, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	ctx, err := json.Marshal(map[string]interface{}{
		"params": params,
		"steps":  map[string]interface{}{},
	})
	if err != nil {
		return nil, err
	}
	for stepID, outputs := range stepOutputs {
		if outputs == nil {
			outputs = map[string]interface{}{}
		}
		ctx, err = sjson.SetBytes(ctx, "steps."+escapePathKey(stepID)+".outputs", outputs)
		if err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

func escapePathKey(key string) string {
	key = strings.ReplaceAll(key, `\`, `\\`)
	return strings.ReplaceAll(key, ".", `\.`)
}

// resolveString implements the balance check, pure-expression type
// preservation rule, and mixed-string string-only resolution.
func (r *Resolver) resolveString(s string, ctxJSON []byte, strict bool) (interface{}, error) {
	if s == "" {
		return s, nil
	}

	openCount := strings.Count(s, "{{")
	closeCount := strings.Count(s, "}}")
	if openCount != closeCount {
		return nil, errs.Wrap(errs.KindParameterResolution, "unbalanced template braces", fmt.Errorf("template=%q", s))
	}

	if !templatePattern.MatchString(s) {
		return s, nil
	}

	stripped := strings.TrimSpace(s)
	isPure := strings.HasPrefix(stripped, "{{") && strings.HasSuffix(stripped, "}}") && strings.Count(stripped, "{{") == 1

	if isPure {
		inner := strings.TrimSpace(stripped[2 : len(stripped)-2])
		eval := evalExpr(inner, ctxJSON)
		if eval.undefined {
			if strict {
				return nil, errs.Wrap(errs.KindParameterResolution, "undefined variable in template", fmt.Errorf("template=%q", s))
			}
			return "", nil
		}
		if eval.hasFilters {
			return inferType(eval.rendered), nil
		}
		return eval.value, nil
	}

	var sb strings.Builder
	last := 0
	for _, loc := range templatePattern.FindAllStringIndex(s, -1) {
		sb.WriteString(s[last:loc[0]])
		inner := strings.TrimSpace(s[loc[0]+2 : loc[1]-2])
		eval := evalExpr(inner, ctxJSON)
		if eval.undefined {
			if strict {
				return nil, errs.Wrap(errs.KindParameterResolution, "undefined variable in template", fmt.Errorf("template=%q", s))
			}
			sb.WriteString("")
		} else {
			sb.WriteString(eval.rendered)
		}
		last = loc[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

type exprResult struct {
	rendered   string
	value      interface{}
	hasFilters bool
	undefined  bool
}

func evalExpr(inner string, ctxJSON []byte) exprResult {
	parts := strings.Split(inner, "|")
	basePath := strings.TrimSpace(parts[0])
	filters := parts[1:]

	val, found := lookupPath(ctxJSON, basePath)
	undefined := !found

	for _, f := range filters {
		name, arg, _ := parseFilter(strings.TrimSpace(f))
		switch name {
		case "default":
			if undefined {
				val = arg
				undefined = false
			}
		case "upper":
			val = strings.ToUpper(toStringValue(val))
		case "lower":
			val = strings.ToLower(toStringValue(val))
		case "trim":
			val = strings.TrimSpace(toStringValue(val))
		}
	}

	result := exprResult{hasFilters: len(filters) > 0, undefined: undefined, value: val}
	if !undefined {
		result.rendered = toStringValue(val)
	}
	return result
}

var filterPattern = regexp.MustCompile(`^(\w+)(?:\((.*)\))?$`)

// parseFilter parses a filter token like `default("x")` or `upper` into its
// name and decoded argument (string/number/bool literal, best-effort).
func parseFilter(token string) (name string, arg interface{}, hasArg bool) {
	m := filterPattern.FindStringSubmatch(token)
	if m == nil {
		return token, nil, false
	}
	name = m[1]
	if m[2] == "" {
		return name, nil, false
	}
	raw := strings.TrimSpace(m[2])
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0] {
		return name, raw[1 : len(raw)-1], true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return name, f, true
	}
	if raw == "true" || raw == "false" {
		return name, raw == "true", true
	}
	return name, raw, true
}

// lookupPath walks a dotted/bracketed path (e.g. "steps.a.outputs.result[0]")
// against the serialized params/steps scope via a gjson path query,
// returning (value, found). gjson reports Exists()==false on any missing
// intermediate key rather than panicking, which is how non-strict mode lets
// chained access through a missing branch resolve to empty rather than
// erroring.
func lookupPath(ctxJSON []byte, path string) (interface{}, bool) {
	cleaned := strings.ReplaceAll(path, "]", "")
	cleaned = strings.ReplaceAll(cleaned, "[", ".")
	cleaned = strings.Trim(cleaned, ".")

	res := gjson.GetBytes(ctxJSON, cleaned)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func toStringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// inferType tries int, float, bool, then a JSON-literal parse ({}, [],
// null), else keeps the string.
func inferType(rendered string) interface{} {
	if i, err := strconv.ParseInt(rendered, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(rendered, 64); err == nil {
		return f
	}
	lower := strings.ToLower(rendered)
	if lower == "true" || lower == "false" {
		return lower == "true"
	}
	var v interface{}
	if err := json.Unmarshal([]byte(rendered), &v); err == nil {
		return v
	}
	return rendered
}

// HasTemplates reports whether value contains any "{{ ... }}" occurrence.
func HasTemplates(value interface{}) bool {
	switch v := value.(type) {
	case string:
		return templatePattern.MatchString(v)
	case map[string]interface{}:
		for _, item := range v {
			if HasTemplates(item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if HasTemplates(item) {
				return true
			}
		}
	}
	return false
}

// ExtractVariables returns every referenced symbol path across value.
func ExtractVariables(value interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	extractInto(value, out)
	return out
}

func extractInto(value interface{}, out map[string]struct{}) {
	switch v := value.(type) {
	case string:
		for _, m := range variablePattern.FindAllStringSubmatch(v, -1) {
			out[m[1]] = struct{}{}
		}
	case map[string]interface{}:
		for _, item := range v {
			extractInto(item, out)
		}
	case []interface{}:
		for _, item := range v {
			extractInto(item, out)
		}
	}
}

// ValidateReferences checks every params.* and steps.<id>.* reference in
// value against the known sets, returning one error per unknown reference.
func ValidateReferences(value interface{}, knownParams, knownSteps map[string]struct{}) []error {
	var errsOut []error
	for v := range ExtractVariables(value) {
		parts := strings.Split(v, ".")
		switch parts[0] {
		case "params":
			if len(parts) < 2 {
				continue
			}
			if _, ok := knownParams[parts[1]]; !ok {
				errsOut = append(errsOut, fmt.Errorf("unknown parameter: %s", parts[1]))
			}
		case "steps":
			if len(parts) < 2 {
				continue
			}
			if _, ok := knownSteps[parts[1]]; !ok {
				errsOut = append(errsOut, fmt.Errorf("unknown step: %s", parts[1]))
			}
		}
	}
	return errsOut
}
