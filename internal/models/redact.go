package models

import "strings"

var sensitiveKeyMarkers = []string{
	"password", "secret", "token", "api_key", "apikey", "credential", "auth",
}

const redactedPlaceholder = "***REDACTED***"

// Redact returns a copy of v with values under sensitive-looking keys
// replaced before the document is persisted as step outputs or progress
// event details. Nested maps and slices are walked recursively.
func Redact(v map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(val)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return Redact(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
