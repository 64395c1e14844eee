package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Validate checks args against a JSON schema object. It covers the
// subset tool schemas use here: required fields, primitive types of
// declared properties, and enum membership. Undeclared fields pass.
func Validate(args map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	for _, field := range requiredFields(schema["required"]) {
		if _, ok := args[field]; !ok {
			return &ArgumentError{Field: field, Reason: "required field missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	// Sorted so the first reported problem is stable.
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		def, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		value := args[key]
		if typ, ok := def["type"].(string); ok && typ != "" {
			if err := checkType(value, typ); err != nil {
				return &ArgumentError{Field: key, Reason: err.Error()}
			}
		}
		if enum, ok := def["enum"]; ok {
			if !inEnum(value, enum) {
				return &ArgumentError{Field: key, Reason: fmt.Sprintf("value %v not in %v", value, enum)}
			}
		}
	}
	return nil
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func checkType(value any, expected string) error {
	ok := false
	switch expected {
	case "string":
		_, ok = value.(string)
	case "number":
		ok = isNumber(value)
	case "integer":
		ok = isInteger(value)
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	case "null":
		ok = value == nil
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	if !ok {
		return fmt.Errorf("expected %s but got %s", expected, jsonTypeName(value))
	}
	return nil
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float64, float32, int, int64, int32:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int64, int32:
		return true
	case float64:
		return !math.IsInf(v, 0) && v == math.Trunc(v)
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}

func inEnum(value any, enum any) bool {
	var options []any
	switch e := enum.(type) {
	case []any:
		options = e
	case []string:
		for _, s := range e {
			options = append(options, s)
		}
	default:
		return true
	}
	switch value.(type) {
	case map[string]any, []any:
		return false
	}
	for _, opt := range options {
		if opt == value {
			return true
		}
	}
	return false
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
