package tools

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"event_id":  map[string]any{"type": "string"},
			"count":     map[string]any{"type": "integer"},
			"ratio":     map[string]any{"type": "number"},
			"all_day":   map[string]any{"type": "boolean"},
			"attendees": map[string]any{"type": "array"},
			"extra":     map[string]any{"type": "object"},
			"status":    map[string]any{"type": "string", "enum": []string{"confirmed", "tentative"}},
		},
		"required": []string{"event_id"},
	}

	tests := []struct {
		name      string
		args      map[string]any
		wantField string // empty means valid
	}{
		{"minimal", map[string]any{"event_id": "e1"}, ""},
		{"all fields", map[string]any{
			"event_id": "e1", "count": float64(3), "ratio": 0.5, "all_day": true,
			"attendees": []any{"a"}, "extra": map[string]any{}, "status": "tentative",
		}, ""},
		{"undeclared field passes", map[string]any{"event_id": "e1", "whatever": 1}, ""},
		{"nil args missing required", nil, "event_id"},
		{"missing required", map[string]any{"count": float64(1)}, "event_id"},
		{"wrong string type", map[string]any{"event_id": float64(42)}, "event_id"},
		{"fractional integer", map[string]any{"event_id": "e1", "count": 1.5}, "count"},
		{"bool as number", map[string]any{"event_id": "e1", "ratio": true}, "ratio"},
		{"string as array", map[string]any{"event_id": "e1", "attendees": "a,b"}, "attendees"},
		{"enum miss", map[string]any{"event_id": "e1", "status": "maybe"}, "status"},
		{"object for enum", map[string]any{"event_id": "e1", "status": map[string]any{}}, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.args, schema)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var argErr *ArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("Validate() = %v, want *ArgumentError", err)
			}
			if argErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", argErr.Field, tt.wantField)
			}
		})
	}
}

func TestValidate_DecodedSchema(t *testing.T) {
	// Schemas loaded from JSON carry []any rather than []string.
	schema := map[string]any{
		"properties": map[string]any{
			"unit": map[string]any{"type": "string", "enum": []any{"day", "week"}},
		},
		"required": []any{"unit"},
	}
	if err := Validate(map[string]any{"unit": "week"}, schema); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := Validate(map[string]any{}, schema); err == nil {
		t.Error("missing required field accepted")
	}
	if err := Validate(map[string]any{"unit": "month"}, schema); err == nil {
		t.Error("enum miss accepted")
	}
}

func TestValidate_NilSchema(t *testing.T) {
	if err := Validate(map[string]any{"x": 1}, nil); err != nil {
		t.Errorf("nil schema should accept anything, got %v", err)
	}
}
