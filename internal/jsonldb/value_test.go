package jsonldb

import (
	"math"
	"testing"
)

func TestValidateValue(t *testing.T) {
	tests := []struct {
		name    string
		v       Value
		wantErr bool
	}{
		{"nil", nil, false},
		{"bool", true, false},
		{"string", "hello", false},
		{"finite float", 3.14, false},
		{"NaN", math.NaN(), true},
		{"Inf", math.Inf(1), true},
		{"array of valid", []any{1.0, "x", nil}, false},
		{"array with bad element", []any{1.0, math.NaN()}, true},
		{"object of valid", map[string]any{"a": 1.0}, false},
		{"object with bad field", map[string]any{"a": math.Inf(-1)}, true},
		{"unsupported type", make(chan int), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateValue(tt.v)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateValue(%v) error = %v, wantErr %v", tt.v, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	doc := map[string]any{
		"status": "open",
		"owner": map[string]any{
			"name": "alice",
		},
		"tags": []any{"a", "b", "c"},
		"nested": map[string]any{
			"list": []any{
				map[string]any{"id": "first"},
				map[string]any{"id": "second"},
			},
		},
	}

	tests := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{"top-level field", "/status", "open", true},
		{"nested field", "/owner/name", "alice", true},
		{"array index", "/tags[1]", "b", true},
		{"array of objects", "/nested/list[1]/id", "second", true},
		{"missing field", "/missing", "", false},
		{"index out of range", "/tags[9]", "", false},
		{"non-string leaf", "/owner", "", false},
		{"path without leading slash", "status", "open", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolvePath(doc, tt.path)
			if ok != tt.ok || got != tt.want {
				t.Errorf("resolvePath(%q) = (%q, %v), want (%q, %v)", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
}
