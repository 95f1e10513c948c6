package graph

import (
	"encoding/json"
	"fmt"
)

// State is the workflow blob. Values are kept JSON-native (map[string]any, []any,
// string, float64, bool, nil) so a checkpoint decodes to an identical State.
type State map[string]any

// Normalize converts v to its JSON-native form.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode normalized value: %w", err)
	}
	return out, nil
}

// NewState normalizes m into a State.
func NewState(m map[string]any) (State, error) {
	s := make(State, len(m))
	for k, v := range m {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("state key %q: %w", k, err)
		}
		s[k] = n
	}
	return s, nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out, err := NewState(s)
	if err != nil {
		// Normalized states always re-encode.
		panic(err)
	}
	return out
}

// String returns s[key] as a string, or "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Bool returns s[key] as a bool, or false.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Int returns s[key] as an int; JSON numbers decode as float64.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Float returns s[key] as a float64, or 0.
func (s State) Float(key string) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Map returns s[key] as an object, or nil.
func (s State) Map(key string) map[string]any {
	v, _ := s[key].(map[string]any)
	return v
}

// List returns s[key] as an array, or nil.
func (s State) List(key string) []any {
	v, _ := s[key].([]any)
	return v
}

// Decode converts s[key] into T. The bool is false when the key is absent, null
// or does not fit T.
func Decode[T any](s State, key string) (T, bool) {
	var out T
	v, ok := s[key]
	if !ok || v == nil {
		return out, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

// As converts any JSON-native value into T.
func As[T any](v any) (T, bool) {
	return Decode[T](State{"v": v}, "v")
}
