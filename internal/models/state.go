package models

// State is per-rule scratch data the condition evaluator keeps across ticks.
// It is opaque to everything except the evaluator and survives restarts via a
// JSON column, so numeric values may come back as float64 after a round-trip.
type State map[string]any

// Clone returns a shallow copy; a nil receiver yields an empty map.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Float returns the numeric value stored under key, tolerating the types a
// JSON round-trip can produce.
func (s State) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the boolean stored under key. Booleans persisted as JSON
// numbers (0/1) are accepted as well.
func (s State) Bool(key string) (bool, bool) {
	switch v := s[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	}
	return false, false
}
