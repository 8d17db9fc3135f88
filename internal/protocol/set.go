// ABOUTME: Set values and their {"_set_object": [...]} wire envelope.
// ABOUTME: Restores envelopes to Set values when decoding packet payloads.

package protocol

import "encoding/json"

// setKey is the envelope marker for set values in packet payloads.
const setKey = "_set_object"

// Set is an unordered collection of JSON scalars (strings, numbers, bools).
// It serializes as {"_set_object": [...]} and is restored on decode.
type Set map[any]struct{}

// NewSet builds a Set from the given elements.
func NewSet(elems ...any) Set {
	s := make(Set, len(elems))
	for _, e := range elems {
		s[e] = struct{}{}
	}
	return s
}

// Contains reports whether the element is in the set.
func (s Set) Contains(elem any) bool {
	_, ok := s[elem]
	return ok
}

// MarshalJSON encodes the set in its wire envelope. Element order is
// unspecified.
func (s Set) MarshalJSON() ([]byte, error) {
	elems := make([]any, 0, len(s))
	for e := range s {
		elems = append(elems, e)
	}
	return json.Marshal(map[string]any{setKey: elems})
}

// restoreSets walks a freshly decoded JSON tree and converts set envelopes
// back into Set values. Any object carrying the marker key converts; sibling
// keys are discarded. Only scalar elements are converted; an envelope
// holding composite elements is left as the raw mapping rather than
// panicking on an uncomparable map key.
func restoreSets(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if elems, ok := val[setKey].([]any); ok {
			if s, ok := scalarSet(elems); ok {
				return s
			}
		}
		for k, child := range val {
			val[k] = restoreSets(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = restoreSets(child)
		}
		return val
	default:
		return v
	}
}

func scalarSet(elems []any) (Set, bool) {
	s := make(Set, len(elems))
	for _, e := range elems {
		switch e.(type) {
		case string, float64, bool, nil:
			s[e] = struct{}{}
		default:
			return nil, false
		}
	}
	return s, true
}
