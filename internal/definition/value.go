package definition

import (
	"fmt"
	"sort"
	"strings"
)

// Value is one node of a parsed actor definition. The concrete variants are
// Mapping, Sequence, Scalar and *Fragment (an include that has not been
// resolved yet).
type Value interface {
	isValue()
}

// Mapping is a YAML mapping with string keys.
type Mapping map[string]Value

// Sequence is a YAML sequence.
type Sequence []Value

// Scalar holds a decoded YAML scalar (string, int, float64, bool or nil).
type Scalar struct {
	V any
}

func (Mapping) isValue()   {}
func (Sequence) isValue()  {}
func (Scalar) isValue()    {}
func (*Fragment) isValue() {}

// Fragment is one YAML document taking part in an include graph. File is the
// absolute path of the document and is empty for inline fragments.
type Fragment struct {
	File    string
	Body    Mapping
	Imports []*Fragment
}

// NewFragment wraps an already-built mapping.
func NewFragment(file string, body Mapping) *Fragment {
	if body == nil {
		body = Mapping{}
	}
	return &Fragment{File: file, Body: body}
}

// Get returns the value stored under key.
func (m Mapping) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

// Has reports whether key is present.
func (m Mapping) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Map returns the nested mapping stored under key.
func (m Mapping) Map(key string) (Mapping, bool) {
	v, ok := m[key].(Mapping)
	return v, ok
}

// String returns the scalar stored under key formatted as a string.
func (m Mapping) String(key string) (string, bool) {
	s, ok := m[key].(Scalar)
	if !ok || s.V == nil {
		return "", false
	}
	if str, ok := s.V.(string); ok {
		return str, true
	}
	return fmt.Sprint(s.V), true
}

// Keys returns the sorted keys of the mapping.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Plain converts the mapping into plain Go values suitable for JSON or YAML
// encoding. Unresolved fragments are rendered as their bodies.
func (m Mapping) Plain() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}

func plain(v Value) any {
	switch t := v.(type) {
	case Mapping:
		return t.Plain()
	case Sequence:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	case Scalar:
		return t.V
	case *Fragment:
		return t.Body.Plain()
	default:
		return nil
	}
}

func clone(v Value) Value {
	switch t := v.(type) {
	case Mapping:
		out := make(Mapping, len(t))
		for k, item := range t {
			out[k] = clone(item)
		}
		return out
	case Sequence:
		out := make(Sequence, len(t))
		for i, item := range t {
			out[i] = clone(item)
		}
		return out
	default:
		return v
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.Join([]string{prefix, key}, ".")
}
