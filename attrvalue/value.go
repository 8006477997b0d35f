// Package attrvalue implements the typed scalar attribute value used by
// job and printer attribute maps.
package attrvalue

import "fmt"

// Kind identifies which scalar field of a Value is populated.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
)

// Value is a typed scalar: exactly one of String/Int/Bool is meaningful,
// selected by Kind. Attribute maps throughout this module are
// map[string]Value rather than map[string]interface{} so equality and
// printing don't need type switches at every call site.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

// AsString returns the string form of v regardless of Kind, for logging
// and for comparison against supported-value sets (spec attribute values
// are compared as their wire representation).
func (v Value) AsString() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Equal compares two values of the same kind by their underlying scalar;
// values of different kinds are equal when their AsString forms match.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return v.AsString() == other.AsString()
	}
	switch v.kind {
	case KindString:
		return v.s == other.s
	case KindInt:
		return v.i == other.i
	case KindBool:
		return v.b == other.b
	default:
		return false
	}
}

func (v Value) String() string { return v.AsString() }

// Map is an attribute name -> Value mapping with right-biased merge
// helpers matching the defaults-then-request merge in spec.md §4.5.
type Map map[string]Value

// Clone returns a shallow copy; Value is itself immutable so this is a
// deep copy in practice.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a new Map containing m's entries overridden by over's
// entries for any shared key (over wins).
func (m Map) Merge(over Map) Map {
	out := m.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// SupportedSet is the set of values a given attribute key may take, used
// by Printer.supported (spec.md §3/§4.5).
type SupportedSet map[string]bool

func NewSupportedSet(values ...string) SupportedSet {
	s := make(SupportedSet, len(values))
	for _, v := range values {
		s[v] = true
	}
	return s
}

func (s SupportedSet) Allows(v Value) bool {
	return s[v.AsString()]
}
