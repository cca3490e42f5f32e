package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

// Value kind constants
const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a tagged variant for payload fields: scalars, lists, and maps.
// Using an explicit tag (rather than interface{}) lets merge and compare
// operate without type switches on arbitrary dynamic values.
type Value struct {
	Kind ValueKind
	Bool bool
	Num  float64
	Str  string
	List []Value
	Map  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// B wraps a bool.
func B(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// N wraps a number.
func N(v float64) Value { return Value{Kind: KindNumber, Num: v} }

// S wraps a string.
func S(v string) Value { return Value{Kind: KindString, Str: v} }

// L wraps a list.
func L(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// M wraps a map.
func M(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// Equal reports deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, vv := range v.Map {
			ov, ok := o.Map[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for findings and log output.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("<unprintable: %v>", err)
		}
		return string(b)
	}
}

// TypeName names the value's kind the way entity schemas declare types.
func (v Value) TypeName() string {
	switch v.Kind {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// MarshalJSON encodes the value as plain JSON (the tag is implicit in the
// JSON type, so payloads stay readable on the wire and in SQLite).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindString:
		return json.Marshal(v.Str)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

// UnmarshalJSON decodes plain JSON into the tagged representation.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case 'n':
		*v = Null()
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = B(b)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = S(s)
		return nil
	case '[':
		var list []Value
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*v = Value{Kind: KindList, List: list}
		return nil
	case '{':
		var m map[string]Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = Value{Kind: KindMap, Map: m}
		return nil
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = N(n)
		return nil
	}
}

// Payload is an entity snapshot or mutation body: field name → value.
type Payload map[string]Value

// Clone returns a deep copy. Mutating the copy never aliases the original.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.Kind {
	case KindList:
		list := make([]Value, len(v.List))
		for i, e := range v.List {
			list[i] = cloneValue(e)
		}
		v.List = list
	case KindMap:
		m := make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			m[k] = cloneValue(e)
		}
		v.Map = m
	}
	return v
}

// Equal reports deep structural equality of two payloads.
func (p Payload) Equal(o Payload) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns the payload's field names, sorted.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SameKeys reports whether two payloads carry exactly the same field set.
func (p Payload) SameKeys(o Payload) bool {
	if len(p) != len(o) {
		return false
	}
	for k := range p {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

// Time extracts a timestamp field. Numbers are read as Unix milliseconds,
// strings as RFC 3339. Returns the zero time when absent or unparseable.
func (p Payload) Time(field string) time.Time {
	v, ok := p[field]
	if !ok {
		return time.Time{}
	}
	switch v.Kind {
	case KindNumber:
		return time.UnixMilli(int64(v.Num)).UTC()
	case KindString:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Number extracts a numeric field, returning 0 when absent or non-numeric.
func (p Payload) Number(field string) float64 {
	if v, ok := p[field]; ok && v.Kind == KindNumber {
		return v.Num
	}
	return 0
}

// Diff returns the sorted field paths whose values differ between p and o,
// including fields present on only one side. Nested maps contribute
// dotted paths ("address.city").
func (p Payload) Diff(o Payload) []string {
	seen := map[string]struct{}{}
	var paths []string
	var walk func(prefix string, a, b Payload)
	walk = func(prefix string, a, b Payload) {
		for k, av := range a {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			bv, ok := b[k]
			if ok && av.Kind == KindMap && bv.Kind == KindMap {
				walk(path, av.Map, bv.Map)
				continue
			}
			if !ok || !av.Equal(bv) {
				if _, dup := seen[path]; !dup {
					seen[path] = struct{}{}
					paths = append(paths, path)
				}
			}
		}
		for k := range b {
			if _, ok := a[k]; ok {
				continue
			}
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if _, dup := seen[path]; !dup {
				seen[path] = struct{}{}
				paths = append(paths, path)
			}
		}
	}
	walk("", p, o)
	sort.Strings(paths)
	return paths
}

// Well-known payload fields used by conflict detection and resolution.
const (
	FieldUpdatedAt = "updated_at"
	FieldCreatedAt = "created_at"
	FieldVersion   = "version"
)
