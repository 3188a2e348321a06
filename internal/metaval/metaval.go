// Package metaval implements the tagged-union metadata value used across
// the data model wherever the source represented metadata as a free map.
package metaval

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which alternative of the union a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a MetaValue = String | Number | Bool | List | Map, as called
// for by the "dynamic typing on metadata" re-design. Zero value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value               { return Value{kind: KindNull} }
func String(s string) Value     { return Value{kind: KindString, str: s} }
func Number(n float64) Value    { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func List(v []Value) Value      { return Value{kind: KindList, list: v} }
func Map(v map[string]Value) Value { return Value{kind: KindMap, m: v} }

func (v Value) Kind() Kind { return v.kind }

// AsString returns the string payload and whether v actually holds one.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// MarshalJSON encodes the union back to the plain JSON scalar/array/object
// shape it would have had in the dynamically-typed source.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("metaval: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes any JSON scalar/array/object into the matching
// union alternative, tolerating unknown/absent keys per the load-time
// tolerance requirement.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case float64:
		return Number(t)
	case bool:
		return Bool(t)
	case []interface{}:
		out := make([]Value, 0, len(t))
		for _, e := range t {
			out = append(out, fromAny(e))
		}
		return List(out)
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = fromAny(e)
		}
		return Map(out)
	default:
		return Null()
	}
}

// MapFromStrings builds a Map value out of a plain string map, a common
// case at ingestion boundaries (HTTP JSON bodies already decoded loosely).
func MapFromStrings(m map[string]string) Value {
	out := make(map[string]Value, len(m))
	for k, s := range m {
		out[k] = String(s)
	}
	return Map(out)
}
