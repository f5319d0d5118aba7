package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindMap:
		return "object"
	case KindList:
		return "array"
	default:
		return "null"
	}
}

// Value is the closed set of shapes a raw landed field can take.
// The zero Value is null. Numbers decoded from JSON or built from integers
// keep their literal text so integers beyond 2^53 survive the round trip.
type Value struct {
	kind    Kind
	str     string
	num     float64
	numText string
	b       bool
	m       map[string]Value
	list    []Value
}

func Null() Value            { return Value{} }
func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Int(i int64) Value {
	return Value{kind: KindNumber, num: float64(i), numText: strconv.FormatInt(i, 10)}
}
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }
func List(items []Value) Value     { return Value{kind: KindList, list: items} }
func (v Value) Kind() Kind         { return v.kind }
func (v Value) IsNull() bool       { return v.kind == KindNull }

func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsInt returns the exact integer a number holds. Numbers with a fraction
// or outside the int64 range report false.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.numText != "" {
		i, err := strconv.ParseInt(v.numText, 10, 64)
		return i, err == nil
	}
	if v.num != math.Trunc(v.num) || v.num >= 1<<63 || v.num < -1<<63 {
		return 0, false
	}
	return int64(v.num), true
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsMap() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}

func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == KindList
}

// IsBlank reports null values and strings that are empty after trimming.
func (v Value) IsBlank() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	}
	return false
}

// Interface converts the value back into plain Go types (nil, string,
// float64, bool, map[string]any, []any).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

// Text renders scalars the way they would be typed by a person. Objects and
// arrays render as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.numText != "" {
			return v.numText
		}
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindMap, KindList:
		data, _ := json.Marshal(v)
		return string(data)
	}
	return ""
}

// Equal compares two values structurally.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == other.str
	case KindNumber:
		a, okA := v.AsInt()
		b, okB := other.AsInt()
		if okA && okB {
			return a == b
		}
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for k, item := range v.m {
			o, ok := other.m[k]
			if !ok || !item.Equal(o) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts decoded JSON or plain Go values into a Value.
// Anything outside the closed set is rejected.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Value{kind: KindNumber, num: float64(t), numText: strconv.FormatUint(uint64(t), 10)}, nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Value{kind: KindNumber, num: float64(t), numText: strconv.FormatUint(t, 10)}, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Value{kind: KindNumber, num: f, numText: t.String()}, nil
	case map[string]Value:
		return Map(t), nil
	case []Value:
		return List(t), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Null(), fmt.Errorf("%s: %w", k, err)
			}
			out[k] = val
		}
		return Map(out), nil
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Null(), fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = val
		}
		return List(out), nil
	}
	return Null(), fmt.Errorf("unsupported raw value type %T", in)
}

// MustFromMap is a convenience for literals in tests and fixtures.
func MustFromMap(in map[string]any) map[string]Value {
	out := make(map[string]Value, len(in))
	for k, item := range in {
		val, err := FromAny(item)
		if err != nil {
			panic(err)
		}
		out[k] = val
	}
	return out
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(k)
			buf.Write(key)
			buf.WriteByte(':')
			item, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(item)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindNumber:
		if v.numText != "" {
			return []byte(v.numText), nil
		}
	}
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// DecodeObject decodes a JSON object into raw field values.
func DecodeObject(data []byte) (map[string]Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", v.Kind())
	}
	return m, nil
}
