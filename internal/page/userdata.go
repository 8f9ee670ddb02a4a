package page

import (
	"encoding/json"
	"fmt"
)

// ValueKind names the type held by a Value
type ValueKind string

// Supported value kinds
const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
)

// Value is one caller-attached datum. Only the kinds above can be stored,
// which keeps snapshots deterministic.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
}

// StringValue wraps a string
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// IntValue wraps an integer
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// FloatValue wraps a float
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// BoolValue wraps a bool
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the kind of v
func (v Value) Kind() ValueKind { return v.kind }

// AsString returns the string held by v
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsInt returns the integer held by v
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float held by v
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsBool returns the bool held by v
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

type wireValue struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}
func (v Value) MarshalJSON() ([]byte, error) {
	var raw any
	switch v.kind {
	case KindString:
		raw = v.s
	case KindInt:
		raw = v.i
	case KindFloat:
		raw = v.f
	case KindBool:
		raw = v.b
	default:
		return nil, fmt.Errorf("unsupported value kind %q", v.kind)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: encoded})
}

// UnmarshalJSON decodes the form written by MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{kind: w.Kind}
	var err error
	switch w.Kind {
	case KindString:
		err = json.Unmarshal(w.Value, &out.s)
	case KindInt:
		err = json.Unmarshal(w.Value, &out.i)
	case KindFloat:
		err = json.Unmarshal(w.Value, &out.f)
	case KindBool:
		err = json.Unmarshal(w.Value, &out.b)
	default:
		return fmt.Errorf("unsupported value kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s value: %w", w.Kind, err)
	}

	*v = out
	return nil
}

// UserData is the caller-owned bag attached to a page
type UserData map[string]Value

// Set stores v under key
func (d UserData) Set(key string, v Value) { d[key] = v }

// Get returns the value under key
func (d UserData) Get(key string) (Value, bool) {
	v, ok := d[key]
	return v, ok
}
