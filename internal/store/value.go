package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind string

const (
	KindAbsent Kind = "absent"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindDate   Kind = "date"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
)

// Value is a resolved field value or a stored operand.
// The zero Value is Absent.
type Value struct {
	date time.Time
	str  string
	list []Value
	num  float64
	kind Kind
	b    bool
}

// Absent returns the value of a field that does not exist on an object.
func Absent() Value { return Value{} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Date returns a date Value normalized to UTC.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t.UTC()} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a multi-valued Value.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Strings is a convenience for a list of string values.
func Strings(items ...string) Value {
	vs := make([]Value, len(items))
	for i, s := range items {
		vs[i] = String(s)
	}
	return Value{kind: KindList, list: vs}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindAbsent
	}
	return v.kind
}

// IsAbsent reports whether v is the absent value.
func (v Value) IsAbsent() bool { return v.Kind() == KindAbsent }

// IsEmpty reports whether v is absent, an empty string or an empty list.
func (v Value) IsEmpty() bool {
	switch v.Kind() {
	case KindAbsent:
		return true
	case KindString:
		return v.str == ""
	case KindList:
		return len(v.list) == 0
	}
	return false
}

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Time returns the date payload.
func (v Value) Time() (time.Time, bool) { return v.date, v.kind == KindDate }

// Boolean returns the boolean payload.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the list payload.
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }

// String renders v for messages and plain-text output.
func (v Value) String() string {
	switch v.Kind() {
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, len(v.list))
		for i := range v.list {
			parts[i] = v.list[i].String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "<absent>"
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a date: %q", s)
	}
	return t.UTC(), nil
}

type typedValue struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes v as {"type":..., "value":...}; Absent encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind() {
	case KindAbsent:
		return []byte("null"), nil
	case KindString:
		payload = v.str
	case KindNumber:
		payload = v.num
	case KindDate:
		payload = v.date.Format(time.RFC3339Nano)
	case KindBool:
		payload = v.b
	case KindList:
		items := v.list
		if items == nil {
			items = []Value{}
		}
		payload = items
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValue{Type: v.Kind(), Value: raw})
}

// UnmarshalJSON accepts the typed form as well as bare JSON scalars and arrays.
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*v = Absent()
		return nil
	}
	switch b[0] {
	case '{':
		var tv typedValue
		if err := json.Unmarshal(b, &tv); err != nil {
			return err
		}
		return v.decodeTyped(tv)
	case '[':
		var items []Value
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*v = List(items...)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case 't', 'f':
		var bv bool
		if err := json.Unmarshal(b, &bv); err != nil {
			return err
		}
		*v = Bool(bv)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	*v = Number(n)
	return nil
}

func (v *Value) decodeTyped(tv typedValue) error {
	if tv.Type == KindAbsent || tv.Type == "" {
		*v = Absent()
		return nil
	}
	if len(tv.Value) == 0 {
		return fmt.Errorf("value of type %s has no payload", tv.Type)
	}
	switch tv.Type {
	case KindString:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return fmt.Errorf("decoding string value: %w", err)
		}
		*v = String(s)
	case KindNumber:
		var n float64
		if err := json.Unmarshal(tv.Value, &n); err != nil {
			// tolerate numbers written as strings
			var s string
			if json.Unmarshal(tv.Value, &s) != nil {
				return fmt.Errorf("decoding number value: %w", err)
			}
			if n, err = strconv.ParseFloat(s, 64); err != nil {
				return fmt.Errorf("decoding number value: %w", err)
			}
		}
		*v = Number(n)
	case KindDate:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return fmt.Errorf("decoding date value: %w", err)
		}
		t, err := ParseDate(s)
		if err != nil {
			return err
		}
		*v = Date(t)
	case KindBool:
		var bv bool
		if err := json.Unmarshal(tv.Value, &bv); err != nil {
			return fmt.Errorf("decoding bool value: %w", err)
		}
		*v = Bool(bv)
	case KindList:
		var items []Value
		if err := json.Unmarshal(tv.Value, &items); err != nil {
			return fmt.Errorf("decoding list value: %w", err)
		}
		*v = List(items...)
	default:
		return fmt.Errorf("unknown value type %q", tv.Type)
	}
	return nil
}

// Equal reports structural equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindDate:
		return v.date.Equal(o.date)
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
	}
	return true
}
