package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValueKind tags the scalar type carried by a Value.
type ValueKind string

const (
	KindAbsent ValueKind = "absent"
	KindText   ValueKind = "text"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindDate   ValueKind = "date"
	KindBool   ValueKind = "bool"
)

// Value is a loosely typed field value. The zero Value is absent, which is
// distinct from an explicit zero, false or empty string.
type Value struct {
	kind ValueKind
	text string
	num  int64
	flt  float64
	date time.Time
	flag bool
}

// Absent returns the explicit "no value" marker.
func Absent() Value { return Value{} }

// Text wraps a string value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Int wraps an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Float wraps a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Date wraps a timestamp, normalized to UTC.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t.UTC()} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Kind reports the value's tag.
func (v Value) Kind() ValueKind {
	if v.kind == "" {
		return KindAbsent
	}
	return v.kind
}

// IsAbsent reports whether the value carries nothing.
func (v Value) IsAbsent() bool { return v.Kind() == KindAbsent }

// IsEmpty reports whether the value is absent or blank text.
func (v Value) IsEmpty() bool {
	return v.IsAbsent() || (v.kind == KindText && v.text == "")
}

func (v Value) TextValue() string { return v.text }
func (v Value) IntValue() int64 { return v.num }
func (v Value) FloatValue() float64 { return v.flt }
func (v Value) DateValue() time.Time { return v.date }
func (v Value) BoolValue() bool { return v.flag }

// Numeric returns the value as float64 for int and float kinds.
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.num), true
	case KindFloat:
		return v.flt, true
	default:
		return 0, false
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(other Value) bool {
	if v.Kind() != other.Kind() {
		return false
	}
	switch v.Kind() {
	case KindAbsent:
		return true
	case KindText:
		return v.text == other.text
	case KindInt:
		return v.num == other.num
	case KindFloat:
		return v.flt == other.flt
	case KindDate:
		return v.date.Equal(other.date)
	case KindBool:
		return v.flag == other.flag
	default:
		return false
	}
}

// Compare orders two numeric or two date values. It returns -1, 0 or 1 and
// false when the values are not mutually comparable.
func (v Value) Compare(other Value) (int, bool) {
	if v.kind == KindDate && other.kind == KindDate {
		switch {
		case v.date.Before(other.date):
			return -1, true
		case v.date.After(other.date):
			return 1, true
		default:
			return 0, true
		}
	}
	a, okA := v.Numeric()
	b, okB := other.Numeric()
	if !okA || !okB {
		return 0, false
	}
	switch {
	case a < b:
		return -1, true
	case a > b:
		return 1, true
	default:
		return 0, true
	}
}

// String renders the value for logs and audit display. Absent renders as "".
func (v Value) String() string {
	switch v.Kind() {
	case KindText:
		return v.text
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'f', -1, 64)
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return ""
	}
}

type valueJSON struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}; absent is null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsAbsent() {
		return []byte("null"), nil
	}
	var (
		payload []byte
		err     error
	)
	switch v.kind {
	case KindText:
		payload, err = json.Marshal(v.text)
	case KindInt:
		payload = []byte(strconv.FormatInt(v.num, 10))
	case KindFloat:
		payload, err = json.Marshal(v.flt)
	case KindDate:
		payload, err = json.Marshal(v.date.Format(time.RFC3339Nano))
	case KindBool:
		payload, err = json.Marshal(v.flag)
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Kind: v.kind, Value: payload})
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Absent()
		return nil
	}
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	switch raw.Kind {
	case KindAbsent, "":
		*v = Absent()
	case KindText:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fmt.Errorf("failed to decode text value: %w", err)
		}
		*v = Text(s)
	case KindInt:
		n, err := strconv.ParseInt(string(bytes.TrimSpace(raw.Value)), 10, 64)
		if err != nil {
			return fmt.Errorf("failed to decode int value: %w", err)
		}
		*v = Int(n)
	case KindFloat:
		var f float64
		if err := json.Unmarshal(raw.Value, &f); err != nil {
			return fmt.Errorf("failed to decode float value: %w", err)
		}
		*v = Float(f)
	case KindDate:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return fmt.Errorf("failed to decode date value: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("failed to decode date value: %w", err)
		}
		*v = Date(t)
	case KindBool:
		var b bool
		if err := json.Unmarshal(raw.Value, &b); err != nil {
			return fmt.Errorf("failed to decode bool value: %w", err)
		}
		*v = Bool(b)
	default:
		return fmt.Errorf("unknown value kind %q", raw.Kind)
	}
	return nil
}
