package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind discriminates the metric value union.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindBool
	KindString
)

// MaxStringValueLen bounds string metric values. Longer strings are a
// validation failure, not a truncation.
const MaxStringValueLen = 256

// Value is a telemetry metric value: number, bool, or short string.
// The zero value is the number 0. Objects, arrays, and null are not
// representable — they are rejected at ingress and never propagate
// inward.
type Value struct {
	Kind   ValueKind
	Number float64
	Bool   bool
	Str    string
}

// Num returns a number Value.
func Num(f float64) Value { return Value{Kind: KindNumber, Number: f} }

// Boolean returns a bool Value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Str returns a string Value.
func Str(s string) Value { return Value{Kind: KindString, Str: s} }

// AsFloat returns the numeric interpretation used by rule comparisons:
// the number itself, 1/0 for bools, and false for strings.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Number, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// MarshalJSON encodes the value as bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return nil, fmt.Errorf("non-finite metric value %v", v.Number)
		}
		return []byte(strconv.FormatFloat(v.Number, 'g', -1, 64)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.Bool)), nil
	case KindString:
		return json.Marshal(v.Str)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON decodes a JSON scalar into the union. Objects, arrays,
// null, non-finite numbers, and strings over MaxStringValueLen are
// rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty metric value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if len(s) > MaxStringValueLen {
			return fmt.Errorf("string metric value exceeds %d chars", MaxStringValueLen)
		}
		*v = Str(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Boolean(b)
		return nil
	case '{', '[', 'n':
		return fmt.Errorf("metric value must be number, bool, or string")
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("metric value must be number, bool, or string: %w", err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite metric value")
		}
		*v = Num(f)
		return nil
	}
}

// Equal reports semantic equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number == o.Number
	case KindBool:
		return v.Bool == o.Bool
	default:
		return v.Str == o.Str
	}
}
