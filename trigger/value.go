package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnsupportedValue is returned when decoding a JSON value that is not a bool, number or string.
var ErrUnsupportedValue = errors.New("unsupported event value")

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindNumber
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	}
	return "invalid"
}

// Value is one entry of an event-feed state map.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

func (v Value) Kind() Kind { return v.kind }

// Normalize returns the canonical string compared against binding targets.
// Integral numbers print without a fraction, so 1 and 1.0 both become "1".
func (v Value) Normalize() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		if isIntegral(v.n) {
			return strconv.FormatInt(int64(v.n), 10)
		}
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	}
	return ""
}

func (v Value) String() string { return v.Normalize() }

// Truthy reports whether the value counts as "on": true, a nonzero integer,
// or the string "true" in any case.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return isIntegral(v.n) && v.n != 0
	case KindString:
		return strings.EqualFold(v.s, "true")
	}
	return false
}

func isIntegral(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) && math.Abs(f) < 1<<53
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case bool:
		*v = Bool(x)
	case float64:
		*v = Number(x)
	case string:
		*v = String(x)
	case nil:
		return fmt.Errorf("%w: null", ErrUnsupportedValue)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	}
	return []byte("null"), nil
}
