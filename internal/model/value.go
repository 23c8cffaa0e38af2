package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface over case property variants.
// Only Null, String, Int, Decimal, Bool, Date, Array and Object implement it.
type Value interface {
	value()
	// Kind names the variant ("string", "date", ...).
	Kind() string
}

// Null is an explicit JSON null.
type Null struct{}

// String is a text property.
type String string

// Int is an integral number.
type Int int64

// Decimal is an exact decimal number held as its text form ("3.50").
// Floats never enter the model.
type Decimal string

// Bool is a boolean property.
type Bool bool

// Date is an instant, always normalized to UTC.
type Date time.Time

// Array is an ordered list of values.
type Array []Value

// Object maps keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Null) value()    {}
func (String) value()  {}
func (Int) value()     {}
func (Decimal) value() {}
func (Bool) value()    {}
func (Date) value()    {}
func (Array) value()   {}
func (Object) value()  {}

func (Null) Kind() string    { return "null" }
func (String) Kind() string  { return "string" }
func (Int) Kind() string     { return "int" }
func (Decimal) Kind() string { return "decimal" }
func (Bool) Kind() string    { return "bool" }
func (Date) Kind() string    { return "date" }
func (Array) Kind() string   { return "array" }
func (Object) Kind() string  { return "object" }

// NewDate returns a Date normalized to UTC.
func NewDate(t time.Time) Date {
	return Date(t.UTC())
}

// Time returns the instant held by d.
func (d Date) Time() time.Time {
	return time.Time(d).UTC()
}

var decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// ParseDecimal validates s as a decimal literal and returns it as a Decimal.
func ParseDecimal(s string) (Decimal, error) {
	if !decimalPattern.MatchString(s) {
		return "", fmt.Errorf("invalid decimal %q", s)
	}
	return Decimal(s), nil
}

// Rat returns d as an exact rational.
func (d Decimal) Rat() *big.Rat {
	r, ok := new(big.Rat).SetString(string(d))
	if !ok {
		return new(big.Rat)
	}
	return r
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison orders by UTF-8 bytes, which differs above U+FFFF.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// Clone returns a shallow copy of obj.
func (obj Object) Clone() Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// MarshalJSON encodes obj canonically.
func (obj Object) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(obj)
}

// UnmarshalJSON decodes an object, restoring tagged dates and decimals.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected object, got %s", v.Kind())
	}
	*obj = o
	return nil
}

// MarshalJSON encodes arr canonically.
func (arr Array) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(arr)
}

const (
	dateTag    = "$date"
	decimalTag = "$decimal"
)

// UnmarshalValue decodes JSON into a Value. Numbers with a fraction or
// exponent become Decimal. Single-key objects tagged "$date" or "$decimal"
// are restored to their variant.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// FromAny converts a decoded JSON or YAML value into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return Decimal(strconv.FormatUint(val, 10)), nil
		}
		return Int(val), nil
	case float64:
		return Decimal(strconv.FormatFloat(val, 'f', -1, 64)), nil
	case json.Number:
		return numberValue(string(val))
	case time.Time:
		return NewDate(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		if tagged, ok, err := fromTagged(val); ok || err != nil {
			return tagged, err
		}
		obj := make(Object, len(val))
		for k, elem := range val {
			ev, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func numberValue(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	return ParseDecimal(s)
}

func fromTagged(m map[string]any) (Value, bool, error) {
	if len(m) != 1 {
		return nil, false, nil
	}
	if raw, ok := m[dateTag]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, true, fmt.Errorf("%s must be a string", dateTag)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", dateTag, err)
		}
		return NewDate(t), true, nil
	}
	if raw, ok := m[decimalTag]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, true, fmt.Errorf("%s must be a string", decimalTag)
		}
		d, err := ParseDecimal(s)
		return d, true, err
	}
	return nil, false, nil
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b Value) bool {
	ab, err := MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Display renders v as plain text for CLI output.
func Display(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return ""
	case String:
		return string(val)
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Decimal:
		return string(val)
	case Bool:
		return strconv.FormatBool(bool(val))
	case Date:
		return FormatTime(val.Time())
	default:
		b, err := MarshalCanonical(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// MarshalJSON encodes d in its tagged form.
func (d Date) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(d)
}

// MarshalJSON encodes d in its tagged form.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(d)
}
