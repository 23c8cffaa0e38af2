package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

// FieldError reports a property value that does not fit its declared kind.
type FieldError struct {
	Property string
	Want     Kind
	Got      string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("property %s: want %s, got %s", e.Property, e.Want, e.Got)
}

// Problem joins field errors into the message stored on an error form.
func Problem(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// dateLayouts are accepted for date properties, most specific first.
var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// Coerce returns a copy of update with declared properties converted to
// their kinds. Undeclared keys and nulls pass through. Errors are returned
// sorted by property name.
func (s *FormSchema) Coerce(update model.Object) (model.Object, []FieldError) {
	out := update.Clone()
	if s == nil {
		return out, nil
	}
	var errs []FieldError
	for _, key := range update.SortedKeys() {
		kind, declared := s.Properties[key]
		if !declared {
			continue
		}
		v := update[key]
		if _, isNull := v.(model.Null); isNull {
			continue
		}
		coerced, ok := coerce(kind, v)
		if !ok {
			errs = append(errs, FieldError{Property: key, Want: kind, Got: describe(v)})
			continue
		}
		out[key] = coerced
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Property < errs[j].Property })
	return out, errs
}

func coerce(kind Kind, v model.Value) (model.Value, bool) {
	switch kind {
	case KindString:
		switch val := v.(type) {
		case model.String:
			return val, true
		case model.Int, model.Decimal, model.Bool:
			return model.String(model.Display(val)), true
		}
	case KindInt:
		switch val := v.(type) {
		case model.Int:
			return val, true
		case model.String:
			n, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
			if err == nil {
				return model.Int(n), true
			}
		}
	case KindDecimal:
		switch val := v.(type) {
		case model.Decimal:
			return val, true
		case model.Int:
			return model.Decimal(strconv.FormatInt(int64(val), 10)), true
		case model.String:
			d, err := model.ParseDecimal(strings.TrimSpace(string(val)))
			if err == nil {
				return d, true
			}
		}
	case KindBool:
		switch val := v.(type) {
		case model.Bool:
			return val, true
		case model.String:
			b, err := strconv.ParseBool(strings.TrimSpace(string(val)))
			if err == nil {
				return model.Bool(b), true
			}
		}
	case KindDate:
		switch val := v.(type) {
		case model.Date:
			return val, true
		case model.String:
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(string(val))); err == nil {
					return model.NewDate(t), true
				}
			}
		}
	}
	return nil, false
}

func describe(v model.Value) string {
	if s, ok := v.(model.String); ok {
		return fmt.Sprintf("string %q", string(s))
	}
	return v.Kind()
}
