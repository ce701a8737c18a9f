package variables

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errCoerce = errors.New("cannot coerce")

// coerce converts raw into the declared type. Numeric strings become numbers
// only for numeric types; numbers and booleans may be rendered into strings.
func coerce(raw any, t Type, item Type) (Value, error) {
	v, err := FromAny(raw)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", errCoerce, err)
	}
	return coerceValue(v, t, item)
}

func coerceValue(v Value, t Type, item Type) (Value, error) {
	switch t {
	case TypeInteger:
		switch v.kind {
		case KindInteger:
			return v, nil
		case KindFloat:
			if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<53 {
				return Int(int64(v.f)), nil
			}
		case KindString:
			s := strings.TrimSpace(v.s)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return Int(i), nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				return Int(int64(f)), nil
			}
		}
	case TypeFloat:
		switch v.kind {
		case KindInteger:
			return Float(float64(v.i)), nil
		case KindFloat:
			if !math.IsNaN(v.f) && !math.IsInf(v.f, 0) {
				return v, nil
			}
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
			if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return Float(f), nil
			}
		}
	case TypeBoolean:
		switch v.kind {
		case KindBoolean:
			return v, nil
		case KindString:
			switch strings.ToLower(strings.TrimSpace(v.s)) {
			case "true":
				return Bool(true), nil
			case "false":
				return Bool(false), nil
			}
		}
	case TypeString:
		switch v.kind {
		case KindString:
			return v, nil
		case KindInteger, KindFloat, KindBoolean:
			return String(v.Text()), nil
		}
	case TypeArray:
		if v.kind != KindArray {
			break
		}
		if item == "" {
			return v, nil
		}
		items := make([]Value, len(v.items))
		for i, it := range v.items {
			cv, err := coerceValue(it, item, "")
			if err != nil {
				return Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			items[i] = cv
		}
		return Value{kind: KindArray, items: items}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown type %q", errCoerce, t)
	}
	return Value{}, fmt.Errorf("%w %s to %s", errCoerce, v.kind, t)
}

// admit coerces raw to the variable's type and checks its constraints.
func (v *Variable) admit(raw any) (Value, error) {
	val, err := coerce(raw, v.def.Type, v.def.Constraints.ItemType)
	if err != nil {
		return Value{}, &Error{Kind: ErrTypeMismatch, Name: v.def.Name, Detail: err.Error()}
	}
	if detail := v.check(val); detail != "" {
		return Value{}, &Error{Kind: ErrConstraintViolation, Name: v.def.Name, Detail: detail}
	}
	return val, nil
}

func (v *Variable) check(val Value) string {
	c := v.def.Constraints
	switch val.kind {
	case KindInteger, KindFloat:
		n, _ := val.Number()
		if c.Min != nil && n < *c.Min {
			return fmt.Sprintf("%v is below minimum %v", val.Text(), *c.Min)
		}
		if c.Max != nil && n > *c.Max {
			return fmt.Sprintf("%v is above maximum %v", val.Text(), *c.Max)
		}
		if len(v.enum) > 0 && !inEnum(v.enum, val) {
			return fmt.Sprintf("%v is not an allowed value", val.Text())
		}
	case KindString:
		if msg := v.checkString(val.s); msg != "" {
			return msg
		}
	case KindArray:
		if c.MaxItems != nil && len(val.items) > *c.MaxItems {
			return fmt.Sprintf("%d items exceed maximum %d", len(val.items), *c.MaxItems)
		}
		for i, it := range val.items {
			if len(v.enum) > 0 && !inEnum(v.enum, it) {
				return fmt.Sprintf("item %d (%s) is not an allowed value", i, it.Text())
			}
			if it.kind == KindString {
				if msg := v.checkString(it.s); msg != "" {
					return fmt.Sprintf("item %d: %s", i, msg)
				}
			}
		}
	}
	return ""
}

func (v *Variable) checkString(s string) string {
	c := v.def.Constraints
	if c.MaxLength != nil && utf8.RuneCountInString(s) > *c.MaxLength {
		return fmt.Sprintf("length %d exceeds maximum %d", utf8.RuneCountInString(s), *c.MaxLength)
	}
	if v.pattern != nil && !v.pattern.MatchString(s) {
		return "value does not match pattern"
	}
	if v.def.Type == TypeString && len(v.enum) > 0 && !inEnum(v.enum, String(s)) {
		return fmt.Sprintf("%q is not an allowed value", s)
	}
	return ""
}

func inEnum(enum []Value, val Value) bool {
	for _, e := range enum {
		if e.Equal(val) {
			return true
		}
	}
	return false
}
