package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"quizflow-service/internal/domain"
	"quizflow-service/internal/variables"
)

// DefaultMaxTextLength applies to text questions that set no max_length.
const DefaultMaxTextLength = 1000

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidAnswer, fmt.Sprintf(format, args...))
}

// ValidateAnswer checks raw against the question kind and returns the value
// bound to answer in expressions.
func ValidateAnswer(q *domain.Question, raw any) (variables.Value, error) {
	if q.Kind == domain.KindInfo {
		return variables.Null(), nil
	}
	v, err := variables.FromAny(raw)
	if err != nil {
		return variables.Value{}, invalid("unsupported value")
	}

	switch q.Kind {
	case domain.KindMultipleChoice:
		s, ok := v.Str()
		if !ok {
			return variables.Value{}, invalid("expected one option")
		}
		if !hasOption(q, s) {
			return variables.Value{}, fmt.Errorf("%w: %w: %q", domain.ErrInvalidAnswer, domain.ErrOptionNotFound, s)
		}
		return variables.String(s), nil

	case domain.KindMultiSelect:
		items, ok := v.Items()
		if !ok {
			return variables.Value{}, invalid("expected a list of options")
		}
		seen := make(map[string]bool, len(items))
		out := make([]variables.Value, 0, len(items))
		for _, it := range items {
			s, ok := it.Str()
			if !ok {
				return variables.Value{}, invalid("options must be strings")
			}
			if !hasOption(q, s) {
				return variables.Value{}, fmt.Errorf("%w: %w: %q", domain.ErrInvalidAnswer, domain.ErrOptionNotFound, s)
			}
			if seen[s] {
				return variables.Value{}, invalid("option %q selected twice", s)
			}
			seen[s] = true
			out = append(out, variables.String(s))
		}
		return variables.Array(out...), nil

	case domain.KindText:
		s, ok := v.Str()
		if !ok {
			return variables.Value{}, invalid("expected text")
		}
		max := q.MaxLength
		if max <= 0 {
			max = DefaultMaxTextLength
		}
		if utf8.RuneCountInString(s) > max {
			return variables.Value{}, invalid("longer than %d characters", max)
		}
		return variables.String(s), nil

	case domain.KindInteger:
		n, ok := asNumber(v)
		if !ok || n != math.Trunc(n) || math.Abs(n) >= 1<<53 {
			return variables.Value{}, invalid("expected a whole number")
		}
		if err := checkRange(q, n); err != nil {
			return variables.Value{}, err
		}
		return variables.Int(int64(n)), nil

	case domain.KindFloat:
		n, ok := asNumber(v)
		if !ok {
			return variables.Value{}, invalid("expected a number")
		}
		if err := checkRange(q, n); err != nil {
			return variables.Value{}, err
		}
		return variables.Float(n), nil

	case domain.KindBoolean:
		if b, ok := v.Bool(); ok {
			return variables.Bool(b), nil
		}
		if s, ok := v.Str(); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return variables.Bool(b), nil
			}
		}
		return variables.Value{}, invalid("expected true or false")
	}
	return variables.Value{}, invalid("unknown question kind %q", q.Kind)
}

func hasOption(q *domain.Question, s string) bool {
	for _, o := range q.Options {
		if o == s {
			return true
		}
	}
	return false
}

func asNumber(v variables.Value) (float64, bool) {
	if n, ok := v.Number(); ok {
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	}
	s, ok := v.Str()
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func checkRange(q *domain.Question, n float64) error {
	if q.Min != nil && n < *q.Min {
		return invalid("below the minimum of %v", *q.Min)
	}
	if q.Max != nil && n > *q.Max {
		return invalid("above the maximum of %v", *q.Max)
	}
	return nil
}
