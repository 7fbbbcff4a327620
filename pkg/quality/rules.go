// Package quality checks loaded rows against per-field rules.
package quality

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/oarkflow/convert"
)

// Rule checks one field value.
type Rule func(value any) error

var emailRegex = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// GetRule builds the named rule. Names are case-insensitive: not_null,
// range (min, max), min, max, regex (pattern), email, one_of (values...).
func GetRule(name string, args ...any) (Rule, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "notnull":
		return notNull, nil
	case "range":
		if len(args) != 2 {
			return nil, fmt.Errorf("rule range needs min and max")
		}
		lo, ok1 := convert.ToFloat64(args[0])
		hi, ok2 := convert.ToFloat64(args[1])
		if !ok1 || !ok2 || lo > hi {
			return nil, fmt.Errorf("rule range: invalid bounds %v", args)
		}
		return between(lo, hi), nil
	case "min", "max":
		if len(args) != 1 {
			return nil, fmt.Errorf("rule %s needs one bound", name)
		}
		bound, ok := convert.ToFloat64(args[0])
		if !ok {
			return nil, fmt.Errorf("rule %s: invalid bound %v", name, args[0])
		}
		return compare(strings.ToLower(name), bound), nil
	case "regex":
		if len(args) != 1 {
			return nil, fmt.Errorf("rule regex needs a pattern")
		}
		pattern, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("rule regex: pattern must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule regex: %w", err)
		}
		return func(v any) error {
			if v == nil {
				return nil
			}
			s := fmt.Sprint(v)
			if !re.MatchString(s) {
				return fmt.Errorf("value %s does not match pattern %s", s, pattern)
			}
			return nil
		}, nil
	case "email":
		return func(v any) error {
			if v == nil {
				return nil
			}
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("not a string")
			}
			if !emailRegex.MatchString(strings.ToLower(s)) {
				return fmt.Errorf("invalid email %q", s)
			}
			return nil
		}, nil
	case "oneof":
		if len(args) == 0 {
			return nil, fmt.Errorf("rule one_of needs values")
		}
		allowed := make([]string, len(args))
		for i, a := range args {
			allowed[i] = fmt.Sprint(a)
		}
		return func(v any) error {
			if v == nil {
				return nil
			}
			if !slices.Contains(allowed, fmt.Sprint(v)) {
				return fmt.Errorf("value %v is not one of %v", v, allowed)
			}
			return nil
		}, nil
	}
	return nil, fmt.Errorf("unknown rule %q", name)
}

func notNull(v any) error {
	if v == nil {
		return fmt.Errorf("value is null")
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return fmt.Errorf("value is empty")
	}
	return nil
}

// Numeric rules ignore nulls; combine them with not_null to require a value.
func number(v any) (float64, error) {
	f, ok := convert.ToFloat64(v)
	if !ok {
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
	return f, nil
}

func between(lo, hi float64) Rule {
	return func(v any) error {
		if v == nil {
			return nil
		}
		f, err := number(v)
		if err != nil {
			return err
		}
		if f < lo || f > hi {
			return fmt.Errorf("value %v out of range [%v, %v]", v, lo, hi)
		}
		return nil
	}
}

func compare(kind string, bound float64) Rule {
	return func(v any) error {
		if v == nil {
			return nil
		}
		f, err := number(v)
		if err != nil {
			return err
		}
		if kind == "min" && f < bound {
			return fmt.Errorf("value %v is below %v", v, bound)
		}
		if kind == "max" && f > bound {
			return fmt.Errorf("value %v is above %v", v, bound)
		}
		return nil
	}
}
