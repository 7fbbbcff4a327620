package quality

import (
	"fmt"

	"github.com/oarkflow/sqlflow/pkg/utils"
)

type Action string

const (
	// ActionFail stops the load on the first violating row.
	ActionFail Action = "fail"
	// ActionDrop discards violating rows and keeps loading.
	ActionDrop Action = "drop"
)

// Check applies Rule to Field of every loaded row.
type Check struct {
	Field  string `json:"field" yaml:"field"`
	Rule   string `json:"rule" yaml:"rule"`
	Args   []any  `json:"args" yaml:"args"`
	Action Action `json:"action" yaml:"action"`
}

// ViolationError is returned for a row failing a check whose action is fail.
type ViolationError struct {
	Field string
	Rule  string
	Value any
	Err   error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("check %s on %s failed: %v", e.Rule, e.Field, e.Err)
}

func (e *ViolationError) Unwrap() error { return e.Err }

type compiled struct {
	Check
	rule Rule
}

type Validator struct {
	checks []compiled
}

func NewValidator(checks []Check) (*Validator, error) {
	v := &Validator{checks: make([]compiled, 0, len(checks))}
	for _, c := range checks {
		if c.Field == "" {
			return nil, fmt.Errorf("check %s: field is required", c.Rule)
		}
		switch c.Action {
		case "":
			c.Action = ActionFail
		case ActionFail, ActionDrop:
		default:
			return nil, fmt.Errorf("check %s on %s: unknown action %q", c.Rule, c.Field, c.Action)
		}
		rule, err := GetRule(c.Rule, c.Args...)
		if err != nil {
			return nil, fmt.Errorf("check on %s: %w", c.Field, err)
		}
		v.checks = append(v.checks, compiled{Check: c, rule: rule})
	}
	return v, nil
}

// Validate reports whether rec should be dropped, or the violation that must
// stop the load.
func (v *Validator) Validate(rec utils.Record) (drop bool, err error) {
	for _, c := range v.checks {
		value := rec[c.Field]
		if rerr := c.rule(value); rerr != nil {
			if c.Action == ActionDrop {
				drop = true
				continue
			}
			return false, &ViolationError{Field: c.Field, Rule: c.Rule, Value: value, Err: rerr}
		}
	}
	return drop, nil
}

// Apply keeps the rows passing every check.
func (v *Validator) Apply(records []utils.Record) (kept []utils.Record, dropped int, err error) {
	kept = records[:0:0]
	for _, rec := range records {
		drop, err := v.Validate(rec)
		if err != nil {
			return nil, dropped, err
		}
		if drop {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	return kept, dropped, nil
}
