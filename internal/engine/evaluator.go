package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

// Evaluator evaluates ordered condition lists against fact fields. Conditions
// fold strictly left to right: the first condition seeds the result, each
// subsequent one combines with the running result via its own logical
// operator. There is no grouping or precedence beyond that.
type Evaluator struct{}

// NewEvaluator creates a condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate evaluates conditions against a fact. An empty condition list
// matches everything.
func (e *Evaluator) Evaluate(conditions []billing.Condition, fact billing.Fact) (bool, error) {
	return e.EvaluateFields(conditions, fact.Fields)
}

// EvaluateFields evaluates conditions against an arbitrary field map. The
// same mechanism serves trigger conditions, action guards, escalation rule
// conditions, and business rules.
func (e *Evaluator) EvaluateFields(conditions []billing.Condition, fields map[string]interface{}) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}

	result, err := e.evaluateOne(conditions[0], fields)
	if err != nil {
		return false, fmt.Errorf("condition 0: %w", err)
	}

	for i, cond := range conditions[1:] {
		// A missing logical operator is rejected at config-save time;
		// at evaluation time it degrades to AND.
		op := cond.LogicalOperator
		if op == "" {
			op = billing.LogicalAnd
		}

		// AND with a false running result and OR with a true one cannot
		// change the outcome; left-to-right folding makes this sound.
		if op == billing.LogicalAnd && !result {
			continue
		}
		if op == billing.LogicalOr && result {
			continue
		}

		matched, err := e.evaluateOne(cond, fields)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i+1, err)
		}

		if op == billing.LogicalAnd {
			result = result && matched
		} else {
			result = result || matched
		}
	}

	return result, nil
}

// evaluateOne applies a single condition. A field absent from the fact makes
// the condition false rather than erroring, so triggers listening for fields
// other facts do not carry simply fail to match.
func (e *Evaluator) evaluateOne(cond billing.Condition, fields map[string]interface{}) (bool, error) {
	raw, ok := fields[cond.Field]
	if !ok {
		return false, nil
	}

	switch cond.DataType {
	case billing.DataNumber:
		return e.compareNumber(cond, raw)
	case billing.DataDate:
		return e.compareDate(cond, raw)
	case billing.DataBoolean:
		return e.compareBool(cond, raw)
	default:
		return e.compareString(cond, raw)
	}
}

func (e *Evaluator) compareString(cond billing.Condition, raw interface{}) (bool, error) {
	actual, err := cast.ToStringE(raw)
	if err != nil {
		return false, fmt.Errorf("field %q is not a string: %w", cond.Field, err)
	}

	if !cond.IsCaseSensitive() {
		actual = strings.ToLower(actual)
	}

	normalize := func(v interface{}) (string, error) {
		s, err := cast.ToStringE(v)
		if err != nil {
			return "", err
		}
		if !cond.IsCaseSensitive() {
			s = strings.ToLower(s)
		}
		return s, nil
	}

	switch cond.Operator {
	case billing.OpEquals, billing.OpNotEquals:
		expected, err := normalize(cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition value is not a string: %w", err)
		}
		if cond.Operator == billing.OpEquals {
			return actual == expected, nil
		}
		return actual != expected, nil

	case billing.OpContains:
		expected, err := normalize(cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition value is not a string: %w", err)
		}
		return strings.Contains(actual, expected), nil

	case billing.OpGreaterThan:
		expected, err := normalize(cond.Value)
		if err != nil {
			return false, err
		}
		return actual > expected, nil

	case billing.OpLessThan:
		expected, err := normalize(cond.Value)
		if err != nil {
			return false, err
		}
		return actual < expected, nil

	case billing.OpIn, billing.OpNotIn:
		values, err := cast.ToStringSliceE(cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition value is not a string list: %w", err)
		}
		found := false
		for _, v := range values {
			candidate := v
			if !cond.IsCaseSensitive() {
				candidate = strings.ToLower(candidate)
			}
			if actual == candidate {
				found = true
				break
			}
		}
		if cond.Operator == billing.OpIn {
			return found, nil
		}
		return !found, nil
	}

	return false, fmt.Errorf("operator %q not supported for strings", cond.Operator)
}

func (e *Evaluator) compareNumber(cond billing.Condition, raw interface{}) (bool, error) {
	actual, err := cast.ToFloat64E(raw)
	if err != nil {
		return false, fmt.Errorf("field %q is not a number: %w", cond.Field, err)
	}

	switch cond.Operator {
	case billing.OpIn, billing.OpNotIn:
		values, err := toFloatSlice(cond.Value)
		if err != nil {
			return false, fmt.Errorf("condition value is not a number list: %w", err)
		}
		found := false
		for _, v := range values {
			if actual == v {
				found = true
				break
			}
		}
		if cond.Operator == billing.OpIn {
			return found, nil
		}
		return !found, nil
	}

	expected, err := cast.ToFloat64E(cond.Value)
	if err != nil {
		return false, fmt.Errorf("condition value is not a number: %w", err)
	}

	switch cond.Operator {
	case billing.OpEquals:
		return actual == expected, nil
	case billing.OpNotEquals:
		return actual != expected, nil
	case billing.OpGreaterThan:
		return actual > expected, nil
	case billing.OpLessThan:
		return actual < expected, nil
	}

	return false, fmt.Errorf("operator %q not supported for numbers", cond.Operator)
}

func (e *Evaluator) compareDate(cond billing.Condition, raw interface{}) (bool, error) {
	actual, err := toTime(raw)
	if err != nil {
		return false, fmt.Errorf("field %q is not a date: %w", cond.Field, err)
	}

	expected, err := toTime(cond.Value)
	if err != nil {
		return false, fmt.Errorf("condition value is not a date: %w", err)
	}

	switch cond.Operator {
	case billing.OpEquals:
		return actual.Equal(expected), nil
	case billing.OpNotEquals:
		return !actual.Equal(expected), nil
	case billing.OpGreaterThan:
		return actual.After(expected), nil
	case billing.OpLessThan:
		return actual.Before(expected), nil
	}

	return false, fmt.Errorf("operator %q not supported for dates", cond.Operator)
}

func (e *Evaluator) compareBool(cond billing.Condition, raw interface{}) (bool, error) {
	actual, err := cast.ToBoolE(raw)
	if err != nil {
		return false, fmt.Errorf("field %q is not a boolean: %w", cond.Field, err)
	}

	expected, err := cast.ToBoolE(cond.Value)
	if err != nil {
		return false, fmt.Errorf("condition value is not a boolean: %w", err)
	}

	switch cond.Operator {
	case billing.OpEquals:
		return actual == expected, nil
	case billing.OpNotEquals:
		return actual != expected, nil
	}

	return false, fmt.Errorf("operator %q not supported for booleans", cond.Operator)
}

func toTime(v interface{}) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	return cast.ToTimeE(v)
}

func toFloatSlice(v interface{}) ([]float64, error) {
	slice, err := cast.ToSliceE(v)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(slice))
	for _, item := range slice {
		f, err := cast.ToFloat64E(item)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
