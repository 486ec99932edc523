package condition

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/trustflow/internal/store"
)

// negated maps each negative operator to the positive form it inverts.
var negated = map[store.Operator]store.Operator{
	store.OpNotEquals:   store.OpEquals,
	store.OpNotContains: store.OpContains,
	store.OpNotEmpty:    store.OpEmpty,
	store.OpNotIn:       store.OpIn,
}

// Apply applies op to a resolved value and a stored operand.
//
// Absent values are empty: every positive operator other than EMPTY is false
// for them and its negation is true. A list value matches a positive operator
// when any element does.
func Apply(op store.Operator, v, operand store.Value) (bool, error) {
	if pos, ok := negated[op]; ok {
		res, err := Apply(pos, v, operand)
		if err != nil {
			return false, relabel(err, op)
		}
		return !res, nil
	}
	if err := CheckOperand(op, operand); err != nil {
		return false, err
	}

	if op == store.OpEmpty {
		return v.IsEmpty(), nil
	}
	if v.IsAbsent() {
		return false, nil
	}

	if items, ok := v.Items(); ok {
		if op == store.OpEquals && operand.Kind() == store.KindList {
			return v.Equal(operand), nil
		}
		return anyItem(op, items, operand)
	}
	return applyScalar(op, v, operand)
}

func anyItem(op store.Operator, items []store.Value, operand store.Value) (bool, error) {
	var firstErr error
	for i := range items {
		ok, err := applyScalar(op, items[i], operand)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	if firstErr != nil && len(items) > 0 {
		return false, firstErr
	}
	return false, nil
}

func applyScalar(op store.Operator, v, operand store.Value) (bool, error) {
	switch op {
	case store.OpEquals:
		return equals(v, operand, op)
	case store.OpContains, store.OpStartsWith, store.OpEndsWith:
		s, ok := v.Str()
		if !ok {
			return false, mismatch(op, v, operand)
		}
		sub, _ := operand.Str()
		switch op {
		case store.OpContains:
			return strings.Contains(s, sub), nil
		case store.OpStartsWith:
			return strings.HasPrefix(s, sub), nil
		default:
			return strings.HasSuffix(s, sub), nil
		}
	case store.OpGreater, store.OpGreaterOrEqual, store.OpLesser, store.OpLesserOrEqual:
		c, err := compare(v, operand, op)
		if err != nil {
			return false, err
		}
		switch op {
		case store.OpGreater:
			return c > 0, nil
		case store.OpGreaterOrEqual:
			return c >= 0, nil
		case store.OpLesser:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case store.OpIn:
		candidates, _ := operand.Items()
		var firstErr error
		for i := range candidates {
			ok, err := equals(v, candidates[i], op)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		if firstErr != nil && len(candidates) > 0 && allMismatched(v, candidates) {
			return false, firstErr
		}
		return false, nil
	}
	return false, &EvaluationError{Err: ErrUnsupportedOperator, Operator: op}
}

// allMismatched reports whether no candidate shares a comparable type with v.
func allMismatched(v store.Value, candidates []store.Value) bool {
	for i := range candidates {
		if _, err := equals(v, candidates[i], store.OpIn); err == nil {
			return false
		}
	}
	return true
}

func equals(v, operand store.Value, op store.Operator) (bool, error) {
	if v.Kind() == operand.Kind() {
		return v.Equal(operand), nil
	}
	if a, b, ok := asDates(v, operand); ok {
		return a.Equal(b), nil
	}
	return false, mismatch(op, v, operand)
}

// compare orders two values of the same family: number, date or string.
// A string compared with a date is parsed as a date.
func compare(v, operand store.Value, op store.Operator) (int, error) {
	if a, ok := v.Num(); ok {
		b, ok := operand.Num()
		if !ok {
			return 0, mismatch(op, v, operand)
		}
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	}
	if a, b, ok := asDates(v, operand); ok {
		return a.Compare(b), nil
	}
	if a, ok := v.Str(); ok {
		b, ok := operand.Str()
		if !ok {
			return 0, mismatch(op, v, operand)
		}
		return strings.Compare(a, b), nil
	}
	return 0, mismatch(op, v, operand)
}

// asDates returns both sides as dates when at least one is a date and the
// other is a date or a parseable string.
func asDates(v, operand store.Value) (time.Time, time.Time, bool) {
	_, vDate := v.Time()
	_, oDate := operand.Time()
	if !vDate && !oDate {
		return time.Time{}, time.Time{}, false
	}
	a, ok := toDate(v)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	b, ok := toDate(operand)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return a, b, true
}

func toDate(v store.Value) (time.Time, bool) {
	if t, ok := v.Time(); ok {
		return t, true
	}
	if s, ok := v.Str(); ok {
		t, err := store.ParseDate(s)
		return t, err == nil
	}
	return time.Time{}, false
}

// CheckOperand validates that operand has a shape op accepts. The authoring
// interface calls it before persisting a Condition.
func CheckOperand(op store.Operator, operand store.Value) error {
	if pos, ok := negated[op]; ok {
		return relabel(CheckOperand(pos, operand), op)
	}
	invalid := func(detail string) error {
		return &EvaluationError{Err: ErrInvalidOperand, Operator: op, Detail: detail}
	}
	switch op {
	case store.OpEmpty:
		if !operand.IsAbsent() {
			return invalid("takes no operand")
		}
	case store.OpEquals:
		switch operand.Kind() {
		case store.KindAbsent:
			return invalid("operand required")
		case store.KindList:
			return checkScalars(operand, invalid)
		}
	case store.OpContains, store.OpStartsWith, store.OpEndsWith:
		if operand.Kind() != store.KindString {
			return invalid(fmt.Sprintf("requires a string operand, got %s", operand.Kind()))
		}
	case store.OpGreater, store.OpGreaterOrEqual, store.OpLesser, store.OpLesserOrEqual:
		switch operand.Kind() {
		case store.KindNumber, store.KindDate, store.KindString:
		default:
			return invalid(fmt.Sprintf("requires a number, date or string operand, got %s", operand.Kind()))
		}
	case store.OpIn:
		if operand.Kind() != store.KindList {
			return invalid(fmt.Sprintf("requires a list operand, got %s", operand.Kind()))
		}
		return checkScalars(operand, invalid)
	default:
		return &EvaluationError{Err: ErrUnsupportedOperator, Operator: op}
	}
	return nil
}

func checkScalars(list store.Value, invalid func(string) error) error {
	items, _ := list.Items()
	for i := range items {
		switch items[i].Kind() {
		case store.KindList, store.KindAbsent:
			return invalid(fmt.Sprintf("list element %d must be a scalar", i))
		}
	}
	return nil
}

func mismatch(op store.Operator, v, operand store.Value) error {
	return &EvaluationError{
		Err:      ErrTypeMismatch,
		Operator: op,
		Detail:   fmt.Sprintf("cannot compare %s with %s", v.Kind(), operand.Kind()),
	}
}

// relabel reports an error from the positive form under the negative operator.
func relabel(err error, op store.Operator) error {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		cp := *ee
		cp.Operator = op
		return &cp
	}
	return err
}
