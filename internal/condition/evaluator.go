// Package condition evaluates atomic (field, operator, operand) predicates
// against a managed object.
package condition

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/trustflow/internal/store"
)

// Sentinel causes carried by EvaluationError.
var (
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrInvalidOperand      = errors.New("invalid operand")
	ErrResolve             = errors.New("field resolution failed")
)

// EvaluationError is a condition that could not be decided. Callers treat it
// as a non-match but record it separately from a genuine false.
type EvaluationError struct {
	Err      error
	Field    store.FieldReference
	Operator store.Operator
	Detail   string
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Field, e.Operator, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Resolver looks up field values of managed objects. A field that does not
// exist on the object resolves to store.Absent() with a nil error.
type Resolver interface {
	ResolveProperty(ctx context.Context, resource store.Resource, objectUUID, identifier string) (store.Value, error)
	ResolveAttribute(ctx context.Context, resource store.Resource, objectUUID string, source store.FieldSource, identifier string) (store.Value, error)
}

// Resolve fetches the value a field reference points at.
func Resolve(ctx context.Context, r Resolver, obj store.Object, ref store.FieldReference) (store.Value, error) {
	if ref.Source == store.SourceProperty {
		return r.ResolveProperty(ctx, obj.Resource, obj.UUID, ref.Identifier)
	}
	return r.ResolveAttribute(ctx, obj.Resource, obj.UUID, ref.Source, ref.Identifier)
}

// Evaluate decides condition c for obj. It has no side effects beyond the
// resolver lookup and is safe to call concurrently for independent objects.
func Evaluate(ctx context.Context, c *store.Condition, obj store.Object, r Resolver) (bool, error) {
	if !c.Operator.Valid() {
		return false, &EvaluationError{Err: ErrUnsupportedOperator, Field: c.Field, Operator: c.Operator}
	}
	v, err := Resolve(ctx, r, obj, c.Field)
	if err != nil {
		return false, &EvaluationError{Err: ErrResolve, Field: c.Field, Operator: c.Operator, Detail: err.Error()}
	}
	ok, err := Apply(c.Operator, v, c.Operand)
	if err != nil {
		var ee *EvaluationError
		if errors.As(err, &ee) {
			ee.Field = c.Field
			return false, ee
		}
		return false, err
	}
	return ok, nil
}
