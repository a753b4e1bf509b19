package billing

import (
	"errors"
	"fmt"
)

// Sentinel kinds matched by the typed errors below.
var (
	ErrValidation  = errors.New("billing: validation failed")
	ErrNotFound    = errors.New("billing: not found")
	ErrConsistency = errors.New("billing: consistency violation")
	ErrZeroWeight  = errors.New("billing: zero weight total")
	ErrForbidden   = errors.New("billing: forbidden")
)

// ValidationError reports malformed input such as an invalid split tree.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing rule, group, unit, meter or record.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError. Key is formatted with %v.
func NotFound(entity string, key any) error {
	return &NotFoundError{Entity: entity, Key: fmt.Sprint(key)}
}

// ConsistencyError reports a state precondition violation.
type ConsistencyError struct {
	Op     string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Is matches ErrConsistency.
func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// Inconsistent builds a ConsistencyError.
func Inconsistent(op, format string, args ...any) error {
	return &ConsistencyError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ZeroWeightError reports a zero weight denominator.
type ZeroWeightError struct {
	ExpenseID int64
	SplitID   *int64
	Method    AllocationMethod
}

func (e *ZeroWeightError) Error() string {
	if e.SplitID != nil {
		return fmt.Sprintf("expense %d split %d: %s weights sum to zero", e.ExpenseID, *e.SplitID, e.Method)
	}
	return fmt.Sprintf("expense %d: %s weights sum to zero", e.ExpenseID, e.Method)
}

// Is matches ErrZeroWeight.
func (e *ZeroWeightError) Is(target error) bool { return target == ErrZeroWeight }
