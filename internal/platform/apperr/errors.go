// Package apperr defines the error kinds shared by the query compiler, the
// reporting service and the cascade orchestrator, and maps them onto HTTP.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed client input: an unknown operator, a bad
// between range, an unknown field or a sort direction that is not ASC/DESC.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation is a shorthand constructor.
func Validation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing record, or one the requestor does not own.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NotFound is a shorthand constructor.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvariantViolation reports a business rule that blocks the operation.
type InvariantViolation struct {
	Rule string
}

func (e *InvariantViolation) Error() string { return e.Rule }

// Invariant is a shorthand constructor.
func Invariant(rule string) *InvariantViolation {
	return &InvariantViolation{Rule: rule}
}

// PartialCascadeFailure is returned when a cascade stopped after some
// dependents were already removed and the backend could not roll them back.
type PartialCascadeFailure struct {
	RootType  string
	RootID    string
	Completed []string
	Cause     error
}

func (e *PartialCascadeFailure) Error() string {
	return fmt.Sprintf("cascade delete of %s %s failed after [%s]: %v",
		e.RootType, e.RootID, strings.Join(e.Completed, ", "), e.Cause)
}

func (e *PartialCascadeFailure) Unwrap() error { return e.Cause }

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvariant reports whether err wraps an InvariantViolation.
func IsInvariant(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsPartialCascade reports whether err wraps a PartialCascadeFailure.
func IsPartialCascade(err error) bool {
	var pc *PartialCascadeFailure
	return errors.As(err, &pc)
}
