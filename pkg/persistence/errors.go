// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrTemplateNotFound indicates a template was not found by identifier.
	ErrTemplateNotFound = errors.New("workflow template not found")

	// ErrInstanceNotFound indicates an approval instance was not found.
	ErrInstanceNotFound = errors.New("approval instance not found")

	// ErrRevisionConflict indicates an optimistic concurrency check failed:
	// the instance was mutated since it was loaded. Callers reload and retry;
	// no part of the rejected transition is applied.
	ErrRevisionConflict = errors.New("instance revision conflict")

	// ErrDuplicateActiveTemplate indicates a second active template for the
	// same document type.
	ErrDuplicateActiveTemplate = errors.New("active template already exists for document type")
)

// InstanceError wraps instance-related storage errors with operation context.
type InstanceError struct {
	Op         string // Operation being performed (e.g. "GetByID", "Save")
	InstanceID string
	DocumentID string
	Err        error
}

func (e *InstanceError) Error() string {
	target := e.InstanceID
	if e.DocumentID != "" {
		target = fmt.Sprintf("document %s", e.DocumentID)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, target, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// TemplateError wraps template-related storage errors with operation context.
type TemplateError struct {
	Op         string
	TemplateID string
	Err        error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s operation failed for template %s: %v", e.Op, e.TemplateID, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

func (e *TemplateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsTemplateNotFound checks if an error indicates a missing template.
func IsTemplateNotFound(err error) bool {
	return errors.Is(err, ErrTemplateNotFound)
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsRevisionConflict checks if an error indicates a failed optimistic
// concurrency check.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrRevisionConflict)
}

// IsDuplicateActiveTemplate checks if an error indicates a second active
// template for a document type.
func IsDuplicateActiveTemplate(err error) bool {
	return errors.Is(err, ErrDuplicateActiveTemplate)
}
