// Package approval provides standardized error types for the approval
// engine's entry points. Expected business conditions are returned as
// sentinel errors, never panics; only programming and storage errors
// surface as wrapped infrastructure failures.
package approval

import (
	"errors"
	"fmt"

	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

var (
	// Configuration errors - fatal at instance-creation time, never silently
	// defaulted.
	ErrNoTemplateConfigured = errors.New("no active workflow template configured for document type")

	// State errors - recoverable; the caller re-checks instance state before
	// retrying.
	ErrInstanceAlreadyActive = errors.New("an active approval instance already exists for document")
	ErrInstanceNotActive     = errors.New("approval instance is not active")
	ErrApproverNotAssigned   = errors.New("approver has no pending approval in the current stage")

	// Resolution errors - fatal for the stage; an administrator must assign
	// a person to the role before the instance can proceed.
	ErrNoEligibleApprovers = errors.New("required role resolves to no eligible approvers")

	// Request errors.
	ErrInvalidDecision   = errors.New("invalid decision")
	ErrNotClientApprover = errors.New("user is not a client approver for document")
)

// EngineError wraps engine errors with operation and instance context.
type EngineError struct {
	Op         string
	InstanceID string
	DocumentID string
	Err        error
}

func (e *EngineError) Error() string {
	target := e.InstanceID
	if target == "" {
		target = "document " + e.DocumentID
	}

	return fmt.Sprintf("%s failed for %s: %v", e.Op, target, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsConfigurationError checks for template configuration failures (fatal at
// creation time).
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoTemplateConfigured) ||
		errors.Is(err, models.ErrInvalidTemplate)
}

// IsStateError checks for recoverable state errors.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInstanceAlreadyActive) ||
		errors.Is(err, ErrInstanceNotActive) ||
		errors.Is(err, ErrApproverNotAssigned)
}

// IsResolutionError checks for approver-resolution failures.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrNoEligibleApprovers)
}

// IsRetryable checks for optimistic-concurrency failures the caller should
// retry with freshly loaded state.
func IsRetryable(err error) bool {
	return persistence.IsRevisionConflict(err)
}
