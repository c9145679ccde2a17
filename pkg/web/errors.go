package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/keramy/formulapm-approvals/pkg/approval"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
	"github.com/keramy/formulapm-approvals/pkg/services"
	"github.com/keramy/formulapm-approvals/pkg/supersession"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func forbidden(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(403).
		WithInstance(c.Path()).
		WithType("forbidden").
		WithDetail(detail)

	return c.Status(fiber.StatusForbidden).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func unprocessable(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(422).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps approval engine errors onto the HTTP surface. The
// mapping follows the engine's error classes: configuration and resolution
// failures are unprocessable, state races are conflicts, authorization
// misses are forbidden.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, approval.ErrApproverNotAssigned):
		return forbidden(c, "approver has no pending approval in the current stage")

	case errors.Is(err, approval.ErrNotClientApprover):
		return forbidden(c, "user is not a client approver for this document")

	case errors.Is(err, approval.ErrInvalidDecision):
		return badRequest(c, "decision must be approved, rejected, or revision_required")

	case approval.IsConfigurationError(err):
		return unprocessable(c, "configuration_error", err.Error())

	case approval.IsResolutionError(err):
		return unprocessable(c, "no_eligible_approvers", err.Error())

	case errors.Is(err, supersession.ErrStaleVersion):
		return conflict(c, "stale_version", err.Error())

	case approval.IsStateError(err):
		return conflict(c, "instance_state_conflict", err.Error())

	case approval.IsRetryable(err):
		return conflict(c, "revision_conflict", "instance was modified concurrently, reload and retry")

	case persistence.IsInstanceNotFound(err):
		return notFound(c, "approval instance not found")

	case persistence.IsTemplateNotFound(err):
		return notFound(c, "workflow template not found")

	default:
		return internalError(c, err)
	}
}

// handleServiceError provides typed error handling for template service errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		return conflict(c, "template_conflict", err.Error())

	case persistence.IsTemplateNotFound(err):
		return notFound(c, "workflow template not found")

	default:
		return internalError(c, err)
	}
}
