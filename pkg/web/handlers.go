// Package web provides HTTP handlers and REST API endpoints for the approval
// engine.
package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/keramy/formulapm-approvals/pkg/approval"
	"github.com/keramy/formulapm-approvals/pkg/directory"
	"github.com/keramy/formulapm-approvals/pkg/escalation"
	"github.com/keramy/formulapm-approvals/pkg/services"
	"github.com/keramy/formulapm-approvals/pkg/supersession"
)

type APIHandlers struct {
	manager         *approval.Manager
	controller      *supersession.Controller
	scheduler       *escalation.Scheduler
	templateService *services.Template
	directory       directory.ApproverDirectory
	validator       *validator.Validate
}

func NewAPIHandlers(
	manager *approval.Manager,
	controller *supersession.Controller,
	scheduler *escalation.Scheduler,
	templateService *services.Template,
	dir directory.ApproverDirectory,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		manager:         manager,
		controller:      controller,
		scheduler:       scheduler,
		templateService: templateService,
		directory:       dir,
		validator:       validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.templateService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Approvals API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Approvals API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateInstance(c fiber.Ctx) error {
	var req CreateInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.manager.Create(c.Context(), req.DocumentID, req.DocumentType, req.VersionNumber, req.Metadata)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.manager.Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) RecordDecision(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req RecordDecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.manager.RecordDecision(c.Context(), id, req.ApproverID, req.Decision, req.Comments)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

// RecordClientDecision is the client-portal variant of RecordDecision. The
// portal boundary re-checks client membership against the directory before
// any engine state is touched.
func (h *APIHandlers) RecordClientDecision(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req RecordDecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.manager.Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	isClient, err := h.directory.IsClientApproverFor(c.Context(), instance.DocumentID, req.ApproverID)
	if err != nil {
		return internalError(c, err)
	}

	if !isClient {
		return handleEngineError(c, approval.ErrNotClientApprover)
	}

	instance, err = h.manager.RecordDecision(c.Context(), id, req.ApproverID, req.Decision, req.Comments)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

// AdvanceInstance re-drives stage advancement. Used after fixing a role
// assignment that previously failed to resolve.
func (h *APIHandlers) AdvanceInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.manager.Advance(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req CancelInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.manager.Cancel(c.Context(), id, req.CancelledBy, req.Reason)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

// ReportNewVersion supersedes the document's in-flight approval with a run
// for the new version. Responds 204 when the document had no approval in
// flight.
func (h *APIHandlers) ReportNewVersion(c fiber.Ctx) error {
	documentID := c.Params("documentId")
	if documentID == "" {
		return badRequest(c, "Document ID is required")
	}

	var req NewVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	successor, err := h.controller.OnNewVersion(c.Context(), documentID, req.VersionNumber, req.Metadata)
	if err != nil {
		return handleEngineError(c, err)
	}

	if successor == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.Status(fiber.StatusCreated).JSON(successor)
}

func (h *APIHandlers) GetOverdueApprovals(c fiber.Ctx) error {
	at := time.Now().UTC()

	if atStr := c.Query("at"); atStr != "" {
		parsed, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return badRequest(c, "Invalid 'at' timestamp, expected RFC3339")
		}

		at = parsed.UTC()
	}

	overdue, err := h.scheduler.FindOverdue(c.Context(), at)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"overdue": overdue,
		"count":   len(overdue),
		"as_of":   at,
	})
}

// RunEscalationSweep triggers the mutating overdue sweep out of schedule.
func (h *APIHandlers) RunEscalationSweep(c fiber.Ctx) error {
	err := h.scheduler.EscalateOverdue(c.Context(), time.Now().UTC())
	if err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	templates, err := h.templateService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"templates": templates,
		"count":     len(templates),
	})
}

func (h *APIHandlers) GetTemplate(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Template ID is required")
	}

	template, err := h.templateService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) CreateTemplate(c fiber.Ctx) error {
	var req TemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.templateService.Create(c.Context(), req.ToModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// UpdateTemplate versions a template: the edit lands as a new active
// template and the prior version is deactivated.
func (h *APIHandlers) UpdateTemplate(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Template ID is required")
	}

	var req TemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.templateService.Update(c.Context(), id, req.ToModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeactivateTemplate(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Template ID is required")
	}

	deactivated, err := h.templateService.Deactivate(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(deactivated)
}
