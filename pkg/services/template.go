package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

var (
	// ErrTemplateNotFound is returned when a template is not found.
	ErrTemplateNotFound = persistence.ErrTemplateNotFound
)

// Template manages workflow template administration. Templates referenced by
// live instances are immutable: edits always create a new version and
// deactivate the prior one, so historical instances keep their routing.
type Template struct {
	persistence persistence.Persistence
}

// NewTemplate creates a new template service.
func NewTemplate(persistence persistence.Persistence) *Template {
	return &Template{
		persistence: persistence,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Template) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// FetchByID retrieves a template by its ID.
func (s *Template) FetchByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	template, err := s.persistence.TemplateRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if template == nil {
		return nil, ErrTemplateNotFound
	}

	return template, nil
}

// FetchActiveByDocumentType retrieves the single active template routing a
// document type.
func (s *Template) FetchActiveByDocumentType(ctx context.Context, documentType string) (*models.WorkflowTemplate, error) {
	template, err := s.persistence.TemplateRepository().ActiveByDocumentType(ctx, documentType)
	if err != nil {
		return nil, err
	}

	if template == nil {
		return nil, ErrTemplateNotFound
	}

	return template, nil
}

// List retrieves all templates, active and deactivated.
func (s *Template) List(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	templates, err := s.persistence.TemplateRepository().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	return templates, nil
}

// Create adds a new template at version 1. Fails with ErrTemplateConflict
// when the document type already has an active template; deactivate it or
// use Update to version it instead.
func (s *Template) Create(ctx context.Context, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	err := s.validateTemplate(template)
	if err != nil {
		return nil, err
	}

	active, err := s.persistence.TemplateRepository().ActiveByDocumentType(ctx, template.DocumentType)
	if err != nil {
		return nil, fmt.Errorf("failed to check active template for %s: %w", template.DocumentType, err)
	}

	if active != nil {
		return nil, ErrTemplateConflict
	}

	now := time.Now().UTC()
	template.ID = uuid.New().String()
	template.Version = 1
	template.Active = true
	template.CreatedAt = now
	template.UpdatedAt = now
	template.DeactivatedAt = nil

	if template.DefaultDurationDays <= 0 {
		template.DefaultDurationDays = 7
	}

	if template.EscalationReminderThreshold <= 0 {
		template.EscalationReminderThreshold = 2
	}

	err = s.persistence.TemplateRepository().Save(ctx, template)
	if err != nil {
		if persistence.IsDuplicateActiveTemplate(err) {
			return nil, ErrTemplateConflict
		}

		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	return template, nil
}

// Update applies an edit as a new template version: the existing template is
// deactivated and the edited definition is saved as a fresh active template
// with the version bumped. Instances created before the edit keep following
// the template version they started with.
func (s *Template) Update(ctx context.Context, templateID string, template *models.WorkflowTemplate) (*models.WorkflowTemplate, error) {
	err := s.validateTemplate(template)
	if err != nil {
		return nil, err
	}

	existing, err := s.persistence.TemplateRepository().GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return nil, ErrTemplateNotFound
	}

	now := time.Now().UTC()

	if existing.Active {
		existing.Active = false
		existing.DeactivatedAt = &now
		existing.UpdatedAt = now

		err = s.persistence.TemplateRepository().Save(ctx, existing)
		if err != nil {
			return nil, fmt.Errorf("failed to deactivate template %s: %w", templateID, err)
		}
	}

	template.ID = uuid.New().String()
	template.DocumentType = existing.DocumentType
	template.Version = existing.Version + 1
	template.Active = true
	template.CreatedAt = now
	template.UpdatedAt = now
	template.DeactivatedAt = nil

	err = s.persistence.TemplateRepository().Save(ctx, template)
	if err != nil {
		if persistence.IsDuplicateActiveTemplate(err) {
			return nil, ErrTemplateConflict
		}

		return nil, fmt.Errorf("failed to save template version %d: %w", template.Version, err)
	}

	return template, nil
}

// Deactivate retires a template without replacement. New instances for its
// document type fail with a configuration error until another template is
// activated; in-flight instances finish under this template.
func (s *Template) Deactivate(ctx context.Context, templateID string) (*models.WorkflowTemplate, error) {
	existing, err := s.persistence.TemplateRepository().GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return nil, ErrTemplateNotFound
	}

	if !existing.Active {
		return nil, ErrTemplateInactive
	}

	now := time.Now().UTC()
	existing.Active = false
	existing.DeactivatedAt = &now
	existing.UpdatedAt = now

	err = s.persistence.TemplateRepository().Save(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate template %s: %w", templateID, err)
	}

	return existing, nil
}

func (s *Template) validateTemplate(template *models.WorkflowTemplate) error {
	if template == nil {
		return ErrTemplateNil
	}

	if strings.TrimSpace(template.Name) == "" {
		return NewValidationError(
			"validateTemplate",
			"NAME_REQUIRED",
			"template name is required",
			ErrTemplateNameRequired,
		)
	}

	if strings.TrimSpace(template.DocumentType) == "" {
		return NewValidationError(
			"validateTemplate",
			"DOCUMENT_TYPE_REQUIRED",
			"document type is required",
			ErrDocumentTypeRequired,
		)
	}

	err := template.Validate()
	if err != nil {
		return NewValidationError(
			"validateTemplate",
			"INVALID_TEMPLATE_STRUCTURE",
			err.Error(),
			err,
		)
	}

	return nil
}
