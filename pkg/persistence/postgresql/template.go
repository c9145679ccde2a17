package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

// TemplateRepository handles workflow-template database operations. Stage
// definitions are stored as a JSONB document: templates are immutable once
// referenced, so relational access to individual stages is never needed.
type TemplateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db *sql.DB, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

const templateColumns = `
	id
  , name
  , document_type
  , version
  , active
  , stages
  , parallel_approval_allowed
  , client_approval_required
  , carry_forward_approved_stages
  , default_duration_days
  , escalation_reminder_threshold
  , escalation_role
  , created_at
  , updated_at
  , deactivated_at
`

// GetByID returns a template by its ID, or nil.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE id = $1`

	template, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	return template, nil
}

// ActiveByDocumentType returns the active template for a document type, or
// nil. The partial unique index guarantees at most one.
func (r *TemplateRepository) ActiveByDocumentType(ctx context.Context, documentType string) (*models.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE document_type = $1 AND active`

	template, err := r.scanTemplate(r.db.QueryRowContext(ctx, query, documentType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	return template, nil
}

// All returns every template, newest first.
func (r *TemplateRepository) All(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	templates := make([]*models.WorkflowTemplate, 0)

	for rows.Next() {
		template, err := r.scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}

		templates = append(templates, template)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	return templates, nil
}

// Save writes a template. A unique-violation on the active-per-type index is
// surfaced as ErrDuplicateActiveTemplate.
func (r *TemplateRepository) Save(ctx context.Context, template *models.WorkflowTemplate) error {
	now := time.Now().UTC()

	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now

	stagesJSON, err := json.Marshal(template.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	query := `
		INSERT INTO workflow_templates (id, name, document_type, version, active,
			stages, parallel_approval_allowed, client_approval_required,
			carry_forward_approved_stages, default_duration_days,
			escalation_reminder_threshold, escalation_role,
			created_at, updated_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			deactivated_at = EXCLUDED.deactivated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		template.ID,
		template.Name,
		template.DocumentType,
		template.Version,
		template.Active,
		stagesJSON,
		template.ParallelApprovalAllowed,
		template.ClientApprovalRequired,
		template.CarryForwardApprovedStages,
		template.DefaultDurationDays,
		template.EscalationReminderThreshold,
		template.EscalationRole,
		template.CreatedAt,
		template.UpdatedAt,
		template.DeactivatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.ErrDuplicateActiveTemplate
		}

		return fmt.Errorf("failed to save template: %w", err)
	}

	return nil
}

func (r *TemplateRepository) scanTemplate(row rowScanner) (*models.WorkflowTemplate, error) {
	var (
		template      models.WorkflowTemplate
		stagesJSON    []byte
		deactivatedAt sql.NullTime
	)

	err := row.Scan(
		&template.ID,
		&template.Name,
		&template.DocumentType,
		&template.Version,
		&template.Active,
		&stagesJSON,
		&template.ParallelApprovalAllowed,
		&template.ClientApprovalRequired,
		&template.CarryForwardApprovedStages,
		&template.DefaultDurationDays,
		&template.EscalationReminderThreshold,
		&template.EscalationRole,
		&template.CreatedAt,
		&template.UpdatedAt,
		&deactivatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stagesJSON, &template.Stages)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}

	if deactivatedAt.Valid {
		template.DeactivatedAt = &deactivatedAt.Time
	}

	return &template, nil
}
