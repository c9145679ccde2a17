package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

// InstanceRepository handles approval-instance database operations. The
// instance row and its stage approvals are written in one transaction with
// an optimistic revision check, which provides the atomic multi-row
// read-modify-write the engine's serialization guarantee needs.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
	id
  , template_id
  , document_id
  , document_type
  , version_number
  , status
  , current_stage
  , current_tier
  , requires_revision
  , metadata
  , revision
  , created_at
  , updated_at
  , completed_at
`

// GetByID returns an instance with its stage approvals, or nil.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	instance, err := r.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	err = r.loadApprovals(ctx, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// ActiveByDocumentID returns the non-terminal instance for a document, or
// nil. The partial unique index guarantees at most one row matches.
func (r *InstanceRepository) ActiveByDocumentID(ctx context.Context, documentID string) (*models.ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE document_id = $1
		  AND status NOT IN ('final_approved', 'rejected', 'superseded', 'cancelled')
	`

	row := r.db.QueryRowContext(ctx, query, documentID)

	instance, err := r.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	err = r.loadApprovals(ctx, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// ActiveInstances returns every non-terminal instance.
func (r *InstanceRepository) ActiveInstances(ctx context.Context) ([]*models.ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE status NOT IN ('final_approved', 'rejected', 'superseded', 'cancelled')
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.ApprovalInstance, 0)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	for _, instance := range instances {
		err = r.loadApprovals(ctx, instance)
		if err != nil {
			return nil, err
		}
	}

	return instances, nil
}

// Save persists the instance and all of its approvals atomically, rejecting
// stale revisions.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.ApprovalInstance) error {
	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	metadataJSON, err := json.Marshal(instance.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Upsert with the revision check folded into the conflict clause: an
	// update against a stale revision matches zero rows.
	instanceQuery := `
		INSERT INTO approval_instances (id, template_id, document_id, document_type,
			version_number, status, current_stage, current_tier, requires_revision,
			metadata, revision, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			current_tier = EXCLUDED.current_tier,
			requires_revision = EXCLUDED.requires_revision,
			metadata = EXCLUDED.metadata,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
		WHERE approval_instances.revision = $15
	`

	result, err := tx.ExecContext(ctx, instanceQuery,
		instance.ID,
		instance.TemplateID,
		instance.DocumentID,
		instance.DocumentType,
		instance.VersionNumber,
		instance.Status,
		instance.CurrentStage,
		instance.CurrentTier,
		instance.RequiresRevision,
		metadataJSON,
		instance.Revision+1,
		instance.CreatedAt,
		instance.UpdatedAt,
		instance.CompletedAt,
		instance.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		err = persistence.ErrRevisionConflict

		return persistence.NewInstanceError("Save", instance.ID, persistence.ErrRevisionConflict)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM stage_approvals WHERE instance_id = $1", instance.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing approvals: %w", err)
	}

	approvalQuery := `
		INSERT INTO stage_approvals (id, instance_id, stage_name, approver_id, kind,
			required, role, decision, decided_at, comments, due_date, reminder_count,
			escalated, escalated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	for _, approval := range instance.Approvals {
		_, err = tx.ExecContext(ctx, approvalQuery,
			approval.ID,
			instance.ID,
			approval.StageName,
			approval.ApproverID,
			approval.Kind,
			approval.Required,
			approval.Role,
			approval.Decision,
			approval.DecidedAt,
			approval.Comments,
			approval.DueDate,
			approval.ReminderCount,
			approval.Escalated,
			approval.EscalatedAt,
			approval.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save stage approval %s: %w", approval.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit instance save: %w", err)
	}

	instance.Revision++

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*models.ApprovalInstance, error) {
	var (
		instance     models.ApprovalInstance
		metadataJSON []byte
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.TemplateID,
		&instance.DocumentID,
		&instance.DocumentType,
		&instance.VersionNumber,
		&instance.Status,
		&instance.CurrentStage,
		&instance.CurrentTier,
		&instance.RequiresRevision,
		&metadataJSON,
		&instance.Revision,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &instance.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}

	return &instance, nil
}

func (r *InstanceRepository) loadApprovals(ctx context.Context, instance *models.ApprovalInstance) error {
	query := `
		SELECT
			id
		  , stage_name
		  , approver_id
		  , kind
		  , required
		  , role
		  , decision
		  , decided_at
		  , comments
		  , due_date
		  , reminder_count
		  , escalated
		  , escalated_at
		  , created_at
		FROM stage_approvals
		WHERE instance_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to query stage approvals: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instance.Approvals = make([]*models.StageApproval, 0)

	for rows.Next() {
		var (
			approval    models.StageApproval
			decidedAt   sql.NullTime
			escalatedAt sql.NullTime
		)

		err = rows.Scan(
			&approval.ID,
			&approval.StageName,
			&approval.ApproverID,
			&approval.Kind,
			&approval.Required,
			&approval.Role,
			&approval.Decision,
			&decidedAt,
			&approval.Comments,
			&approval.DueDate,
			&approval.ReminderCount,
			&approval.Escalated,
			&escalatedAt,
			&approval.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan stage approval: %w", err)
		}

		approval.InstanceID = instance.ID

		if decidedAt.Valid {
			approval.DecidedAt = &decidedAt.Time
		}

		if escalatedAt.Valid {
			approval.EscalatedAt = &escalatedAt.Time
		}

		instance.Approvals = append(instance.Approvals, &approval)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating stage approvals: %w", err)
	}

	return nil
}
