// Package persistence provides the data storage abstraction for approval
// templates, instances, and version links.
package persistence

import (
	"context"
	"time"

	"github.com/keramy/formulapm-approvals/pkg/models"
)

// Persistence is the storage entry point. Implementations must provide
// atomic multi-row read-modify-write for instance saves so that
// RecordDecision plus advance form a single logical transaction per
// instance.
type Persistence interface {
	TemplateRepository() TemplateRepository
	InstanceRepository() InstanceRepository
	VersionLinkRepository() VersionLinkRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TemplateRepository stores workflow templates. Templates are deactivated,
// never deleted.
type TemplateRepository interface {
	GetByID(ctx context.Context, id string) (*models.WorkflowTemplate, error)

	// ActiveByDocumentType returns the single active template for a document
	// type, or nil when none is configured.
	ActiveByDocumentType(ctx context.Context, documentType string) (*models.WorkflowTemplate, error)

	All(ctx context.Context) ([]*models.WorkflowTemplate, error)
	Save(ctx context.Context, template *models.WorkflowTemplate) error
}

// InstanceRepository stores approval instances together with their stage
// approvals as one aggregate.
type InstanceRepository interface {
	GetByID(ctx context.Context, id string) (*models.ApprovalInstance, error)

	// ActiveByDocumentID returns the non-terminal instance for a document, or
	// nil when the document has no approval in flight.
	ActiveByDocumentID(ctx context.Context, documentID string) (*models.ApprovalInstance, error)

	// ActiveInstances returns every non-terminal instance. Used by the
	// escalation sweep.
	ActiveInstances(ctx context.Context) ([]*models.ApprovalInstance, error)

	// Save persists the instance and all of its approvals atomically. The
	// save is rejected with ErrRevisionConflict when the stored revision no
	// longer matches instance.Revision; on success the revision is bumped by
	// one, both in storage and on the passed instance.
	Save(ctx context.Context, instance *models.ApprovalInstance) error
}

// VersionLinkRepository stores supersession links.
type VersionLinkRepository interface {
	Save(ctx context.Context, link *models.VersionLink) error
	ByDocumentID(ctx context.Context, documentID string) ([]*models.VersionLink, error)
}

// OverdueApproval identifies one overdue pending approval found by a sweep.
type OverdueApproval struct {
	InstanceID      string           `json:"instance_id"`
	StageApprovalID string           `json:"stage_approval_id"`
	StageName       models.StageName `json:"stage_name"`
	ApproverID      string           `json:"approver_id"`
	DueDate         time.Time        `json:"due_date"`
	ReminderCount   int              `json:"reminder_count"`
}
