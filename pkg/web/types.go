// Package web provides HTTP request and response types for the approval API.
package web

import "github.com/keramy/formulapm-approvals/pkg/models"

// CreateInstanceRequest represents the request body for starting an approval
// run for a document version.
type CreateInstanceRequest struct {
	DocumentID    string         `json:"document_id"    validate:"required"`
	DocumentType  string         `json:"document_type"  validate:"required"`
	VersionNumber int            `json:"version_number" validate:"min=1"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RecordDecisionRequest represents the request body for recording one
// approver's verdict on the current stage.
type RecordDecisionRequest struct {
	ApproverID string          `json:"approver_id" validate:"required"`
	Decision   models.Decision `json:"decision"    validate:"required,oneof=approved rejected revision_required"`
	Comments   string          `json:"comments,omitempty"`
}

// CancelInstanceRequest represents the request body for administratively
// cancelling an approval run.
type CancelInstanceRequest struct {
	CancelledBy string `json:"cancelled_by" validate:"required"`
	Reason      string `json:"reason,omitempty"`
}

// NewVersionRequest represents the request body for reporting a new document
// version, superseding any approval in flight.
type NewVersionRequest struct {
	VersionNumber int            `json:"version_number" validate:"min=1"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TemplateRequest represents the request body for creating or versioning a
// workflow template.
type TemplateRequest struct {
	Name         string `json:"name"          validate:"required,min=3"`
	DocumentType string `json:"document_type" validate:"required"`

	Stages []*models.StageDefinition `json:"stages" validate:"required,min=1"`

	ParallelApprovalAllowed    bool `json:"parallel_approval_allowed"`
	ClientApprovalRequired     bool `json:"client_approval_required"`
	CarryForwardApprovedStages bool `json:"carry_forward_approved_stages"`

	DefaultDurationDays         int    `json:"default_duration_days"`
	EscalationReminderThreshold int    `json:"escalation_reminder_threshold"`
	EscalationRole              string `json:"escalation_role,omitempty"`
}

// ToModel converts the request into a template model. Versioning fields are
// owned by the template service.
func (r *TemplateRequest) ToModel() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		Name:                        r.Name,
		DocumentType:                r.DocumentType,
		Stages:                      r.Stages,
		ParallelApprovalAllowed:     r.ParallelApprovalAllowed,
		ClientApprovalRequired:      r.ClientApprovalRequired,
		CarryForwardApprovedStages:  r.CarryForwardApprovedStages,
		DefaultDurationDays:         r.DefaultDurationDays,
		EscalationReminderThreshold: r.EscalationReminderThreshold,
		EscalationRole:              r.EscalationRole,
	}
}
