package models

import (
	"time"
)

// InstanceStatus is the lifecycle state of an approval instance.
type InstanceStatus string

const (
	InstanceStatusDraft            InstanceStatus = "draft"
	InstanceStatusStageInProgress  InstanceStatus = "stage_in_progress"
	InstanceStatusClientSubmission InstanceStatus = "client_submission"
	InstanceStatusClientReview     InstanceStatus = "client_review"
	InstanceStatusFinalApproved    InstanceStatus = "final_approved"
	InstanceStatusRejected         InstanceStatus = "rejected"
	InstanceStatusSuperseded       InstanceStatus = "superseded"
	InstanceStatusCancelled        InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusFinalApproved, InstanceStatusRejected, InstanceStatusSuperseded, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// ApprovalInstance is one approval run bound to exactly one
// (document, version) pair. At most one non-terminal instance may exist per
// document at a time; a new version supersedes, never coexists.
type ApprovalInstance struct {
	ID            string `json:"id"`
	TemplateID    string `json:"template_id"`
	DocumentID    string `json:"document_id"    validate:"required"`
	DocumentType  string `json:"document_type"  validate:"required"`
	VersionNumber int    `json:"version_number" validate:"min=1"`

	Status InstanceStatus `json:"status"`

	// CurrentStage is the lead stage of the tier in progress; CurrentTier is
	// that tier's sequence. Both are mutated only inside the serialized
	// per-instance transaction.
	CurrentStage StageName `json:"current_stage"`
	CurrentTier  int       `json:"current_tier"`

	// RequiresRevision is set when a revision_required decision terminated
	// the instance: the document owner must upload a revised version, which
	// restarts approval through supersession.
	RequiresRevision bool `json:"requires_revision"`

	// Metadata carries document attributes consulted by stage skip
	// predicates (resubmission flags, revision class, discipline).
	Metadata map[string]any `json:"metadata,omitempty"`

	Approvals []*StageApproval `json:"approvals"`

	// Revision is the optimistic concurrency counter. Repositories reject a
	// save whose Revision does not match the stored value and bump it by one
	// on every successful mutation.
	Revision int64 `json:"revision"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the instance still accepts decisions or
// administrative transitions.
func (i *ApprovalInstance) Active() bool {
	return !i.Status.Terminal()
}

// ApprovalsForStage returns the approvals recorded for one stage.
func (i *ApprovalInstance) ApprovalsForStage(name StageName) []*StageApproval {
	var out []*StageApproval

	for _, approval := range i.Approvals {
		if approval.StageName == name {
			out = append(out, approval)
		}
	}

	return out
}

// PendingApprovalFor returns the approver's undecided approval within the
// given stages, or nil when the approver has none.
func (i *ApprovalInstance) PendingApprovalFor(approverID string, stages []StageName) *StageApproval {
	for _, approval := range i.Approvals {
		if approval.ApproverID != approverID || approval.Decided() {
			continue
		}

		for _, name := range stages {
			if approval.StageName == name {
				return approval
			}
		}
	}

	return nil
}

// HasApprover reports whether the approver is already assigned to the stage,
// decided or not. Used to keep escalation widening idempotent.
func (i *ApprovalInstance) HasApprover(stage StageName, approverID string) bool {
	for _, approval := range i.Approvals {
		if approval.StageName == stage && approval.ApproverID == approverID {
			return true
		}
	}

	return false
}

// ApprovalByID returns the stage approval with the given ID, or nil.
func (i *ApprovalInstance) ApprovalByID(id string) *StageApproval {
	for _, approval := range i.Approvals {
		if approval.ID == id {
			return approval
		}
	}

	return nil
}

// Finish moves the instance to a terminal status and stamps completion.
// Recorded approvals and their comments are always retained.
func (i *ApprovalInstance) Finish(status InstanceStatus, now time.Time) {
	i.Status = status
	at := now.UTC()
	i.CompletedAt = &at
	i.UpdatedAt = at
}
