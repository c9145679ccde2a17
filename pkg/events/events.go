// Package events defines event types and structures for approval lifecycle
// notifications. Events are the engine's fire-and-forget notify surface: the
// notification subsystem subscribes and handles delivery (email/SMS); the
// engine never waits for confirmation.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/keramy/formulapm-approvals/pkg/models"
)

type EventType string

// Kafka topic for approval lifecycle events.
const Topic = "formulapm.approvals.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Instance lifecycle events.
	InstanceCreatedEvent           EventType = "instance.created"
	DecisionRecordedEvent          EventType = "instance.decision.recorded"
	StageAdvancedEvent             EventType = "instance.stage.advanced"
	InstanceSubmittedToClientEvent EventType = "instance.submitted_to_client"
	InstanceApprovedEvent          EventType = "instance.approved"
	InstanceRejectedEvent          EventType = "instance.rejected"
	InstanceSupersededEvent        EventType = "instance.superseded"
	InstanceCancelledEvent         EventType = "instance.cancelled"

	// Escalation sweep events.
	ApprovalReminderEvent  EventType = "approval.reminder"
	ApprovalEscalatedEvent EventType = "approval.escalated"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	DocumentID string         `json:"document_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type InstanceCreated struct {
	BaseEvent

	TemplateID    string           `json:"template_id"`
	VersionNumber int              `json:"version_number"`
	CurrentStage  models.StageName `json:"current_stage"`
	Recipients    []string         `json:"recipients,omitempty"`
}

func (e InstanceCreated) GetType() EventType {
	return InstanceCreatedEvent
}

type DecisionRecorded struct {
	BaseEvent

	StageApprovalID string           `json:"stage_approval_id"`
	StageName       models.StageName `json:"stage_name"`
	ApproverID      string           `json:"approver_id"`
	Decision        models.Decision  `json:"decision"`
	Comments        string           `json:"comments,omitempty"`
}

func (e DecisionRecorded) GetType() EventType {
	return DecisionRecordedEvent
}

type StageAdvanced struct {
	BaseEvent

	FromStage  models.StageName `json:"from_stage"`
	ToStage    models.StageName `json:"to_stage"`
	Recipients []string         `json:"recipients,omitempty"`
}

func (e StageAdvanced) GetType() EventType {
	return StageAdvancedEvent
}

type InstanceSubmittedToClient struct {
	BaseEvent

	VersionNumber int      `json:"version_number"`
	Recipients    []string `json:"recipients,omitempty"`
}

func (e InstanceSubmittedToClient) GetType() EventType {
	return InstanceSubmittedToClientEvent
}

type InstanceApproved struct {
	BaseEvent

	VersionNumber int `json:"version_number"`
}

func (e InstanceApproved) GetType() EventType {
	return InstanceApprovedEvent
}

// InstanceRejected is emitted for both rejected and revision_required
// outcomes; the rejecting approver's comments are always carried verbatim.
type InstanceRejected struct {
	BaseEvent

	StageName        models.StageName `json:"stage_name"`
	RejectedBy       string           `json:"rejected_by"`
	Comments         string           `json:"comments"`
	RequiresRevision bool             `json:"requires_revision"`
}

func (e InstanceRejected) GetType() EventType {
	return InstanceRejectedEvent
}

type InstanceSuperseded struct {
	BaseEvent

	SuccessorInstanceID string                 `json:"successor_instance_id"`
	NewVersionNumber    int                    `json:"new_version_number"`
	LinkKind            models.VersionLinkKind `json:"link_kind"`
}

func (e InstanceSuperseded) GetType() EventType {
	return InstanceSupersededEvent
}

type InstanceCancelled struct {
	BaseEvent

	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason,omitempty"`
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

// ApprovalReminder is emitted once per sweep for each overdue pending
// approval. DedupeKey is (stage approval, reminder count): re-running a
// sweep republishes with the same key so downstream delivery stays
// idempotent.
type ApprovalReminder struct {
	BaseEvent

	StageApprovalID string           `json:"stage_approval_id"`
	StageName       models.StageName `json:"stage_name"`
	ApproverID      string           `json:"approver_id"`
	DueDate         time.Time        `json:"due_date"`
	ReminderCount   int              `json:"reminder_count"`
	DedupeKey       string           `json:"dedupe_key"`
}

func (e ApprovalReminder) GetType() EventType {
	return ApprovalReminderEvent
}

// ApprovalEscalated is emitted when an overdue approval passes the
// template's reminder threshold and the escalation role is widened into the
// stage's approver set.
type ApprovalEscalated struct {
	BaseEvent

	StageApprovalID string           `json:"stage_approval_id"`
	StageName       models.StageName `json:"stage_name"`
	EscalationRole  string           `json:"escalation_role"`
	AddedApprovers  []string         `json:"added_approvers"`
	DedupeKey       string           `json:"dedupe_key"`
}

func (e ApprovalEscalated) GetType() EventType {
	return ApprovalEscalatedEvent
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}
