// Package escalation implements the overdue-approval sweep. FindOverdue is a
// pure read used for reporting; EscalateOverdue is the mutating sweep that
// sends reminders and, past the template's threshold, widens the approver
// set with the escalation role. Sweeps are idempotent per reminder count:
// every reminder and escalation event carries a dedupe key so re-running a
// sweep after a crash never double-notifies downstream.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keramy/formulapm-approvals/pkg/directory"
	"github.com/keramy/formulapm-approvals/pkg/eventbus"
	"github.com/keramy/formulapm-approvals/pkg/events"
	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

// Scheduler runs the overdue sweep across all active instances.
type Scheduler struct {
	persistence persistence.Persistence
	directory   directory.ApproverDirectory
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
}

// NewScheduler creates an escalation scheduler.
func NewScheduler(p persistence.Persistence, dir directory.ApproverDirectory, eventBus eventbus.EventPublisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence: p,
		directory:   dir,
		eventBus:    eventBus,
		logger:      logger,
	}
}

// FindOverdue returns every sweepable approval on an active instance whose
// due date has passed. Read-only; reminder counts are untouched.
func (s *Scheduler) FindOverdue(ctx context.Context, now time.Time) ([]persistence.OverdueApproval, error) {
	instances, err := s.persistence.InstanceRepository().ActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active instances: %w", err)
	}

	overdue := make([]persistence.OverdueApproval, 0)

	for _, instance := range instances {
		template, err := s.persistence.TemplateRepository().GetByID(ctx, instance.TemplateID)
		if err != nil || template == nil {
			s.logger.WarnContext(ctx, "skipping instance with unloadable template",
				"instance_id", instance.ID, "template_id", instance.TemplateID, "error", err)

			continue
		}

		stages := currentTierStages(template, instance)

		for _, approval := range instance.Approvals {
			if !stages[approval.StageName] || !approval.Overdue(now) {
				continue
			}

			overdue = append(overdue, persistence.OverdueApproval{
				InstanceID:      instance.ID,
				StageApprovalID: approval.ID,
				StageName:       approval.StageName,
				ApproverID:      approval.ApproverID,
				DueDate:         approval.DueDate,
				ReminderCount:   approval.ReminderCount,
			})
		}
	}

	return overdue, nil
}

// EscalateOverdue is the mutating sweep. For every overdue approval it bumps
// the reminder count and emits a reminder; once the count passes the
// template's threshold the escalation role is resolved and added to the
// stage so a senior approver can decide in the stalled approver's place.
// Instances that fail to save are skipped and picked up by the next sweep.
func (s *Scheduler) EscalateOverdue(ctx context.Context, now time.Time) error {
	instances, err := s.persistence.InstanceRepository().ActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active instances: %w", err)
	}

	for _, instance := range instances {
		err := s.sweepInstance(ctx, instance, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "overdue sweep failed for instance",
				"instance_id", instance.ID, "error", err)
		}
	}

	return nil
}

func (s *Scheduler) sweepInstance(ctx context.Context, instance *models.ApprovalInstance, now time.Time) error {
	var (
		dirty   bool
		pending []eventbus.Event
	)

	template, err := s.persistence.TemplateRepository().GetByID(ctx, instance.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template %s: %w", instance.TemplateID, err)
	}

	if template == nil {
		return persistence.NewInstanceError("sweepInstance", instance.ID, persistence.ErrTemplateNotFound)
	}

	stages := currentTierStages(template, instance)

	for _, approval := range instance.Approvals {
		if !stages[approval.StageName] || !approval.Overdue(now) {
			continue
		}

		approval.ReminderCount++
		dirty = true

		reminder := events.ApprovalReminder{
			BaseEvent:       s.baseEvent(events.ApprovalReminderEvent, instance),
			StageApprovalID: approval.ID,
			StageName:       approval.StageName,
			ApproverID:      approval.ApproverID,
			DueDate:         approval.DueDate,
			ReminderCount:   approval.ReminderCount,
			DedupeKey:       dedupeKey(approval.ID, approval.ReminderCount),
		}
		pending = append(pending, reminder)

		if approval.ReminderCount <= template.EscalationReminderThreshold || approval.Escalated {
			continue
		}

		escalation, err := s.escalate(ctx, instance, template, approval, now)
		if err != nil {
			s.logger.WarnContext(ctx, "escalation skipped",
				"instance_id", instance.ID, "stage_approval_id", approval.ID, "error", err)

			continue
		}

		if escalation != nil {
			pending = append(pending, *escalation)
		}
	}

	if !dirty {
		return nil
	}

	err = s.persistence.InstanceRepository().Save(ctx, instance)
	if err != nil {
		return err
	}

	for _, event := range pending {
		err := s.eventBus.Publish(ctx, instance.ID, event)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
		}
	}

	return nil
}

// escalate widens the stage's approver set with the template's escalation
// role. The original approver keeps their pending approval; the added
// approvals are required so the escalation role's decision counts toward the
// stage quorum. Already-assigned approvers are never added twice.
func (s *Scheduler) escalate(ctx context.Context, instance *models.ApprovalInstance, template *models.WorkflowTemplate, approval *models.StageApproval, now time.Time) (*events.ApprovalEscalated, error) {
	if template.EscalationRole == "" {
		return nil, nil
	}

	def := template.Stage(approval.StageName)
	if def == nil {
		return nil, fmt.Errorf("stage %s not in template %s", approval.StageName, template.ID)
	}

	ids, err := s.directory.ResolveApprovers(ctx, template.EscalationRole, instance.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve escalation role %s: %w", template.EscalationRole, err)
	}

	added := make([]string, 0, len(ids))
	dueDate := now.AddDate(0, 0, template.DueDays(def))

	for _, id := range ids {
		if instance.HasApprover(approval.StageName, id) {
			continue
		}

		instance.Approvals = append(instance.Approvals, &models.StageApproval{
			ID:         uuid.New().String(),
			InstanceID: instance.ID,
			StageName:  approval.StageName,
			ApproverID: id,
			Kind:       approval.Kind,
			Required:   true,
			Role:       template.EscalationRole,
			Decision:   models.DecisionPending,
			DueDate:    dueDate,
			CreatedAt:  now,
		})
		added = append(added, id)
	}

	at := now.UTC()
	approval.Escalated = true
	approval.EscalatedAt = &at

	return &events.ApprovalEscalated{
		BaseEvent:       s.baseEvent(events.ApprovalEscalatedEvent, instance),
		StageApprovalID: approval.ID,
		StageName:       approval.StageName,
		EscalationRole:  template.EscalationRole,
		AddedApprovers:  added,
		DedupeKey:       dedupeKey(approval.ID, approval.ReminderCount),
	}, nil
}

func (s *Scheduler) baseEvent(eventType events.EventType, instance *models.ApprovalInstance) events.BaseEvent {
	base := events.NewBaseEvent(eventType, instance.ID)
	base.DocumentID = instance.DocumentID

	return base
}

func dedupeKey(stageApprovalID string, reminderCount int) string {
	return fmt.Sprintf("%s:%d", stageApprovalID, reminderCount)
}

// currentTierStages returns the stage names of the tier in progress. Only
// those approvals are sweepable: pending approvals left behind on a passed
// tier (advisory approvers who never answered, carried history) are not the
// bottleneck and must never be reminded or escalated.
func currentTierStages(template *models.WorkflowTemplate, instance *models.ApprovalInstance) map[models.StageName]bool {
	stages := make(map[models.StageName]bool)

	for _, def := range template.Stages {
		if def.Sequence == instance.CurrentTier {
			stages[def.Name] = true
		}
	}

	return stages
}
