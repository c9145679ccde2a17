package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keramy/formulapm-approvals/pkg/directory"
	"github.com/keramy/formulapm-approvals/pkg/eventbus"
	"github.com/keramy/formulapm-approvals/pkg/evaluator"
	"github.com/keramy/formulapm-approvals/pkg/events"
	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/otelhelper"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

// Manager owns ApprovalInstance state. It is the only component that
// mutates decision state; every operation loads the instance, applies one
// logical transition, and saves it under the repository's optimistic
// revision check. Callers receiving a revision conflict reload and retry.
type Manager struct {
	persistence persistence.Persistence
	directory   directory.ApproverDirectory
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewManager creates a new approval instance manager.
func NewManager(
	p persistence.Persistence,
	dir directory.ApproverDirectory,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
	tracer trace.Tracer,
) *Manager {
	return &Manager{
		persistence: p,
		directory:   dir,
		eventBus:    eventBus,
		logger:      logger,
		tracer:      tracer,
		now:         time.Now,
	}
}

// WithClock overrides the manager's time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now

	return m
}

// Create starts an approval run for a (document, version) pair from the
// active template for its document type. Fails with ErrInstanceAlreadyActive
// when the document already has a non-terminal instance, and with
// ErrNoEligibleApprovers when a first-tier required role resolves empty.
func (m *Manager) Create(ctx context.Context, documentID, documentType string, versionNumber int, metadata map[string]any) (*models.ApprovalInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "approval.create",
		attribute.String(otelhelper.DocumentIDKey, documentID),
		attribute.String(otelhelper.DocumentTypeKey, documentType),
	)
	defer span.End()

	template, err := m.persistence.TemplateRepository().ActiveByDocumentType(ctx, documentType)
	if err != nil {
		return nil, fmt.Errorf("failed to load template for %s: %w", documentType, err)
	}

	if template == nil {
		return nil, &EngineError{Op: "Create", DocumentID: documentID, Err: ErrNoTemplateConfigured}
	}

	err = template.Validate()
	if err != nil {
		return nil, &EngineError{Op: "Create", DocumentID: documentID, Err: err}
	}

	active, err := m.persistence.InstanceRepository().ActiveByDocumentID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active instance for %s: %w", documentID, err)
	}

	if active != nil {
		return nil, &EngineError{Op: "Create", DocumentID: documentID, Err: ErrInstanceAlreadyActive}
	}

	now := m.now().UTC()

	instance := &models.ApprovalInstance{
		ID:            uuid.New().String(),
		TemplateID:    template.ID,
		DocumentID:    documentID,
		DocumentType:  documentType,
		VersionNumber: versionNumber,
		Status:        models.InstanceStatusDraft,
		Metadata:      metadata,
		Approvals:     make([]*models.StageApproval, 0),
		CreatedAt:     now,
	}

	pending, resErr := m.enterNextTier(ctx, instance, template)
	if resErr != nil {
		// Creation fails whole: the instance is never persisted half-staffed.
		return nil, &EngineError{Op: "Create", DocumentID: documentID, Err: resErr}
	}

	err = m.persistence.InstanceRepository().Save(ctx, instance)
	if err != nil {
		return nil, err
	}

	created := events.InstanceCreated{
		BaseEvent:     m.baseEvent(events.InstanceCreatedEvent, instance),
		TemplateID:    template.ID,
		VersionNumber: versionNumber,
		CurrentStage:  instance.CurrentStage,
		Recipients:    pendingApproverIDs(instance),
	}

	m.publish(ctx, instance.ID, created)
	m.publishAll(ctx, instance.ID, pending)

	return instance, nil
}

// RecordDecision records one approver's verdict on the current stage. A
// blocking decision by a required approver terminates the instance
// immediately under the deny-overrides-allow policy; an approval delegates
// to the stage evaluator and advances when the tier is satisfied.
func (m *Manager) RecordDecision(ctx context.Context, instanceID, approverID string, decision models.Decision, comments string) (*models.ApprovalInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "approval.record_decision",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
		attribute.String(otelhelper.ApproverIDKey, approverID),
		attribute.String(otelhelper.DecisionKey, string(decision)),
	)
	defer span.End()

	if !decision.Valid() || decision == models.DecisionPending {
		return nil, &EngineError{Op: "RecordDecision", InstanceID: instanceID, Err: ErrInvalidDecision}
	}

	instance, template, err := m.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if !instance.Active() {
		return nil, &EngineError{Op: "RecordDecision", InstanceID: instanceID, Err: ErrInstanceNotActive}
	}

	approval := instance.PendingApprovalFor(approverID, m.currentStageNames(template, instance))
	if approval == nil {
		return nil, &EngineError{Op: "RecordDecision", InstanceID: instanceID, Err: ErrApproverNotAssigned}
	}

	now := m.now().UTC()
	approval.Decide(decision, comments, now)

	pending := []eventbus.Event{events.DecisionRecorded{
		BaseEvent:       m.baseEvent(events.DecisionRecordedEvent, instance),
		StageApprovalID: approval.ID,
		StageName:       approval.StageName,
		ApproverID:      approverID,
		Decision:        decision,
		Comments:        comments,
	}}

	var resolutionErr error

	switch {
	case approval.Required && decision.Blocking():
		// Deny overrides allow: one required rejection short-circuits the
		// stage and the instance, regardless of other pending approvers.
		instance.RequiresRevision = decision == models.DecisionRevisionRequired
		instance.Finish(models.InstanceStatusRejected, now)

		pending = append(pending, events.InstanceRejected{
			BaseEvent:        m.baseEvent(events.InstanceRejectedEvent, instance),
			StageName:        approval.StageName,
			RejectedBy:       approverID,
			Comments:         comments,
			RequiresRevision: instance.RequiresRevision,
		})
	default:
		verdict, err := evaluator.EvaluateTier(template, m.currentTier(template, instance), instance)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate tier: %w", err)
		}

		if verdict == evaluator.VerdictSatisfied {
			var advanced []eventbus.Event

			advanced, resolutionErr = m.enterNextTier(ctx, instance, template)
			pending = append(pending, advanced...)
		}
	}

	err = m.persistence.InstanceRepository().Save(ctx, instance)
	if err != nil {
		return nil, err
	}

	m.publishAll(ctx, instance.ID, pending)

	if resolutionErr != nil {
		return instance, &EngineError{Op: "RecordDecision", InstanceID: instanceID, Err: resolutionErr}
	}

	return instance, nil
}

// Advance re-evaluates the current tier and moves the instance forward when
// it is satisfied. It runs internally after every decision and may be called
// again after an administrator fixes a role that failed to resolve.
func (m *Manager) Advance(ctx context.Context, instanceID string) (*models.ApprovalInstance, error) {
	instance, template, err := m.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if !instance.Active() {
		return nil, &EngineError{Op: "Advance", InstanceID: instanceID, Err: ErrInstanceNotActive}
	}

	var (
		pending       []eventbus.Event
		resolutionErr error
	)

	if instance.Status == models.InstanceStatusClientSubmission {
		// Parked awaiting client approver resolution; retry it.
		pending, resolutionErr = m.staffClientStage(ctx, instance, template)
	} else {
		verdict, err := evaluator.EvaluateTier(template, m.currentTier(template, instance), instance)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate tier: %w", err)
		}

		if verdict != evaluator.VerdictSatisfied {
			return instance, nil
		}

		pending, resolutionErr = m.enterNextTier(ctx, instance, template)
	}

	err = m.persistence.InstanceRepository().Save(ctx, instance)
	if err != nil {
		return nil, err
	}

	m.publishAll(ctx, instance.ID, pending)

	if resolutionErr != nil {
		return instance, &EngineError{Op: "Advance", InstanceID: instanceID, Err: resolutionErr}
	}

	return instance, nil
}

// Cancel is an explicit administrative termination. Always permitted unless
// the instance is already terminal; takes effect immediately without
// waiting for in-flight decisions.
func (m *Manager) Cancel(ctx context.Context, instanceID, cancelledBy, reason string) (*models.ApprovalInstance, error) {
	instance, _, err := m.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if !instance.Active() {
		return nil, &EngineError{Op: "Cancel", InstanceID: instanceID, Err: ErrInstanceNotActive}
	}

	instance.Finish(models.InstanceStatusCancelled, m.now().UTC())

	err = m.persistence.InstanceRepository().Save(ctx, instance)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, instance.ID, events.InstanceCancelled{
		BaseEvent:   m.baseEvent(events.InstanceCancelledEvent, instance),
		CancelledBy: cancelledBy,
		Reason:      reason,
	})

	return instance, nil
}

// Get returns an instance by ID.
func (m *Manager) Get(ctx context.Context, instanceID string) (*models.ApprovalInstance, error) {
	instance, err := m.persistence.InstanceRepository().GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if instance == nil {
		return nil, persistence.ErrInstanceNotFound
	}

	return instance, nil
}

func (m *Manager) load(ctx context.Context, instanceID string) (*models.ApprovalInstance, *models.WorkflowTemplate, error) {
	instance, err := m.Get(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	template, err := m.persistence.TemplateRepository().GetByID(ctx, instance.TemplateID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load template %s: %w", instance.TemplateID, err)
	}

	if template == nil {
		return nil, nil, persistence.NewInstanceError("load", instanceID, persistence.ErrTemplateNotFound)
	}

	return instance, template, nil
}

// currentTier returns the stage definitions of the tier in progress.
func (m *Manager) currentTier(template *models.WorkflowTemplate, instance *models.ApprovalInstance) []*models.StageDefinition {
	var tier []*models.StageDefinition

	for _, def := range template.Stages {
		if def.Sequence == instance.CurrentTier {
			tier = append(tier, def)
		}
	}

	sortStages(tier)

	return tier
}

func (m *Manager) currentStageNames(template *models.WorkflowTemplate, instance *models.ApprovalInstance) []models.StageName {
	tier := m.currentTier(template, instance)

	names := make([]models.StageName, 0, len(tier))
	for _, def := range tier {
		names = append(names, def.Name)
	}

	return names
}

// enterNextTier moves the instance into the next sequence tier, resolving
// approvers for every non-skipped stage of it. Entirely skipped tiers are
// passed over; when no tier remains the instance is finally approved. A
// resolution failure on an internal tier leaves the instance in its prior
// stage (the returned events still reflect the decision that got us here);
// on the client tier the instance parks in client_submission.
func (m *Manager) enterNextTier(ctx context.Context, instance *models.ApprovalInstance, template *models.WorkflowTemplate) ([]eventbus.Event, error) {
	var pending []eventbus.Event

	interpreter := models.SkipPredicateInterpreter{}
	fromStage := instance.CurrentStage

	for {
		tier := template.NextTier(instance.CurrentTier)
		if tier == nil {
			instance.Finish(models.InstanceStatusFinalApproved, m.now().UTC())

			pending = append(pending, events.InstanceApproved{
				BaseEvent:     m.baseEvent(events.InstanceApprovedEvent, instance),
				VersionNumber: instance.VersionNumber,
			})

			return pending, nil
		}

		sortStages(tier)

		if tier[0].ClientStage {
			instance.CurrentStage = tier[0].Name
			instance.CurrentTier = tier[0].Sequence
			instance.Status = models.InstanceStatusClientSubmission

			pending = append(pending, events.InstanceSubmittedToClient{
				BaseEvent:     m.baseEvent(events.InstanceSubmittedToClientEvent, instance),
				VersionNumber: instance.VersionNumber,
			})

			staffed, err := m.staffClientStage(ctx, instance, template)

			return append(pending, staffed...), err
		}

		var approvals []*models.StageApproval

		for _, def := range tier {
			skip, err := interpreter.ShouldSkip(def, instance.Metadata)
			if err != nil {
				return pending, fmt.Errorf("failed to evaluate skip predicate for stage %s: %w", def.Name, err)
			}

			if skip {
				continue
			}

			staffed, err := m.resolveStage(ctx, instance, template, def)
			if err != nil {
				return pending, err
			}

			approvals = append(approvals, staffed...)
		}

		if len(approvals) == 0 {
			// Whole tier skipped; move past it.
			instance.CurrentTier = tier[0].Sequence

			continue
		}

		instance.CurrentStage = tier[0].Name
		instance.CurrentTier = tier[0].Sequence
		instance.Status = models.InstanceStatusStageInProgress
		instance.Approvals = append(instance.Approvals, approvals...)

		pending = append(pending, events.StageAdvanced{
			BaseEvent:  m.baseEvent(events.StageAdvancedEvent, instance),
			FromStage:  fromStage,
			ToStage:    instance.CurrentStage,
			Recipients: approverIDs(approvals),
		})

		return pending, nil
	}
}

// staffClientStage resolves client approvers for the terminal client stage.
// Success moves the instance into client_review; failure leaves it parked in
// client_submission until an administrator assigns the role and Advance is
// called again.
func (m *Manager) staffClientStage(ctx context.Context, instance *models.ApprovalInstance, template *models.WorkflowTemplate) ([]eventbus.Event, error) {
	def := template.ClientStageDefinition()
	if def == nil {
		return nil, persistence.NewInstanceError("staffClientStage", instance.ID, models.ErrInvalidTemplate)
	}

	approvals, err := m.resolveStage(ctx, instance, template, def)
	if err != nil {
		return nil, err
	}

	instance.Approvals = append(instance.Approvals, approvals...)
	instance.Status = models.InstanceStatusClientReview

	return []eventbus.Event{events.StageAdvanced{
		BaseEvent:  m.baseEvent(events.StageAdvancedEvent, instance),
		FromStage:  instance.CurrentStage,
		ToStage:    def.Name,
		Recipients: approverIDs(approvals),
	}}, nil
}

// resolveStage turns a stage definition into concrete StageApprovals through
// the directory collaborator. Every required role must resolve non-empty and
// the distinct required approvers must cover the stage quorum.
func (m *Manager) resolveStage(ctx context.Context, instance *models.ApprovalInstance, template *models.WorkflowTemplate, def *models.StageDefinition) ([]*models.StageApproval, error) {
	kind := models.ApproverKindInternal
	if def.ClientStage {
		kind = models.ApproverKindClient
	}

	now := m.now().UTC()
	dueDate := now.AddDate(0, 0, template.DueDays(def))

	assigned := make(map[string]bool)

	var approvals []*models.StageApproval

	for _, role := range def.RequiredRoles {
		ids, err := m.directory.ResolveApprovers(ctx, role, instance.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role %s: %w", role, err)
		}

		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: role %s for stage %s", ErrNoEligibleApprovers, role, def.Name)
		}

		for _, id := range ids {
			if assigned[id] {
				continue
			}

			assigned[id] = true
			approvals = append(approvals, m.newApproval(instance, def, id, role, kind, true, dueDate, now))
		}
	}

	if len(approvals) < def.MinimumApprovals {
		return nil, fmt.Errorf("%w: stage %s quorum %d exceeds %d resolvable approvers",
			ErrNoEligibleApprovers, def.Name, def.MinimumApprovals, len(approvals))
	}

	for _, role := range def.OptionalRoles {
		ids, err := m.directory.ResolveApprovers(ctx, role, instance.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role %s: %w", role, err)
		}

		for _, id := range ids {
			if assigned[id] {
				continue
			}

			assigned[id] = true
			approvals = append(approvals, m.newApproval(instance, def, id, role, kind, false, dueDate, now))
		}
	}

	return approvals, nil
}

func (m *Manager) newApproval(instance *models.ApprovalInstance, def *models.StageDefinition, approverID, role string, kind models.ApproverKind, required bool, dueDate, now time.Time) *models.StageApproval {
	return &models.StageApproval{
		ID:         uuid.New().String(),
		InstanceID: instance.ID,
		StageName:  def.Name,
		ApproverID: approverID,
		Kind:       kind,
		Required:   required,
		Role:       role,
		Decision:   models.DecisionPending,
		DueDate:    dueDate,
		CreatedAt:  now,
	}
}

func (m *Manager) baseEvent(eventType events.EventType, instance *models.ApprovalInstance) events.BaseEvent {
	base := events.NewBaseEvent(eventType, instance.ID)
	base.DocumentID = instance.DocumentID

	return base
}

// publish emits a lifecycle event, fire and forget: delivery failures are
// logged, never propagated into the state transition.
func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	err := m.eventBus.Publish(ctx, key, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (m *Manager) publishAll(ctx context.Context, key string, pending []eventbus.Event) {
	for _, event := range pending {
		m.publish(ctx, key, event)
	}
}

func sortStages(tier []*models.StageDefinition) {
	sort.Slice(tier, func(i, j int) bool {
		return tier[i].Name < tier[j].Name
	})
}

func approverIDs(approvals []*models.StageApproval) []string {
	ids := make([]string, 0, len(approvals))
	for _, approval := range approvals {
		ids = append(ids, approval.ApproverID)
	}

	return ids
}

func pendingApproverIDs(instance *models.ApprovalInstance) []string {
	ids := make([]string, 0)

	for _, approval := range instance.Approvals {
		if !approval.Decided() {
			ids = append(ids, approval.ApproverID)
		}
	}

	return ids
}
