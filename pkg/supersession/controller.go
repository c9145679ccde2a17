// Package supersession voids in-flight approvals when a document gains a new
// version. At most one non-terminal instance may exist per document, so a
// new version always terminates the old run before starting its successor.
package supersession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keramy/formulapm-approvals/pkg/approval"
	"github.com/keramy/formulapm-approvals/pkg/eventbus"
	"github.com/keramy/formulapm-approvals/pkg/evaluator"
	"github.com/keramy/formulapm-approvals/pkg/events"
	"github.com/keramy/formulapm-approvals/pkg/log"
	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

// ErrStaleVersion is returned when the reported version does not exceed the
// version already under approval.
var ErrStaleVersion = errors.New("new version number must exceed the version under approval")

// Controller reacts to document version changes. It supersedes the active
// instance and starts the successor through the instance manager, optionally
// carrying satisfied tiers forward when the template allows it.
type Controller struct {
	persistence persistence.Persistence
	manager     *approval.Manager
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewController creates a supersession controller.
func NewController(p persistence.Persistence, manager *approval.Manager, eventBus eventbus.EventPublisher, logger *slog.Logger) *Controller {
	return &Controller{
		persistence: p,
		manager:     manager,
		eventBus:    eventBus,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the controller's time source. Used by tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now

	return c
}

// OnNewVersion handles a document version change. Without an active instance
// it is a no-op and returns nil: approval starts only when the document
// owner submits. Otherwise the active instance moves to superseded, a
// successor is created for the new version from the currently active
// template, and a version link records the relationship.
func (c *Controller) OnNewVersion(ctx context.Context, documentID string, newVersionNumber int, metadata map[string]any) (*models.ApprovalInstance, error) {
	superseded, err := c.persistence.InstanceRepository().ActiveByDocumentID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active instance for %s: %w", documentID, err)
	}

	if superseded == nil {
		return nil, nil
	}

	if newVersionNumber <= superseded.VersionNumber {
		return nil, fmt.Errorf("%w: version %d is under approval, got %d", ErrStaleVersion, superseded.VersionNumber, newVersionNumber)
	}

	logger := log.WithInstance(c.logger, superseded.ID, documentID)

	now := c.now().UTC()
	priorStatus := superseded.Status

	superseded.Finish(models.InstanceStatusSuperseded, now)

	err = c.persistence.InstanceRepository().Save(ctx, superseded)
	if err != nil {
		return nil, err
	}

	successor, err := c.manager.Create(ctx, documentID, superseded.DocumentType, newVersionNumber, metadata)
	if err != nil {
		// Restore the prior run so the document is never left with neither
		// an active instance nor a successor.
		superseded.Status = priorStatus
		superseded.CompletedAt = nil

		restoreErr := c.persistence.InstanceRepository().Save(ctx, superseded)
		if restoreErr != nil {
			logger.ErrorContext(ctx, "failed to restore instance after successor creation failed",
				"error", restoreErr)
		}

		return nil, fmt.Errorf("failed to create successor instance for %s: %w", documentID, err)
	}

	kind := models.VersionLinkVoided

	carried, err := c.carryForward(ctx, superseded, successor)
	if err != nil {
		logger.WarnContext(ctx, "carry-forward incomplete",
			"successor_id", successor.ID, "error", err)
	}

	if carried {
		kind = models.VersionLinkCarriedForward
	}

	link := &models.VersionLink{
		ID:                   uuid.New().String(),
		DocumentID:           documentID,
		SupersededInstanceID: superseded.ID,
		SuccessorInstanceID:  successor.ID,
		Kind:                 kind,
		CreatedAt:            now,
	}

	err = c.persistence.VersionLinkRepository().Save(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("failed to save version link for %s: %w", documentID, err)
	}

	event := events.InstanceSuperseded{
		BaseEvent:           events.NewBaseEvent(events.InstanceSupersededEvent, superseded.ID),
		SuccessorInstanceID: successor.ID,
		NewVersionNumber:    newVersionNumber,
		LinkKind:            kind,
	}
	event.DocumentID = documentID

	err = c.eventBus.Publish(ctx, superseded.ID, event)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}

	return c.manager.Get(ctx, successor.ID)
}

// carryForward copies decided approvals of the superseded instance onto the
// successor for every leading tier that stays satisfied under the current
// template, then advances the successor past them. Returns true when at
// least one tier was carried.
func (c *Controller) carryForward(ctx context.Context, superseded, successor *models.ApprovalInstance) (bool, error) {
	template, err := c.persistence.TemplateRepository().GetByID(ctx, successor.TemplateID)
	if err != nil {
		return false, fmt.Errorf("failed to load template %s: %w", successor.TemplateID, err)
	}

	if template == nil || !template.CarryForwardApprovedStages {
		return false, nil
	}

	carriedStages := c.satisfiedLeadingStages(ctx, template, superseded)
	if len(carriedStages) == 0 {
		return false, nil
	}

	// Replace the successor's fresh pending approvals for carried stages
	// with copies of the decided ones; the original decision timestamps and
	// comments stay part of the successor's history.
	remaining := successor.Approvals[:0]

	for _, approval := range successor.Approvals {
		if !carriedStages[approval.StageName] {
			remaining = append(remaining, approval)
		}
	}

	successor.Approvals = remaining

	for _, prior := range superseded.Approvals {
		if !carriedStages[prior.StageName] || !prior.Decided() {
			continue
		}

		copied := *prior
		copied.ID = uuid.New().String()
		copied.InstanceID = successor.ID
		successor.Approvals = append(successor.Approvals, &copied)
	}

	// Position the successor on the last carried tier before advancing, so
	// the walk never re-enters a carried tier and restaffs it on top of the
	// copied decisions.
	for _, tier := range template.Tiers() {
		if !carriedStages[tier[0].Name] {
			break
		}

		successor.CurrentStage = tier[0].Name
		successor.CurrentTier = tier[0].Sequence
	}

	err = c.persistence.InstanceRepository().Save(ctx, successor)
	if err != nil {
		return false, err
	}

	// One advance: the last carried tier evaluates satisfied and the manager
	// moves the successor into the first tier that must re-run.
	advanced, err := c.manager.Advance(ctx, successor.ID)
	if err != nil {
		return true, err
	}

	*successor = *advanced

	return true, nil
}

// satisfiedLeadingStages returns the stage names of the leading internal
// tiers that the prior instance's decisions keep satisfied under the current
// template. The walk stops at the first unsatisfied tier and never crosses
// the client stage: client approval always re-runs against the new version.
func (c *Controller) satisfiedLeadingStages(ctx context.Context, template *models.WorkflowTemplate, prior *models.ApprovalInstance) map[models.StageName]bool {
	carried := make(map[models.StageName]bool)
	interpreter := models.SkipPredicateInterpreter{}

	for _, tier := range template.Tiers() {
		if tier[0].ClientStage {
			break
		}

		for _, def := range tier {
			skip, err := interpreter.ShouldSkip(def, prior.Metadata)
			if err != nil {
				c.logger.WarnContext(ctx, "skip predicate failed during carry-forward, stopping carry at this tier",
					"instance_id", prior.ID, "stage", def.Name, "error", err)

				return carried
			}

			if skip {
				continue
			}

			if evaluator.EvaluateStage(def, prior.ApprovalsForStage(def.Name)) != evaluator.VerdictSatisfied {
				return carried
			}
		}

		for _, def := range tier {
			carried[def.Name] = true
		}
	}

	return carried
}
