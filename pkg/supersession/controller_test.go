package supersession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/keramy/formulapm-approvals/pkg/approval"
	"github.com/keramy/formulapm-approvals/pkg/directory"
	"github.com/keramy/formulapm-approvals/pkg/escalation"
	"github.com/keramy/formulapm-approvals/pkg/eventbus"
	"github.com/keramy/formulapm-approvals/pkg/events"
	"github.com/keramy/formulapm-approvals/pkg/log"
	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
	"github.com/keramy/formulapm-approvals/pkg/persistence/file"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) Publish(_ context.Context, _ string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *eventRecorder) Types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]events.EventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.GetType())
	}

	return types
}

var testClock = func() time.Time {
	return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

type fixture struct {
	controller  *Controller
	manager     *approval.Manager
	persistence persistence.Persistence
	directory   *directory.StaticDirectory
	recorder    *eventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	dir := directory.NewStaticDirectory()
	recorder := &eventRecorder{}
	logger := log.WithModule("test")

	dir.AssignRole("project_engineer", "alice")
	dir.AssignRole("technical_lead", "carol")

	manager := approval.NewManager(p, dir, recorder, logger, otel.Tracer("test")).
		WithClock(testClock)
	controller := NewController(p, manager, recorder, logger).
		WithClock(testClock)

	return &fixture{
		controller:  controller,
		manager:     manager,
		persistence: p,
		directory:   dir,
		recorder:    recorder,
	}
}

func (f *fixture) seedTemplate(t *testing.T, template *models.WorkflowTemplate) {
	t.Helper()

	require.NoError(t, f.persistence.TemplateRepository().Save(t.Context(), template))
}

func testTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:           "tpl-shop",
		Name:         "Shop Drawing Approval",
		DocumentType: models.DocumentTypeShopDrawing,
		Version:      1,
		Active:       true,
		Stages: []*models.StageDefinition{
			{
				Name:             models.StageInternalReview,
				Sequence:         1,
				RequiredRoles:    []string{"project_engineer"},
				MinimumApprovals: 1,
			},
			{
				Name:             models.StageTechnicalReview,
				Sequence:         2,
				RequiredRoles:    []string{"technical_lead"},
				MinimumApprovals: 1,
			},
		},
		DefaultDurationDays:         5,
		EscalationReminderThreshold: 2,
	}
}

func TestController_OnNewVersion_NoActiveInstance(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, testTemplate())

	// No approval in flight: version changes are a no-op, approval starts
	// only when the owner submits.
	successor, err := f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.NoError(t, err)
	assert.Nil(t, successor)
	assert.Empty(t, f.recorder.Types())
}

func TestController_OnNewVersion_SupersedesAndRestarts(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, testTemplate())

	prior, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// Progress past stage one on the old version.
	_, err = f.manager.RecordDecision(t.Context(), prior.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)

	successor, err := f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, successor)

	// The old instance is terminal, decisions frozen.
	superseded, err := f.manager.Get(t.Context(), prior.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusSuperseded, superseded.Status)
	require.NotNil(t, superseded.CompletedAt)
	assert.Len(t, superseded.ApprovalsForStage(models.StageInternalReview), 1)

	// Progress does not carry by default: the successor restarts at tier 1.
	assert.Equal(t, 2, successor.VersionNumber)
	assert.Equal(t, models.StageInternalReview, successor.CurrentStage)
	assert.Equal(t, models.InstanceStatusStageInProgress, successor.Status)

	// Exactly one active instance per document at all times.
	active, err := f.persistence.InstanceRepository().ActiveByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, successor.ID, active.ID)

	// The link records the voided relationship.
	links, err := f.persistence.VersionLinkRepository().ByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, prior.ID, links[0].SupersededInstanceID)
	assert.Equal(t, successor.ID, links[0].SuccessorInstanceID)
	assert.Equal(t, models.VersionLinkVoided, links[0].Kind)

	assert.Contains(t, f.recorder.Types(), events.InstanceSupersededEvent)
}

func TestController_OnNewVersion_StaleVersion(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, testTemplate())

	_, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 3, nil)
	require.NoError(t, err)

	_, err = f.controller.OnNewVersion(t.Context(), "doc-1", 3, nil)
	assert.ErrorIs(t, err, ErrStaleVersion)

	_, err = f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestController_OnNewVersion_CarriesForwardSatisfiedTiers(t *testing.T) {
	f := newFixture(t)

	template := testTemplate()
	template.CarryForwardApprovedStages = true
	f.seedTemplate(t, template)

	prior, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), prior.ID, "alice", models.DecisionApproved, "checked v1")
	require.NoError(t, err)

	successor, err := f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, successor)

	// Tier 1 was satisfied on the old run and carries; the successor sits in
	// technical review without alice re-approving.
	assert.Equal(t, models.StageTechnicalReview, successor.CurrentStage)
	assert.Equal(t, models.InstanceStatusStageInProgress, successor.Status)

	carried := successor.ApprovalsForStage(models.StageInternalReview)
	require.Len(t, carried, 1)
	assert.Equal(t, "alice", carried[0].ApproverID)
	assert.Equal(t, models.DecisionApproved, carried[0].Decision)
	assert.Equal(t, "checked v1", carried[0].Comments)
	assert.Equal(t, successor.ID, carried[0].InstanceID)

	links, err := f.persistence.VersionLinkRepository().ByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, models.VersionLinkCarriedForward, links[0].Kind)
}

func TestController_OnNewVersion_CarriedTiersAreNotRestaffed(t *testing.T) {
	f := newFixture(t)
	f.directory.AssignRole("qa_lead", "dave")

	template := testTemplate()
	template.CarryForwardApprovedStages = true
	template.Stages = append(template.Stages, &models.StageDefinition{
		Name:             models.StageQualityReview,
		Sequence:         3,
		RequiredRoles:    []string{"qa_lead"},
		MinimumApprovals: 1,
	})
	f.seedTemplate(t, template)

	prior, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), prior.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), prior.ID, "carol", models.DecisionApproved, "")
	require.NoError(t, err)

	successor, err := f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, successor)

	// Tiers one and two carry; only quality review re-runs.
	assert.Equal(t, models.StageQualityReview, successor.CurrentStage)
	assert.Equal(t, models.InstanceStatusStageInProgress, successor.Status)

	// Each carried stage holds exactly the carried decision: walking through
	// a carried middle tier must not staff a fresh pending approval on it.
	internal := successor.ApprovalsForStage(models.StageInternalReview)
	require.Len(t, internal, 1)
	assert.Equal(t, models.DecisionApproved, internal[0].Decision)

	technical := successor.ApprovalsForStage(models.StageTechnicalReview)
	require.Len(t, technical, 1)
	assert.Equal(t, "carol", technical[0].ApproverID)
	assert.Equal(t, models.DecisionApproved, technical[0].Decision)

	// The overdue sweep sees only the freshly staffed tier, never the
	// carried history behind it.
	scheduler := escalation.NewScheduler(f.persistence, f.directory, f.recorder, log.WithModule("test"))

	overdue, err := scheduler.FindOverdue(t.Context(), testClock().AddDate(0, 0, 6))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, models.StageQualityReview, overdue[0].StageName)
	assert.Equal(t, "dave", overdue[0].ApproverID)
}

func TestController_OnNewVersion_SuccessorCreationFailureKeepsPriorActive(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, testTemplate())

	prior, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// Re-version the template so the successor's first stage needs a role
	// nobody holds.
	revised := testTemplate()
	revised.ID = "tpl-shop-2"
	revised.Version = 2
	revised.Stages[0].RequiredRoles = []string{"structural_lead"}
	f.seedTemplate(t, revised)

	_, err = f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrNoEligibleApprovers)

	// The supersession did not half-apply: the prior run is still the active
	// instance, with no completion stamp and no link recorded.
	reloaded, err := f.manager.Get(t.Context(), prior.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusStageInProgress, reloaded.Status)
	assert.Nil(t, reloaded.CompletedAt)

	active, err := f.persistence.InstanceRepository().ActiveByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, prior.ID, active.ID)

	links, err := f.persistence.VersionLinkRepository().ByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestController_OnNewVersion_MalformedSkipPredicateFallsBackToRestart(t *testing.T) {
	f := newFixture(t)

	template := testTemplate()
	template.CarryForwardApprovedStages = true
	template.Stages[0].CanBeSkipped = true
	template.Stages[0].SkipWhen = "fast_track"
	f.seedTemplate(t, template)

	// A prior run whose metadata holds an uninterpretable predicate value.
	decided := testClock()
	prior := &models.ApprovalInstance{
		ID:            "inst-v1",
		TemplateID:    template.ID,
		DocumentID:    "doc-1",
		DocumentType:  models.DocumentTypeShopDrawing,
		VersionNumber: 1,
		Status:        models.InstanceStatusStageInProgress,
		CurrentStage:  models.StageTechnicalReview,
		CurrentTier:   2,
		Metadata:      map[string]any{"fast_track": []any{"yes"}},
		Approvals: []*models.StageApproval{
			{
				ID:         "ap-1",
				InstanceID: "inst-v1",
				StageName:  models.StageInternalReview,
				ApproverID: "alice",
				Kind:       models.ApproverKindInternal,
				Required:   true,
				Role:       "project_engineer",
				Decision:   models.DecisionApproved,
				DecidedAt:  &decided,
				DueDate:    decided.AddDate(0, 0, 5),
				CreatedAt:  decided,
			},
		},
	}
	require.NoError(t, f.persistence.InstanceRepository().Save(t.Context(), prior))

	// The bad predicate stops the carry; the supersession itself succeeds.
	successor, err := f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, successor)

	assert.Equal(t, models.StageInternalReview, successor.CurrentStage)
	assert.Equal(t, models.InstanceStatusStageInProgress, successor.Status)

	links, err := f.persistence.VersionLinkRepository().ByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, models.VersionLinkVoided, links[0].Kind)
}

func TestController_OnNewVersion_NoCarryWithoutProgress(t *testing.T) {
	f := newFixture(t)

	template := testTemplate()
	template.CarryForwardApprovedStages = true
	f.seedTemplate(t, template)

	_, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	successor, err := f.controller.OnNewVersion(t.Context(), "doc-1", 2, nil)
	require.NoError(t, err)
	require.NotNil(t, successor)

	// Nothing was satisfied on the old run: full restart, voided link.
	assert.Equal(t, models.StageInternalReview, successor.CurrentStage)

	links, err := f.persistence.VersionLinkRepository().ByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, models.VersionLinkVoided, links[0].Kind)
}
