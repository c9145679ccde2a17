package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/keramy/formulapm-approvals/pkg/directory"
	"github.com/keramy/formulapm-approvals/pkg/eventbus"
	"github.com/keramy/formulapm-approvals/pkg/events"
	"github.com/keramy/formulapm-approvals/pkg/log"
	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
	"github.com/keramy/formulapm-approvals/pkg/persistence/file"
)

// eventRecorder captures published events in order for assertions.
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

type managerFixture struct {
	manager     *Manager
	persistence persistence.Persistence
	directory   *directory.StaticDirectory
	recorder    *eventRecorder
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	dir := directory.NewStaticDirectory()
	recorder := &eventRecorder{}

	dir.AssignRole("project_engineer", "alice")
	dir.AssignRole("project_engineer", "bob")
	dir.AssignRole("technical_lead", "carol")
	dir.AssignRole("client", "client-1")

	manager := NewManager(p, dir, recorder, log.WithModule("test"), otel.Tracer("test")).
		WithClock(testClock)

	return &managerFixture{
		manager:     manager,
		persistence: p,
		directory:   dir,
		recorder:    recorder,
	}
}

func (f *managerFixture) seedTemplate(t *testing.T, template *models.WorkflowTemplate) {
	t.Helper()

	require.NoError(t, f.persistence.TemplateRepository().Save(t.Context(), template))
}

func twoStageTemplate() *models.WorkflowTemplate {
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
		EscalationRole:              "project_manager",
	}
}

func clientTemplate() *models.WorkflowTemplate {
	template := twoStageTemplate()
	template.ClientApprovalRequired = true
	template.Stages = append(template.Stages, &models.StageDefinition{
		Name:             models.StageClientReview,
		Sequence:         3,
		RequiredRoles:    []string{"client"},
		MinimumApprovals: 1,
		ClientStage:      true,
		TargetDays:       10,
	})

	return template
}

func TestManager_Create(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, twoStageTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)
	require.NotNil(t, instance)

	assert.Equal(t, models.InstanceStatusStageInProgress, instance.Status)
	assert.Equal(t, models.StageInternalReview, instance.CurrentStage)
	assert.Equal(t, 1, instance.CurrentTier)
	assert.Equal(t, int64(1), instance.Revision)

	// Both project engineers are staffed with the template's default window.
	require.Len(t, instance.Approvals, 2)

	for _, approval := range instance.Approvals {
		assert.Equal(t, models.StageInternalReview, approval.StageName)
		assert.Equal(t, models.ApproverKindInternal, approval.Kind)
		assert.True(t, approval.Required)
		assert.Equal(t, models.DecisionPending, approval.Decision)
		assert.Equal(t, testClock().AddDate(0, 0, 5), approval.DueDate)
	}

	assert.Contains(t, f.recorder.Types(), events.InstanceCreatedEvent)
}

func TestManager_Create_NoTemplateConfigured(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTemplateConfigured)
	assert.True(t, IsConfigurationError(err))
}

func TestManager_Create_AlreadyActive(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, twoStageTemplate())

	_, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 2, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceAlreadyActive)
	assert.True(t, IsStateError(err))
}

func TestManager_Create_NoEligibleApprovers(t *testing.T) {
	f := newFixture(t)

	template := twoStageTemplate()
	template.Stages[0].RequiredRoles = []string{"structural_reviewer"} // nobody holds it
	f.seedTemplate(t, template)

	_, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleApprovers)
	assert.True(t, IsResolutionError(err))

	// Creation failed whole: nothing was persisted.
	active, err := f.persistence.InstanceRepository().ActiveByDocumentID(t.Context(), "doc-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestManager_Create_QuorumExceedsResolvableApprovers(t *testing.T) {
	f := newFixture(t)

	template := twoStageTemplate()
	template.Stages[0].MinimumApprovals = 3 // only alice and bob resolve
	f.seedTemplate(t, template)

	_, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	assert.ErrorIs(t, err, ErrNoEligibleApprovers)
}

func TestManager_RecordDecision_AdvancesOnQuorum(t *testing.T) {
	f := newFixture(t)

	template := twoStageTemplate()
	template.Stages[0].MinimumApprovals = 2
	f.seedTemplate(t, template)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// First approval alone does not satisfy the two-person quorum.
	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "bob", models.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageInternalReview, instance.CurrentStage)

	// Order does not matter; the second approval completes the stage.
	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "looks good")
	require.NoError(t, err)
	assert.Equal(t, models.StageTechnicalReview, instance.CurrentStage)
	assert.Equal(t, 2, instance.CurrentTier)
	assert.Equal(t, models.InstanceStatusStageInProgress, instance.Status)

	// Stage 1 decisions are retained in the history.
	stageOne := instance.ApprovalsForStage(models.StageInternalReview)
	require.Len(t, stageOne, 2)

	for _, approval := range stageOne {
		assert.Equal(t, models.DecisionApproved, approval.Decision)
		require.NotNil(t, approval.DecidedAt)
	}

	assert.Contains(t, f.recorder.Types(), events.StageAdvancedEvent)
}

func TestManager_RecordDecision_RejectTerminatesImmediately(t *testing.T) {
	f := newFixture(t)

	template := twoStageTemplate()
	template.Stages[0].MinimumApprovals = 2
	f.seedTemplate(t, template)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "bob", models.DecisionRejected, "wrong rebar spacing")
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusRejected, instance.Status)
	assert.False(t, instance.RequiresRevision)
	require.NotNil(t, instance.CompletedAt)

	// Alice's pending approval can no longer be decided.
	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "")
	assert.ErrorIs(t, err, ErrInstanceNotActive)

	// The rejection comments stay on the record verbatim.
	rejected := instance.PendingApprovalFor("alice", []models.StageName{models.StageInternalReview})
	assert.NotNil(t, rejected)

	var found bool

	for _, approval := range instance.Approvals {
		if approval.ApproverID == "bob" {
			assert.Equal(t, "wrong rebar spacing", approval.Comments)

			found = true
		}
	}

	assert.True(t, found)
	assert.Contains(t, f.recorder.Types(), events.InstanceRejectedEvent)
}

func TestManager_RecordDecision_RevisionRequired(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, twoStageTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionRevisionRequired, "update title block")
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusRejected, instance.Status)
	assert.True(t, instance.RequiresRevision)
}

func TestManager_RecordDecision_ApproverNotAssigned(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, twoStageTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// Unknown user.
	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "mallory", models.DecisionApproved, "")
	assert.ErrorIs(t, err, ErrApproverNotAssigned)

	// Carol belongs to the next stage, not the current one.
	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "carol", models.DecisionApproved, "")
	assert.ErrorIs(t, err, ErrApproverNotAssigned)
}

func TestManager_RecordDecision_InvalidDecision(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, twoStageTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionPending, "")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", "maybe", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestManager_FullChainThroughClientApproval(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, clientTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageTechnicalReview, instance.CurrentStage)

	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "carol", models.DecisionApproved, "")
	require.NoError(t, err)

	// Internal chain complete: submitted to the client and staffed.
	assert.Equal(t, models.InstanceStatusClientReview, instance.Status)
	assert.Equal(t, models.StageClientReview, instance.CurrentStage)

	clientApprovals := instance.ApprovalsForStage(models.StageClientReview)
	require.Len(t, clientApprovals, 1)
	assert.Equal(t, models.ApproverKindClient, clientApprovals[0].Kind)
	assert.Equal(t, testClock().AddDate(0, 0, 10), clientApprovals[0].DueDate)

	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "client-1", models.DecisionApproved, "")
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusFinalApproved, instance.Status)
	require.NotNil(t, instance.CompletedAt)

	types := f.recorder.Types()
	assert.Contains(t, types, events.InstanceSubmittedToClientEvent)
	assert.Contains(t, types, events.InstanceApprovedEvent)
}

func TestManager_ClientRejectionRetainsHistory(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, clientTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "carol", models.DecisionApproved, "")
	require.NoError(t, err)

	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "client-1", models.DecisionRejected, "material finish unacceptable")
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusRejected, instance.Status)

	// Internal approvals and the client verdict all stay on the record.
	assert.Len(t, instance.ApprovalsForStage(models.StageInternalReview), 2)
	assert.Len(t, instance.ApprovalsForStage(models.StageTechnicalReview), 1)

	clientApprovals := instance.ApprovalsForStage(models.StageClientReview)
	require.Len(t, clientApprovals, 1)
	assert.Equal(t, "material finish unacceptable", clientApprovals[0].Comments)
}

func TestManager_ClientResolutionFailureParksInstance(t *testing.T) {
	f := newFixture(t)

	template := clientTemplate()
	template.Stages[2].RequiredRoles = []string{"client_representative"} // unassigned
	f.seedTemplate(t, template)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)

	// The last internal approval lands, but no client approver resolves: the
	// decision is persisted and the instance parks awaiting resolution.
	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "carol", models.DecisionApproved, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleApprovers)
	require.NotNil(t, instance)
	assert.Equal(t, models.InstanceStatusClientSubmission, instance.Status)

	// An administrator assigns the role; Advance re-drives staffing.
	f.directory.AssignRole("client_representative", "client-2")

	instance, err = f.manager.Advance(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusClientReview, instance.Status)
	require.Len(t, instance.ApprovalsForStage(models.StageClientReview), 1)
	assert.Equal(t, "client-2", instance.ApprovalsForStage(models.StageClientReview)[0].ApproverID)
}

func TestManager_SkippedStage(t *testing.T) {
	f := newFixture(t)

	template := twoStageTemplate()
	template.Stages[0].CanBeSkipped = true
	template.Stages[0].SkipWhen = "is_resubmission"
	f.seedTemplate(t, template)

	metadata := map[string]any{"is_resubmission": true}

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 2, metadata)
	require.NoError(t, err)

	// Tier 1 was skipped entirely; the run starts at technical review.
	assert.Equal(t, models.StageTechnicalReview, instance.CurrentStage)
	assert.Equal(t, 2, instance.CurrentTier)
	assert.Empty(t, instance.ApprovalsForStage(models.StageInternalReview))
}

func TestManager_OptionalApproversStaffedAsAdvisory(t *testing.T) {
	f := newFixture(t)

	template := twoStageTemplate()
	template.Stages[0].OptionalRoles = []string{"technical_lead"}
	f.seedTemplate(t, template)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	stageOne := instance.ApprovalsForStage(models.StageInternalReview)
	require.Len(t, stageOne, 3)

	var optional *models.StageApproval

	for _, approval := range stageOne {
		if approval.ApproverID == "carol" {
			optional = approval
		}
	}

	require.NotNil(t, optional)
	assert.False(t, optional.Required)

	// Carol's advisory rejection records but does not terminate the run.
	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "carol", models.DecisionRejected, "prefer option B")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusStageInProgress, instance.Status)

	// Alice's required approval still satisfies the stage.
	instance, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageTechnicalReview, instance.CurrentStage)
}

func TestManager_Cancel(t *testing.T) {
	f := newFixture(t)
	f.seedTemplate(t, twoStageTemplate())

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	instance, err = f.manager.Cancel(t.Context(), instance.ID, "pm-1", "project descoped")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, instance.Status)
	require.NotNil(t, instance.CompletedAt)

	_, err = f.manager.Cancel(t.Context(), instance.ID, "pm-1", "again")
	assert.ErrorIs(t, err, ErrInstanceNotActive)

	assert.Contains(t, f.recorder.Types(), events.InstanceCancelledEvent)
}

func TestManager_Get_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Get(t.Context(), "missing")
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}
