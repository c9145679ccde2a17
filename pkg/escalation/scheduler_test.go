package escalation

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

func (r *eventRecorder) Reminders() []events.ApprovalReminder {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reminders []events.ApprovalReminder

	for _, event := range r.events {
		if reminder, ok := event.(events.ApprovalReminder); ok {
			reminders = append(reminders, reminder)
		}
	}

	return reminders
}

func (r *eventRecorder) Escalations() []events.ApprovalEscalated {
	r.mu.Lock()
	defer r.mu.Unlock()

	var escalations []events.ApprovalEscalated

	for _, event := range r.events {
		if escalation, ok := event.(events.ApprovalEscalated); ok {
			escalations = append(escalations, escalation)
		}
	}

	return escalations
}

var testClock = func() time.Time {
	return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

type fixture struct {
	scheduler   *Scheduler
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
	dir.AssignRole("project_manager", "pm-1")

	manager := approval.NewManager(p, dir, recorder, logger, otel.Tracer("test")).
		WithClock(testClock)
	scheduler := NewScheduler(p, dir, recorder, logger)

	template := &models.WorkflowTemplate{
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

	require.NoError(t, p.TemplateRepository().Save(t.Context(), template))

	return &fixture{
		scheduler:   scheduler,
		manager:     manager,
		persistence: p,
		directory:   dir,
		recorder:    recorder,
	}
}

// pastDue is a sweep time safely beyond the template's five day window.
func pastDue() time.Time {
	return testClock().AddDate(0, 0, 6)
}

func TestScheduler_FindOverdue(t *testing.T) {
	f := newFixture(t)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// Before the due date nothing is overdue.
	overdue, err := f.scheduler.FindOverdue(t.Context(), testClock())
	require.NoError(t, err)
	assert.Empty(t, overdue)

	overdue, err = f.scheduler.FindOverdue(t.Context(), pastDue())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, instance.ID, overdue[0].InstanceID)
	assert.Equal(t, models.StageInternalReview, overdue[0].StageName)
	assert.Equal(t, "alice", overdue[0].ApproverID)
	assert.Equal(t, 0, overdue[0].ReminderCount)

	// FindOverdue is a pure read: reminder counts are untouched.
	reloaded, err := f.manager.Get(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Approvals[0].ReminderCount)
}

func TestScheduler_FindOverdue_SkipsDecidedAndTerminal(t *testing.T) {
	f := newFixture(t)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	_, err = f.manager.Cancel(t.Context(), instance.ID, "pm-1", "descoped")
	require.NoError(t, err)

	overdue, err := f.scheduler.FindOverdue(t.Context(), pastDue())
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestScheduler_EscalateOverdue_RemindersAreDeduplicable(t *testing.T) {
	f := newFixture(t)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))

	reminders := f.recorder.Reminders()
	require.Len(t, reminders, 1)
	assert.Equal(t, 1, reminders[0].ReminderCount)
	assert.NotEmpty(t, reminders[0].DedupeKey)

	// A second sweep bumps the count, producing a distinct dedupe key.
	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))

	reminders = f.recorder.Reminders()
	require.Len(t, reminders, 2)
	assert.Equal(t, 2, reminders[1].ReminderCount)
	assert.NotEqual(t, reminders[0].DedupeKey, reminders[1].DedupeKey)

	reloaded, err := f.manager.Get(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Approvals[0].ReminderCount)
}

func TestScheduler_EscalateOverdue_WidensApproverSetPastThreshold(t *testing.T) {
	f := newFixture(t)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// Threshold is 2: sweeps one and two only remind.
	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))
	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))
	assert.Empty(t, f.recorder.Escalations())

	// Third sweep passes the threshold and widens the stage.
	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))

	escalations := f.recorder.Escalations()
	require.Len(t, escalations, 1)
	assert.Equal(t, "project_manager", escalations[0].EscalationRole)
	assert.Equal(t, []string{"pm-1"}, escalations[0].AddedApprovers)

	reloaded, err := f.manager.Get(t.Context(), instance.ID)
	require.NoError(t, err)

	stage := reloaded.ApprovalsForStage(models.StageInternalReview)
	require.Len(t, stage, 2)
	assert.True(t, reloaded.HasApprover(models.StageInternalReview, "pm-1"))

	// The stalled approval is flagged so later sweeps never re-escalate.
	var original *models.StageApproval

	for _, approval := range stage {
		if approval.ApproverID == "alice" {
			original = approval
		}
	}

	require.NotNil(t, original)
	assert.True(t, original.Escalated)
	require.NotNil(t, original.EscalatedAt)

	// Fourth sweep: reminders continue, no duplicate escalation, no
	// duplicate pm assignment.
	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))
	assert.Len(t, f.recorder.Escalations(), 1)

	reloaded, err = f.manager.Get(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.ApprovalsForStage(models.StageInternalReview), 2)
}

func TestScheduler_SweepIgnoresPassedTiers(t *testing.T) {
	f := newFixture(t)
	f.directory.AssignRole("observer", "olivia")

	template, err := f.persistence.TemplateRepository().GetByID(t.Context(), "tpl-shop")
	require.NoError(t, err)

	template.Stages[0].OptionalRoles = []string{"observer"}
	require.NoError(t, f.persistence.TemplateRepository().Save(t.Context(), template))

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	// Alice satisfies tier one; olivia's advisory approval stays pending on
	// the passed tier.
	_, err = f.manager.RecordDecision(t.Context(), instance.ID, "alice", models.DecisionApproved, "")
	require.NoError(t, err)

	overdue, err := f.scheduler.FindOverdue(t.Context(), pastDue())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, models.StageTechnicalReview, overdue[0].StageName)
	assert.Equal(t, "carol", overdue[0].ApproverID)

	// Only the bottleneck tier is reminded; nobody chases an advisory
	// approval the workflow already moved past.
	require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))

	reminders := f.recorder.Reminders()
	require.Len(t, reminders, 1)
	assert.Equal(t, "carol", reminders[0].ApproverID)
}

func TestScheduler_EscalatedApproverCanSatisfyStage(t *testing.T) {
	f := newFixture(t)

	instance, err := f.manager.Create(t.Context(), "doc-1", models.DocumentTypeShopDrawing, 1, nil)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, f.scheduler.EscalateOverdue(t.Context(), pastDue()))
	}

	// The escalation-role approver decides in the stalled approver's place.
	advanced, err := f.manager.RecordDecision(t.Context(), instance.ID, "pm-1", models.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageTechnicalReview, advanced.CurrentStage)
}
