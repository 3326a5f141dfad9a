package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formpilot/be-form-approvals/internal/cache"
	"github.com/formpilot/be-form-approvals/internal/notify"
	"github.com/formpilot/be-form-approvals/internal/platform/logger"
	"github.com/formpilot/be-form-approvals/internal/repository"
)

type workflowFixture struct {
	svc        *WorkflowService
	store      *fakeStore
	forms      *fakeFormStore
	dispatcher *fakeDispatcher
	cache      *cache.MemoryCache
}

func newWorkflowFixture(t *testing.T, forms ...*repository.Form) *workflowFixture {
	t.Helper()

	f := &workflowFixture{
		store:      newFakeStore(),
		forms:      newFakeFormStore(forms...),
		dispatcher: &fakeDispatcher{},
		cache:      cache.NewMemoryCache(),
	}
	f.svc = NewWorkflowService(
		f.store, f.forms, f.store,
		AllowAllPlanGate{}, fakeDirectory{adminID: "plant-admin"}, f.dispatcher,
		f.cache, time.Minute, logger.Nop(),
	)
	return f
}

func formWithFlow(id string, levels int) *repository.Form {
	form := &repository.Form{
		ID:          id,
		CompanyID:   "company-1",
		PlantID:     "plant-1",
		Title:       "Safety inspection",
		IsPublished: true,
		Fields: []repository.FormField{
			{Name: "inspector", Label: "Inspector", IncludeInApprovalEmail: true},
			{Name: "notes", Label: "Notes"},
		},
	}
	for i := 1; i <= levels; i++ {
		form.Flow = append(form.Flow, repository.ApprovalLevel{
			Level: i,
			Approver: repository.ApproverRef{
				ID:   "approver-" + strconv.Itoa(i),
				Name: "Approver " + strconv.Itoa(i),
			},
		})
	}
	return form
}

func approverAt(level int) Actor {
	return Actor{
		ID:        "approver-" + strconv.Itoa(level),
		Name:      "Approver " + strconv.Itoa(level),
		CompanyID: "company-1",
	}
}

// ── initialization ────────────────────────────────────────────────────────────

func TestCreateSubmission_EmptyFlowAutoApproves(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 0))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
		Data:        map[string]any{"inspector": "Ana"},
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusApproved, sub.Status)
	assert.Equal(t, 1, sub.CurrentLevel)
	assert.NotNil(t, sub.ApprovedAt)
	assert.Nil(t, sub.ApprovedBy)

	history, err := f.svc.GetApprovalHistory(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCreateSubmission_WithFlowStartsPendingAtLevelOne(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 3))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusPendingApproval, sub.Status)
	assert.Equal(t, 1, sub.CurrentLevel)

	events := f.dispatcher.byType(notify.EventApprovalRequired)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"approver-1"}, events[0].Recipients)

	created := f.dispatcher.byType(notify.EventSubmissionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, []string{"user-1"}, created[0].Recipients)
}

func TestCreateSubmission_PlanGateDenies(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))
	f.svc.planGate = denyingPlanGate{}

	_, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	assert.ErrorIs(t, err, ErrPlanLimitReached)
}

func TestCreateSubmission_UnpublishedFormRejected(t *testing.T) {
	form := formWithFlow("form-1", 1)
	form.IsPublished = false
	f := newWorkflowFixture(t, form)

	_, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	assert.Error(t, err)
}

func TestSubmitDraft_EntersFlow(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 2))

	draft, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
		AsDraft:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDraft, draft.Status)
	assert.Equal(t, 0, draft.CurrentLevel)

	sub, err := f.svc.SubmitDraft(context.Background(), draft.ID, Actor{ID: "user-1", CompanyID: "company-1"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPendingApproval, sub.Status)
	assert.Equal(t, 1, sub.CurrentLevel)
}

// ── decisions ─────────────────────────────────────────────────────────────────

func TestDecide_FullApprovalChain(t *testing.T) {
	const levels = 3
	f := newWorkflowFixture(t, formWithFlow("form-1", levels))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	for i := 1; i <= levels; i++ {
		sub, err = f.svc.Decide(context.Background(), &DecideRequest{
			SubmissionID: sub.ID,
			Actor:        approverAt(i),
			Decision:     repository.DecisionApproved,
		})
		require.NoError(t, err, "level %d", i)
	}

	assert.Equal(t, repository.StatusApproved, sub.Status)
	assert.Equal(t, levels+1, sub.CurrentLevel)
	require.NotNil(t, sub.ApprovedBy)
	assert.Equal(t, "approver-3", *sub.ApprovedBy)
	assert.NotNil(t, sub.ApprovedAt)

	history, err := f.svc.GetApprovalHistory(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, history, levels)
	for i, entry := range history {
		assert.Equal(t, i+1, entry.Level)
		assert.Equal(t, repository.DecisionApproved, entry.Decision)
		assert.Equal(t, "approver-"+strconv.Itoa(i+1), entry.Approver.ID)
	}
}

func TestDecide_RejectionTerminatesImmediately(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 3))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	sub, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
	})
	require.NoError(t, err)

	comments := "missing safety certificate"
	sub, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(2),
		Decision:     repository.DecisionRejected,
		Comments:     &comments,
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusRejected, sub.Status)
	require.NotNil(t, sub.RejectedBy)
	assert.Equal(t, "approver-2", *sub.RejectedBy)
	assert.NotNil(t, sub.RejectedAt)

	// No further decision is ever accepted.
	_, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(3),
		Decision:     repository.DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrNotInDecidableState)

	history, err := f.svc.GetApprovalHistory(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	rejections := f.dispatcher.byType(notify.EventSubmissionRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, []string{"user-1"}, rejections[0].Recipients)
	assert.Equal(t, comments, rejections[0].Payload["comments"])
}

func TestDecide_WrongApproverLeavesSubmissionUnchanged(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 2))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	_, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(2), // level 1 is pending
		Decision:     repository.DecisionApproved,
	})
	assert.ErrorIs(t, err, ErrNotAuthorizedApprover)

	after, err := f.svc.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPendingApproval, after.Status)
	assert.Equal(t, 1, after.CurrentLevel)
	assert.Equal(t, sub.Version, after.Version)

	history, err := f.svc.GetApprovalHistory(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDecide_UnknownSubmission(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))

	_, err := f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: "missing",
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
	})
	assert.Error(t, err)
}

func TestDecide_EditedDataMergesWithoutDroppingFields(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
		Data:        map[string]any{"inspector": "Ana", "notes": "all clear"},
	})
	require.NoError(t, err)

	sub, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
		EditedData:   map[string]any{"notes": "corrected by approver"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Ana", sub.Data["inspector"], "untouched field preserved")
	assert.Equal(t, "corrected by approver", sub.Data["notes"])
}

func TestDecide_ConcurrentRace_ExactlyOneWins(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Decide(context.Background(), &DecideRequest{
				SubmissionID: sub.ID,
				Actor:        approverAt(1),
				Decision:     repository.DecisionApproved,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrNotInDecidableState)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent decision must succeed")

	history, err := f.svc.GetApprovalHistory(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "exactly one audit entry")

	after, err := f.svc.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, after.Status)
	assert.Equal(t, 2, after.CurrentLevel, "exactly one state advance")
}

// ── notifications ─────────────────────────────────────────────────────────────

func TestDecide_NextApproverGetsPriorApproverNames(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 3))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	sub, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
	})
	require.NoError(t, err)

	_, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(2),
		Decision:     repository.DecisionApproved,
	})
	require.NoError(t, err)

	events := f.dispatcher.byType(notify.EventApprovalRequired)
	// creation → approver-1, level 1 approval → approver-2, level 2 → approver-3
	require.Len(t, events, 3)

	assert.Equal(t, []string{"approver-2"}, events[1].Recipients)
	assert.Equal(t, []string{"Approver 1"}, events[1].Payload["prior_approvers"])

	assert.Equal(t, []string{"approver-3"}, events[2].Recipients)
	assert.Equal(t, []string{"Approver 1", "Approver 2"}, events[2].Payload["prior_approvers"])
}

func TestDecide_FinalApprovalNotifiesSubmitterAndPlantAdmin(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))

	sub, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	_, err = f.svc.Decide(context.Background(), &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
	})
	require.NoError(t, err)

	events := f.dispatcher.byType(notify.EventSubmissionApproved)
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"user-1", "plant-admin"}, events[0].Recipients)
	assert.NotEmpty(t, events[0].Payload["history"])
}

func TestNotificationPayload_OnlyFlaggedFieldsIncluded(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))

	_, err := f.svc.CreateSubmission(context.Background(), &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
		Data:        map[string]any{"inspector": "Ana", "notes": "confidential"},
	})
	require.NoError(t, err)

	events := f.dispatcher.byType(notify.EventApprovalRequired)
	require.Len(t, events, 1)

	fields, ok := events[0].Payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ana", fields["inspector"])
	_, leaked := fields["notes"]
	assert.False(t, leaked, "unflagged field must not appear in notification payload")
}

// ── cache consistency ─────────────────────────────────────────────────────────

func TestListSubmissions_CachedThenInvalidatedByDecision(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	company := "company-1"
	filter := repository.SubmissionFilter{CompanyID: &company}

	items, total, err := f.svc.ListSubmissions(ctx, filter, 1, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), total)
	assert.Greater(t, f.cache.Len(), 0, "list result should be cached")

	_, err = f.svc.Decide(ctx, &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
	})
	require.NoError(t, err)

	// The approval must have invalidated the tenant's cached list views.
	assert.Equal(t, 0, f.cache.Len(), "decision must invalidate cached list views")

	items, _, err = f.svc.ListSubmissions(ctx, filter, 1, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, repository.StatusApproved, items[0].Status, "post-invalidation read sees the new state")
}

func TestListSubmissions_StatusOnlyViewInvalidatedByDecision(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 1))
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	// A status-only view carries no tenant filter; it still must never serve
	// stale workflow state.
	pending := repository.StatusPendingApproval
	filter := repository.SubmissionFilter{Status: &pending}

	items, _, err := f.svc.ListSubmissions(ctx, filter, 1, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = f.svc.Decide(ctx, &DecideRequest{
		SubmissionID: sub.ID,
		Actor:        approverAt(1),
		Decision:     repository.DecisionApproved,
	})
	require.NoError(t, err)

	items, _, err = f.svc.ListSubmissions(ctx, filter, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, items, "approved submission must drop out of the pending view immediately")
}

func TestArchiveSubmission_SoftArchivesAndDropsFromLists(t *testing.T) {
	f := newWorkflowFixture(t, formWithFlow("form-1", 0))
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, &CreateSubmissionRequest{
		FormID:      "form-1",
		SubmittedBy: "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.ArchiveSubmission(ctx, sub.ID))

	// Still readable directly, gone from list views.
	got, err := f.svc.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)

	items, _, err := f.svc.ListSubmissions(ctx, repository.SubmissionFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}
