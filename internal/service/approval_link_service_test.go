package service

import (
	"context"
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

type linkFixture struct {
	svc        *ApprovalLinkService
	workflow   *WorkflowService
	links      *fakeLinkStore
	store      *fakeStore
	dispatcher *fakeDispatcher
}

func newLinkFixture(t *testing.T, expiry time.Duration, forms ...*repository.Form) *linkFixture {
	t.Helper()

	f := &linkFixture{
		links:      newFakeLinkStore(),
		store:      newFakeStore(),
		dispatcher: &fakeDispatcher{},
	}
	formStore := newFakeFormStore(forms...)
	f.workflow = NewWorkflowService(
		f.store, formStore, f.store,
		AllowAllPlanGate{}, fakeDirectory{adminID: "plant-admin"}, f.dispatcher,
		cache.NewMemoryCache(), time.Minute, logger.Nop(),
	)
	f.svc = NewApprovalLinkService(f.links, formStore, f.workflow, f.dispatcher, expiry, logger.Nop())
	return f
}

func issuer() Actor {
	return Actor{ID: "admin-1", Name: "Admin", CompanyID: "company-1"}
}

func TestIssue_ThenResolveRoundTrip(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0), formWithFlow("form-b", 0))
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, []string{"form-a", "form-b"}, "vendor@example.com", issuer())
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	assert.Len(t, issued.Token, 64, "256-bit hex token")
	assert.WithinDuration(t, time.Now().Add(time.Hour), issued.ExpiresAt, time.Minute)

	events := f.dispatcher.byType(notify.EventApprovalLinkIssued)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"vendor@example.com"}, events[0].Recipients)
	assert.Equal(t, issued.Token, events[0].Payload["token"])

	resolved, err := f.svc.Resolve(ctx, issued.Token)
	require.NoError(t, err)
	assert.Len(t, resolved.Forms, 2)
	assert.Empty(t, resolved.CompletedFormIDs)
	assert.Equal(t, "vendor@example.com", resolved.ApproverEmail)
}

func TestIssue_RejectsUnpublishedForm(t *testing.T) {
	unpublished := formWithFlow("form-b", 0)
	unpublished.IsPublished = false
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0), unpublished)

	_, err := f.svc.Issue(context.Background(), []string{"form-a", "form-b"}, "vendor@example.com", issuer())
	assert.Error(t, err)
}

func TestComplete_MultiFormSequence(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0), formWithFlow("form-b", 0))
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, []string{"form-a", "form-b"}, "vendor@example.com", issuer())
	require.NoError(t, err)

	first, err := f.svc.Complete(ctx, issued.Token, "form-a", map[string]any{"inspector": "Vera"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.SubmissionID)
	assert.Equal(t, 1, first.CompletedCount)
	assert.Equal(t, 2, first.TotalForms)
	assert.False(t, first.AllFormsCompleted)

	// The submission was created through the regular path, attributed to the
	// link's approver.
	sub, err := f.workflow.GetSubmission(ctx, first.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "vendor@example.com", sub.SubmittedBy)
	assert.Equal(t, "Vera", sub.Data["inspector"])

	// The partially completed link stays resolvable.
	resolved, err := f.svc.Resolve(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"form-a"}, resolved.CompletedFormIDs)

	second, err := f.svc.Complete(ctx, issued.Token, "form-b", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.CompletedCount)
	assert.True(t, second.AllFormsCompleted)

	// Fully used links stop resolving.
	_, err = f.svc.Resolve(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrLinkInvalid)
}

func TestComplete_SameFormTwice(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0), formWithFlow("form-b", 0))
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, []string{"form-a", "form-b"}, "vendor@example.com", issuer())
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, issued.Token, "form-a", nil)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, issued.Token, "form-a", nil)
	assert.ErrorIs(t, err, ErrFormAlreadyCompleted)
}

func TestComplete_FormNotOnLink(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0), formWithFlow("form-b", 0))
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, []string{"form-a"}, "vendor@example.com", issuer())
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, issued.Token, "form-b", nil)
	assert.ErrorIs(t, err, ErrFormNotInLink)
}

func TestExpiredLink_EvenWhenUnused(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0))
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, []string{"form-a"}, "vendor@example.com", issuer())
	require.NoError(t, err)

	// Force the stored link past its expiry without marking it used.
	f.links.mu.Lock()
	f.links.links[issued.Token].ExpiresAt = time.Now().Add(-time.Minute)
	f.links.mu.Unlock()

	_, err = f.svc.Resolve(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrLinkExpired)

	_, err = f.svc.Complete(ctx, issued.Token, "form-a", nil)
	assert.ErrorIs(t, err, ErrLinkExpired)
}

func TestComplete_ConcurrentRace_ExactlyOneWins(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0), formWithFlow("form-b", 0))
	ctx := context.Background()

	issued, err := f.svc.Issue(ctx, []string{"form-a", "form-b"}, "vendor@example.com", issuer())
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make([]*CompletionResult, racers)
	errs := make([]error, racers)

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Complete(ctx, issued.Token, "form-a", nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := range errs {
		if errs[i] == nil {
			wins++
			assert.Equal(t, 1, results[i].CompletedCount)
			assert.False(t, results[i].AllFormsCompleted)
		} else {
			assert.ErrorIs(t, errs[i], ErrFormAlreadyCompleted)
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent completion must count")

	// The completed set advanced exactly once and the link stays usable for
	// the remaining form.
	resolved, err := f.svc.Resolve(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{"form-a"}, resolved.CompletedFormIDs)
}

func TestListIssued(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0))
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, []string{"form-a"}, "one@example.com", issuer())
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, []string{"form-a"}, "two@example.com", issuer())
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, []string{"form-a"}, "three@example.com", Actor{ID: "other-admin"})
	require.NoError(t, err)

	mine, err := f.svc.ListIssued(ctx, issuer())
	require.NoError(t, err)
	assert.Len(t, mine, 2, "only the caller's links are listed")
}

func TestUnknownToken(t *testing.T) {
	f := newLinkFixture(t, time.Hour, formWithFlow("form-a", 0))

	_, err := f.svc.Resolve(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrLinkInvalid)

	_, err = f.svc.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrLinkInvalid)

	_, err = f.svc.Complete(context.Background(), "no-such-token", "form-a", nil)
	assert.ErrorIs(t, err, ErrLinkInvalid)
}
