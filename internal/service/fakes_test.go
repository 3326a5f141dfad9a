package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/formpilot/be-form-approvals/internal/notify"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
	"github.com/formpilot/be-form-approvals/internal/repository"
)

// In-memory fakes standing in for the pgx repositories. The submission fake
// reproduces the storage layer's compare-and-swap semantics under a mutex so
// concurrency tests exercise the same winner/loser behavior as Postgres.

type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	subs    map[string]*repository.Submission
	history map[string][]*repository.ApprovalHistoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:    make(map[string]*repository.Submission),
		history: make(map[string][]*repository.ApprovalHistoryEntry),
	}
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return prefix + "-" + strconv.Itoa(s.nextID)
}

func copySubmission(sub *repository.Submission) *repository.Submission {
	cp := *sub
	if sub.Data != nil {
		cp.Data = make(map[string]any, len(sub.Data))
		for k, v := range sub.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

func (s *fakeStore) Create(_ context.Context, sub *repository.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.ID = s.id("sub")
	sub.Version = 1
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	s.subs[sub.ID] = copySubmission(sub)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*repository.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, errors.NotFound("submission", id)
	}
	return copySubmission(sub), nil
}

func (s *fakeStore) List(_ context.Context, filter repository.SubmissionFilter, limit, offset int) ([]*repository.Submission, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*repository.Submission
	for _, sub := range s.subs {
		if sub.ArchivedAt != nil {
			continue
		}
		if filter.CompanyID != nil && sub.CompanyID != *filter.CompanyID {
			continue
		}
		if filter.PlantID != nil && sub.PlantID != *filter.PlantID {
			continue
		}
		if filter.FormID != nil && sub.FormID != *filter.FormID {
			continue
		}
		if filter.Status != nil && sub.Status != *filter.Status {
			continue
		}
		items = append(items, copySubmission(sub))
	}
	return items, int64(len(items)), nil
}

func (s *fakeStore) ListPendingForApprover(context.Context, string, string) ([]*repository.Submission, error) {
	return nil, nil
}

func (s *fakeStore) HasPendingForForm(_ context.Context, formID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.FormID == formID && sub.Status == repository.StatusPendingApproval {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ApplyDecision(_ context.Context, sub *repository.Submission, entry *repository.ApprovalHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subs[sub.ID]
	if !ok {
		return errors.NotFound("submission", sub.ID)
	}
	if stored.Version != sub.Version || stored.Status != repository.StatusPendingApproval {
		return errors.New(errors.ErrCodeConflict,
			"submission was modified concurrently or is no longer pending approval")
	}

	sub.Version++
	sub.UpdatedAt = time.Now()
	s.subs[sub.ID] = copySubmission(sub)

	entry.ID = s.id("hist")
	entry.PerformedAt = time.Now()
	s.history[sub.ID] = append(s.history[sub.ID], entry)
	return nil
}

func (s *fakeStore) PromoteDraft(_ context.Context, sub *repository.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subs[sub.ID]
	if !ok {
		return errors.NotFound("submission", sub.ID)
	}
	if stored.Version != sub.Version || stored.Status != repository.StatusDraft {
		return errors.New(errors.ErrCodeConflict, "submission is no longer a draft")
	}

	sub.Version++
	sub.UpdatedAt = time.Now()
	s.subs[sub.ID] = copySubmission(sub)
	return nil
}

func (s *fakeStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return errors.NotFound("submission", id)
	}
	now := time.Now()
	sub.ArchivedAt = &now
	return nil
}

func (s *fakeStore) DeleteDraft(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || sub.Status != repository.StatusDraft {
		return errors.New(errors.ErrCodeConflict, "only draft submissions can be deleted")
	}
	delete(s.subs, id)
	return nil
}

func (s *fakeStore) GetBySubmissionID(_ context.Context, submissionID string) ([]*repository.ApprovalHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*repository.ApprovalHistoryEntry, len(s.history[submissionID]))
	copy(entries, s.history[submissionID])
	return entries, nil
}

// ── forms ─────────────────────────────────────────────────────────────────────

type fakeFormStore struct {
	nextID int
	forms  map[string]*repository.Form
}

func newFakeFormStore(forms ...*repository.Form) *fakeFormStore {
	s := &fakeFormStore{forms: make(map[string]*repository.Form)}
	for _, f := range forms {
		s.forms[f.ID] = f
	}
	return s
}

func (s *fakeFormStore) GetByID(_ context.Context, id string) (*repository.Form, error) {
	form, ok := s.forms[id]
	if !ok {
		return nil, errors.NotFound("form", id)
	}
	return form, nil
}

func (s *fakeFormStore) Create(_ context.Context, form *repository.Form) error {
	s.nextID++
	form.ID = "form-" + strconv.Itoa(s.nextID)
	form.CreatedAt = time.Now()
	form.UpdatedAt = form.CreatedAt
	s.forms[form.ID] = form
	return nil
}

func (s *fakeFormStore) ListByPlant(_ context.Context, plantID string, publishedOnly bool) ([]*repository.Form, error) {
	var out []*repository.Form
	for _, form := range s.forms {
		if form.PlantID != plantID {
			continue
		}
		if publishedOnly && !form.IsPublished {
			continue
		}
		out = append(out, form)
	}
	return out, nil
}

func (s *fakeFormStore) SetPublished(_ context.Context, id string, published bool) error {
	form, ok := s.forms[id]
	if !ok {
		return errors.NotFound("form", id)
	}
	form.IsPublished = published
	return nil
}

func (s *fakeFormStore) UpdateFlow(_ context.Context, id string, flow []repository.ApprovalLevel) error {
	form, ok := s.forms[id]
	if !ok {
		return errors.NotFound("form", id)
	}
	form.Flow = flow
	return nil
}

func (s *fakeFormStore) GetPublishedByIDs(_ context.Context, ids []string) ([]*repository.Form, error) {
	var out []*repository.Form
	for _, id := range ids {
		if form, ok := s.forms[id]; ok && form.IsPublished {
			out = append(out, form)
		}
	}
	return out, nil
}

// ── links ─────────────────────────────────────────────────────────────────────

type fakeLinkStore struct {
	mu     sync.Mutex
	nextID int
	links  map[string]*repository.ApprovalLink
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{links: make(map[string]*repository.ApprovalLink)}
}

func copyLink(link *repository.ApprovalLink) *repository.ApprovalLink {
	cp := *link
	cp.FormIDs = append([]string(nil), link.FormIDs...)
	cp.CompletedFormIDs = append([]string(nil), link.CompletedFormIDs...)
	return &cp
}

func (s *fakeLinkStore) Create(_ context.Context, link *repository.ApprovalLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	link.ID = "link-" + strconv.Itoa(s.nextID)
	link.Version = 1
	link.CreatedAt = time.Now()
	s.links[link.Token] = copyLink(link)
	return nil
}

func (s *fakeLinkStore) GetByToken(_ context.Context, token string) (*repository.ApprovalLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[token]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "approval link not found")
	}
	return copyLink(link), nil
}

func (s *fakeLinkStore) CompleteForm(_ context.Context, link *repository.ApprovalLink, formID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.links[link.Token]
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "approval link not found")
	}
	if stored.Version != link.Version || stored.IsUsed || stored.Completed(formID) ||
		time.Now().After(stored.ExpiresAt) {
		return errors.New(errors.ErrCodeConflict,
			"approval link was modified concurrently or is no longer usable")
	}

	stored.CompletedFormIDs = append(stored.CompletedFormIDs, formID)
	stored.IsUsed = len(stored.CompletedFormIDs) >= len(stored.FormIDs)
	stored.Version++

	link.CompletedFormIDs = append([]string(nil), stored.CompletedFormIDs...)
	link.IsUsed = stored.IsUsed
	link.Version = stored.Version
	return nil
}

func (s *fakeLinkStore) ListByCreator(_ context.Context, createdBy string) ([]*repository.ApprovalLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalLink
	for _, link := range s.links {
		if link.CreatedBy == createdBy {
			out = append(out, copyLink(link))
		}
	}
	return out, nil
}

// ── collaborators ─────────────────────────────────────────────────────────────

type fakeDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *fakeDispatcher) Dispatch(event notify.Event) {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
}

func (d *fakeDispatcher) byType(t notify.EventType) []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []notify.Event
	for _, e := range d.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeDirectory struct {
	adminID string
}

func (d fakeDirectory) GetPlantAdmin(context.Context, string) (string, error) {
	return d.adminID, nil
}

type denyingPlanGate struct{}

func (denyingPlanGate) CanCreateSubmission(context.Context, string) (bool, error) {
	return false, nil
}
