package service

import (
	"context"

	"github.com/formpilot/be-form-approvals/internal/notify"
	"github.com/formpilot/be-form-approvals/internal/repository"
)

// Collaborator interfaces consumed by the workflow services. The pgx
// repositories satisfy the store interfaces; tests substitute in-memory
// implementations.

// SubmissionStore persists submissions and their workflow transitions.
type SubmissionStore interface {
	Create(ctx context.Context, sub *repository.Submission) error
	GetByID(ctx context.Context, id string) (*repository.Submission, error)
	List(ctx context.Context, filter repository.SubmissionFilter, limit, offset int) ([]*repository.Submission, int64, error)
	ListPendingForApprover(ctx context.Context, companyID, approverID string) ([]*repository.Submission, error)
	ApplyDecision(ctx context.Context, sub *repository.Submission, entry *repository.ApprovalHistoryEntry) error
	PromoteDraft(ctx context.Context, sub *repository.Submission) error
	Archive(ctx context.Context, id string) error
	DeleteDraft(ctx context.Context, id string) error
}

// FormStore resolves forms and their approval flow definitions.
type FormStore interface {
	GetByID(ctx context.Context, id string) (*repository.Form, error)
	GetPublishedByIDs(ctx context.Context, ids []string) ([]*repository.Form, error)
}

// HistoryStore reads the append-only approval ledger.
type HistoryStore interface {
	GetBySubmissionID(ctx context.Context, submissionID string) ([]*repository.ApprovalHistoryEntry, error)
}

// LinkStore persists token approval links.
type LinkStore interface {
	Create(ctx context.Context, link *repository.ApprovalLink) error
	GetByToken(ctx context.Context, token string) (*repository.ApprovalLink, error)
	CompleteForm(ctx context.Context, link *repository.ApprovalLink, formID string) error
	ListByCreator(ctx context.Context, createdBy string) ([]*repository.ApprovalLink, error)
}

// Dispatcher accepts notification events for asynchronous fan-out.
type Dispatcher interface {
	Dispatch(event notify.Event)
}

// PlanGate answers whether a company's subscription allows creating another
// submission. Consulted before any submission is created; the real
// implementation lives in the subscriptions service.
type PlanGate interface {
	CanCreateSubmission(ctx context.Context, companyID string) (bool, error)
}

// AllowAllPlanGate is the default gate used when no subscription service is
// wired.
type AllowAllPlanGate struct{}

func (AllowAllPlanGate) CanCreateSubmission(context.Context, string) (bool, error) {
	return true, nil
}

// Directory resolves notification recipients that are not on the submission
// itself, such as the owning plant's administrator.
type Directory interface {
	GetPlantAdmin(ctx context.Context, plantID string) (string, error)
}

// Actor is the already-authenticated identity performing an operation.
// Authentication itself is external; only the resolved identity is consumed
// here.
type Actor struct {
	ID        string
	Name      string
	Email     string
	CompanyID string
	Roles     []string
}

// HasRole reports whether the actor holds the named role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Ref converts the actor to the canonical approver reference persisted in
// ledger entries.
func (a Actor) Ref() repository.ApproverRef {
	return repository.ApproverRef{ID: a.ID, Name: a.Name, Email: a.Email}
}
