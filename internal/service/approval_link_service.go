package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/formpilot/be-form-approvals/internal/notify"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
	"github.com/formpilot/be-form-approvals/internal/platform/logger"
	"github.com/formpilot/be-form-approvals/internal/repository"
)

// ApprovalLinkService is the token approval channel: a plant admin issues a
// time-boxed secret link, an anonymous holder of the token resolves it and
// completes forms through the same submission-initialization path as the
// authenticated flow.
type ApprovalLinkService struct {
	links      LinkStore
	forms      FormStore
	workflow   *WorkflowService
	dispatcher Dispatcher
	linkExpiry time.Duration
	log        *logger.Logger
}

// NewApprovalLinkService creates a new ApprovalLinkService. linkExpiry
// defaults to 48 hours.
func NewApprovalLinkService(
	links LinkStore,
	forms FormStore,
	workflow *WorkflowService,
	dispatcher Dispatcher,
	linkExpiry time.Duration,
	log *logger.Logger,
) *ApprovalLinkService {
	if linkExpiry <= 0 {
		linkExpiry = 48 * time.Hour
	}
	return &ApprovalLinkService{
		links:      links,
		forms:      forms,
		workflow:   workflow,
		dispatcher: dispatcher,
		linkExpiry: linkExpiry,
		log:        log,
	}
}

// ── Issue ─────────────────────────────────────────────────────────────────────

// IssuedLink is the caller-facing result of Issue.
type IssuedLink struct {
	Token     string
	ExpiresAt time.Time
}

// Issue creates an approval link covering formIDs for an external approver.
// Every form must exist and be published.
func (s *ApprovalLinkService) Issue(ctx context.Context, formIDs []string, approverEmail string, issuedBy Actor) (*IssuedLink, error) {
	if len(formIDs) == 0 {
		return nil, errors.InvalidInput("form_ids", "at least one form is required")
	}
	if approverEmail == "" {
		return nil, errors.InvalidInput("approver_email", "approver email is required")
	}

	forms, err := s.forms.GetPublishedByIDs(ctx, formIDs)
	if err != nil {
		return nil, err
	}
	if len(forms) != len(formIDs) {
		return nil, errors.InvalidInput("form_ids", "all forms must exist and be published")
	}

	token, err := newLinkToken()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate link token")
	}

	link := &repository.ApprovalLink{
		Token:         token,
		ApproverEmail: approverEmail,
		FormIDs:       formIDs,
		ExpiresAt:     time.Now().UTC().Add(s.linkExpiry),
		CreatedBy:     issuedBy.ID,
	}

	if err := s.links.Create(ctx, link); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("link_id", link.ID).
		Str("approver_email", approverEmail).
		Int("form_count", len(formIDs)).
		Time("expires_at", link.ExpiresAt).
		Msg("Approval link issued")

	s.dispatcher.Dispatch(notify.Event{
		Type:         notify.EventApprovalLinkIssued,
		CompanyID:    forms[0].CompanyID,
		PlantID:      forms[0].PlantID,
		ActorID:      issuedBy.ID,
		Recipients:   []string{approverEmail},
		ResourceType: "approval_link",
		ResourceID:   link.ID,
		Payload: map[string]any{
			"token":      link.Token,
			"expires_at": link.ExpiresAt,
			"form_count": len(formIDs),
		},
	})

	return &IssuedLink{Token: link.Token, ExpiresAt: link.ExpiresAt}, nil
}

// newLinkToken returns a 256-bit hex token from the OS CSPRNG.
func newLinkToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// ListIssued returns the links the actor has issued, newest first. Tokens
// are included so an admin can re-send a link that never arrived.
func (s *ApprovalLinkService) ListIssued(ctx context.Context, issuedBy Actor) ([]*repository.ApprovalLink, error) {
	return s.links.ListByCreator(ctx, issuedBy.ID)
}

// ── Resolve ───────────────────────────────────────────────────────────────────

// ResolvedLink is the caller-facing view of a usable link.
type ResolvedLink struct {
	Forms            []*repository.Form
	CompletedFormIDs []string
	ApproverEmail    string
	ExpiresAt        time.Time
}

// Resolve returns the link's forms if the link is still usable. A used link
// is LinkInvalid; a past-expiry link is LinkExpired regardless of use state.
func (s *ApprovalLinkService) Resolve(ctx context.Context, token string) (*ResolvedLink, error) {
	link, err := s.usableLink(ctx, token)
	if err != nil {
		return nil, err
	}

	forms, err := s.forms.GetPublishedByIDs(ctx, link.FormIDs)
	if err != nil {
		return nil, err
	}

	return &ResolvedLink{
		Forms:            forms,
		CompletedFormIDs: link.CompletedFormIDs,
		ApproverEmail:    link.ApproverEmail,
		ExpiresAt:        link.ExpiresAt,
	}, nil
}

// ── Complete ──────────────────────────────────────────────────────────────────

// CompletionResult reports a multi-form link's progress after one completion.
type CompletionResult struct {
	SubmissionID      string
	CompletedCount    int
	TotalForms        int
	AllFormsCompleted bool
}

// Complete submits data for one form on the link. The submission is created
// exactly as the authenticated path creates it, with the approver's email
// recorded as submitter. The completed-set append is a compare-and-swap on
// the link, so concurrent completions cannot double-count.
func (s *ApprovalLinkService) Complete(ctx context.Context, token, formID string, data map[string]any) (*CompletionResult, error) {
	link, err := s.usableLink(ctx, token)
	if err != nil {
		return nil, err
	}

	if !link.Contains(formID) {
		return nil, ErrFormNotInLink
	}
	if link.Completed(formID) {
		return nil, ErrFormAlreadyCompleted
	}

	sub, err := s.workflow.CreateSubmission(ctx, &CreateSubmissionRequest{
		FormID:      formID,
		SubmittedBy: link.ApproverEmail,
		Data:        data,
	})
	if err != nil {
		return nil, err
	}

	if err := s.links.CompleteForm(ctx, link, formID); err != nil {
		// The submission exists either way; surface the conflict so the
		// caller re-resolves the link.
		if errors.IsCode(err, errors.ErrCodeConflict) {
			return nil, ErrFormAlreadyCompleted
		}
		return nil, err
	}

	s.log.Info().
		Str("link_id", link.ID).
		Str("form_id", formID).
		Str("submission_id", sub.ID).
		Int("completed", len(link.CompletedFormIDs)).
		Int("total", len(link.FormIDs)).
		Bool("link_used", link.IsUsed).
		Msg("Approval link form completed")

	return &CompletionResult{
		SubmissionID:      sub.ID,
		CompletedCount:    len(link.CompletedFormIDs),
		TotalForms:        len(link.FormIDs),
		AllFormsCompleted: link.IsUsed,
	}, nil
}

// usableLink loads a link and applies the shared usability checks.
func (s *ApprovalLinkService) usableLink(ctx context.Context, token string) (*repository.ApprovalLink, error) {
	if token == "" {
		return nil, ErrLinkInvalid
	}

	link, err := s.links.GetByToken(ctx, token)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, ErrLinkInvalid
		}
		return nil, err
	}

	if time.Now().After(link.ExpiresAt) {
		return nil, ErrLinkExpired
	}
	if link.IsUsed {
		return nil, ErrLinkInvalid
	}
	return link, nil
}
