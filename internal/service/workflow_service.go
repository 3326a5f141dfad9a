package service

import (
	"context"
	"strconv"
	"time"

	"github.com/formpilot/be-form-approvals/internal/cache"
	"github.com/formpilot/be-form-approvals/internal/notify"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
	"github.com/formpilot/be-form-approvals/internal/platform/logger"
	"github.com/formpilot/be-form-approvals/internal/repository"
)

// roleApprover is the generic capability that authorizes decisions on
// submissions whose form has no configured flow.
const roleApprover = "approver"

// WorkflowService drives the sequential multi-level approval workflow: it
// computes initial submission state, enforces who may decide at the current
// level, applies decisions through the storage layer's compare-and-swap,
// appends the audit ledger, fans out notifications and keeps the read cache
// consistent with every transition.
type WorkflowService struct {
	submissions SubmissionStore
	forms       FormStore
	history     HistoryStore
	planGate    PlanGate
	directory   Directory
	dispatcher  Dispatcher
	cache       cache.Cache
	cacheTTL    time.Duration
	log         *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	submissions SubmissionStore,
	forms FormStore,
	history HistoryStore,
	planGate PlanGate,
	directory Directory,
	dispatcher Dispatcher,
	c cache.Cache,
	cacheTTL time.Duration,
	log *logger.Logger,
) *WorkflowService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &WorkflowService{
		submissions: submissions,
		forms:       forms,
		history:     history,
		planGate:    planGate,
		directory:   directory,
		dispatcher:  dispatcher,
		cache:       c,
		cacheTTL:    cacheTTL,
		log:         log,
	}
}

// ── Submission creation ───────────────────────────────────────────────────────

// CreateSubmissionRequest carries a new submission's inputs. SubmittedBy is
// the canonical identity reference, or a bare email when the submission
// arrives through an approval link.
type CreateSubmissionRequest struct {
	FormID      string
	SubmittedBy string
	Data        map[string]any
	AsDraft     bool
}

// CreateSubmission creates a submission against the form's approval flow.
// With an empty flow the submission is approved immediately; otherwise it
// enters pending_approval at level 1 and the level-1 approver is notified.
func (s *WorkflowService) CreateSubmission(ctx context.Context, req *CreateSubmissionRequest) (*repository.Submission, error) {
	if req.FormID == "" {
		return nil, errors.InvalidInput("form_id", "form id is required")
	}
	if req.SubmittedBy == "" {
		return nil, errors.InvalidInput("submitted_by", "submitter is required")
	}

	form, err := s.forms.GetByID(ctx, req.FormID)
	if err != nil {
		return nil, err
	}
	if !form.IsPublished {
		return nil, errors.InvalidInput("form_id", "form is not published")
	}

	allowed, err := s.planGate.CanCreateSubmission(ctx, form.CompanyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check plan limits")
	}
	if !allowed {
		return nil, ErrPlanLimitReached
	}

	sub := &repository.Submission{
		FormID:      form.ID,
		CompanyID:   form.CompanyID,
		PlantID:     form.PlantID,
		SubmittedBy: req.SubmittedBy,
		Data:        req.Data,
	}

	if req.AsDraft {
		sub.Status = repository.StatusDraft
		sub.CurrentLevel = 0
	} else {
		applyInitialState(sub, form.Flow)
	}

	if err := s.submissions.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("submission_id", sub.ID).
		Str("form_id", form.ID).
		Str("status", string(sub.Status)).
		Int("flow_levels", len(form.Flow)).
		Str("submitted_by", req.SubmittedBy).
		Msg("Submission created")

	if !req.AsDraft {
		s.notifyInitial(form, sub)
	}
	s.invalidateViews(ctx, sub.CompanyID, sub.PlantID)

	return sub, nil
}

// SubmitDraft moves a draft into the workflow using the same initial-state
// rules as direct creation. Only the submitter may submit their draft.
func (s *WorkflowService) SubmitDraft(ctx context.Context, submissionID string, actor Actor) (*repository.Submission, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != repository.StatusDraft {
		return nil, errors.New(errors.ErrCodeConflict, "submission is not a draft")
	}
	if sub.SubmittedBy != actor.ID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the submitter can submit their draft")
	}

	form, err := s.forms.GetByID(ctx, sub.FormID)
	if err != nil {
		return nil, err
	}

	applyInitialState(sub, form.Flow)

	if err := s.submissions.PromoteDraft(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("submission_id", sub.ID).
		Str("status", string(sub.Status)).
		Msg("Draft submitted")

	s.notifyInitial(form, sub)
	s.invalidateViews(ctx, sub.CompanyID, sub.PlantID)

	return sub, nil
}

// applyInitialState sets the canonical initial status and level.
// The terminal-level sentinel is always len(flow)+1: a zero-level flow
// auto-approves at level 1, an N-level flow starts pending at level 1 and
// terminates at N+1.
func applyInitialState(sub *repository.Submission, flow []repository.ApprovalLevel) {
	if len(flow) == 0 {
		now := time.Now().UTC()
		sub.Status = repository.StatusApproved
		sub.CurrentLevel = 1
		sub.ApprovedAt = &now
		return
	}
	sub.Status = repository.StatusPendingApproval
	sub.CurrentLevel = 1
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecideRequest carries one approve/reject decision.
type DecideRequest struct {
	SubmissionID string
	Actor        Actor
	Decision     repository.Decision
	Comments     *string
	// EditedData, when present, is merged into the submission's data. Fields
	// the approver did not touch are preserved.
	EditedData map[string]any
}

// Decide applies one decision at the submission's current level. Exactly one
// of two concurrent calls at the same level succeeds; the loser observes the
// post-transition state via the storage compare-and-swap and fails its
// precondition.
func (s *WorkflowService) Decide(ctx context.Context, req *DecideRequest) (*repository.Submission, error) {
	if req.Decision != repository.DecisionApproved && req.Decision != repository.DecisionRejected {
		return nil, errors.InvalidInput("decision", "decision must be approved or rejected")
	}

	sub, err := s.submissions.GetByID(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != repository.StatusPendingApproval {
		return nil, ErrNotInDecidableState
	}

	form, err := s.forms.GetByID(ctx, sub.FormID)
	if err != nil {
		return nil, err
	}

	if err := s.authorize(sub, form, req.Actor); err != nil {
		return nil, err
	}

	if len(req.EditedData) > 0 {
		sub.Data = mergeData(sub.Data, req.EditedData)
	}

	decidedLevel := sub.CurrentLevel
	entry := &repository.ApprovalHistoryEntry{
		SubmissionID: sub.ID,
		Level:        decidedLevel,
		Approver:     req.Actor.Ref(),
		Decision:     req.Decision,
		Comments:     req.Comments,
	}

	now := time.Now().UTC()
	completed := false

	if req.Decision == repository.DecisionRejected {
		sub.Status = repository.StatusRejected
		sub.RejectedAt = &now
		rejectedBy := req.Actor.ID
		sub.RejectedBy = &rejectedBy
	} else if next := form.LevelAt(decidedLevel + 1); next != nil {
		sub.CurrentLevel = decidedLevel + 1
	} else {
		sub.Status = repository.StatusApproved
		sub.CurrentLevel = len(form.Flow) + 1
		sub.ApprovedAt = &now
		approvedBy := req.Actor.ID
		sub.ApprovedBy = &approvedBy
		completed = true
	}

	if err := s.submissions.ApplyDecision(ctx, sub, entry); err != nil {
		if errors.IsCode(err, errors.ErrCodeConflict) {
			return nil, ErrNotInDecidableState
		}
		return nil, err
	}

	s.log.Info().
		Str("submission_id", sub.ID).
		Str("decision", string(req.Decision)).
		Int("level", decidedLevel).
		Str("decided_by", req.Actor.ID).
		Str("status", string(sub.Status)).
		Msg("Decision recorded")

	switch {
	case req.Decision == repository.DecisionRejected:
		s.notifyRejected(form, sub, req.Comments)
	case completed:
		s.notifyApproved(ctx, form, sub)
	default:
		s.notifyNextLevel(ctx, form, sub)
	}
	s.invalidateViews(ctx, sub.CompanyID, sub.PlantID)

	return sub, nil
}

// authorize is the authorization gate: only the flow entry's approver at the
// submission's current level may decide. With an empty flow any holder of
// the generic approver role in the submission's company is entitled.
func (s *WorkflowService) authorize(sub *repository.Submission, form *repository.Form, actor Actor) error {
	if len(form.Flow) == 0 {
		if actor.CompanyID == sub.CompanyID && actor.HasRole(roleApprover) {
			return nil
		}
		return ErrNotAuthorizedApprover
	}

	level := form.LevelAt(sub.CurrentLevel)
	if level == nil {
		return ErrNoApproverForLevel
	}
	if !level.Approver.Is(actor.ID) {
		return ErrNotAuthorizedApprover
	}
	return nil
}

// mergeData overlays edited onto existing without dropping untouched fields.
func mergeData(existing, edited map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(edited))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range edited {
		merged[k] = v
	}
	return merged
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetSubmission retrieves a submission by ID.
func (s *WorkflowService) GetSubmission(ctx context.Context, id string) (*repository.Submission, error) {
	return s.submissions.GetByID(ctx, id)
}

// GetApprovalHistory returns the submission's audit ledger, oldest first.
func (s *WorkflowService) GetApprovalHistory(ctx context.Context, submissionID string) ([]*repository.ApprovalHistoryEntry, error) {
	if _, err := s.submissions.GetByID(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.history.GetBySubmissionID(ctx, submissionID)
}

type submissionPage struct {
	Items []*repository.Submission `json:"items"`
	Total int64                    `json:"total"`
}

// ListSubmissions lists submissions with filtering and pagination, served
// through the read cache. Cache failures fall through to the database.
func (s *WorkflowService) ListSubmissions(ctx context.Context, filter repository.SubmissionFilter, page, pageSize int) ([]*repository.Submission, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	key := cache.Key("submissions", listParams(filter, page, pageSize))

	var cached submissionPage
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache: read failed, falling back to database")
	} else if hit {
		return cached.Items, cached.Total, nil
	}

	items, total, err := s.submissions.List(ctx, filter, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}

	if err := s.cache.Set(ctx, key, submissionPage{Items: items, Total: total}, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache: write failed")
	}

	return items, total, nil
}

// ListPendingApprovals returns the submissions currently waiting on the
// actor, served through the read cache.
func (s *WorkflowService) ListPendingApprovals(ctx context.Context, actor Actor) ([]*repository.Submission, error) {
	key := cache.Key("pending_approvals", map[string]string{
		"company":  actor.CompanyID,
		"approver": actor.ID,
	})

	var cached []*repository.Submission
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache: read failed, falling back to database")
	} else if hit {
		return cached, nil
	}

	items, err := s.submissions.ListPendingForApprover(ctx, actor.CompanyID, actor.ID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, items, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache: write failed")
	}

	return items, nil
}

// ArchiveSubmission soft-archives a submission. Submissions past draft are
// never hard-deleted.
func (s *WorkflowService) ArchiveSubmission(ctx context.Context, id string) error {
	sub, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if sub.Status == repository.StatusDraft {
		err = s.submissions.DeleteDraft(ctx, id)
	} else {
		err = s.submissions.Archive(ctx, id)
	}
	if err != nil {
		return err
	}

	s.log.Info().
		Str("submission_id", id).
		Str("status", string(sub.Status)).
		Msg("Submission archived")

	s.invalidateViews(ctx, sub.CompanyID, sub.PlantID)
	return nil
}

// listParams always emits company and plant segments ("all" when the filter
// leaves them open) so every list key is reachable by invalidation patterns.
func listParams(filter repository.SubmissionFilter, page, pageSize int) map[string]string {
	params := map[string]string{
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(pageSize),
		"company":   "all",
		"plant":     "all",
	}
	if filter.CompanyID != nil {
		params["company"] = *filter.CompanyID
	}
	if filter.PlantID != nil {
		params["plant"] = *filter.PlantID
	}
	if filter.FormID != nil {
		params["form"] = *filter.FormID
	}
	if filter.Status != nil {
		params["status"] = string(*filter.Status)
	}
	return params
}

// ── Notifications ─────────────────────────────────────────────────────────────

// notifyInitial fans out the post-creation notification: the level-1 approver
// for pending submissions, the submitter for auto-approved ones.
func (s *WorkflowService) notifyInitial(form *repository.Form, sub *repository.Submission) {
	payload := map[string]any{
		"form_title":   form.Title,
		"submitted_by": sub.SubmittedBy,
	}
	if fields := notify.FilterSubmissionData(form.Fields, sub.Data); fields != nil {
		payload["fields"] = fields
	}

	// Receipt to the submitter, regardless of where the flow starts.
	s.dispatcher.Dispatch(notify.Event{
		Type:         notify.EventSubmissionCreated,
		CompanyID:    sub.CompanyID,
		PlantID:      sub.PlantID,
		Recipients:   []string{sub.SubmittedBy},
		ResourceType: "submission",
		ResourceID:   sub.ID,
		Payload:      payload,
	})

	if sub.Status == repository.StatusApproved {
		s.dispatcher.Dispatch(notify.Event{
			Type:         notify.EventSubmissionApproved,
			CompanyID:    sub.CompanyID,
			PlantID:      sub.PlantID,
			Recipients:   []string{sub.SubmittedBy},
			ResourceType: "submission",
			ResourceID:   sub.ID,
			Payload:      payload,
		})
		return
	}

	level := form.LevelAt(1)
	if level == nil {
		return
	}
	s.dispatcher.Dispatch(notify.Event{
		Type:         notify.EventApprovalRequired,
		CompanyID:    sub.CompanyID,
		PlantID:      sub.PlantID,
		ActorID:      sub.SubmittedBy,
		Recipients:   []string{level.Approver.ID},
		ResourceType: "submission",
		ResourceID:   sub.ID,
		Payload:      payload,
	})
}

// notifyNextLevel tells the new current-level approver their turn has come,
// including the ordered names of everyone who approved before them.
func (s *WorkflowService) notifyNextLevel(ctx context.Context, form *repository.Form, sub *repository.Submission) {
	level := form.LevelAt(sub.CurrentLevel)
	if level == nil {
		return
	}

	payload := map[string]any{
		"form_title":      form.Title,
		"submitted_by":    sub.SubmittedBy,
		"level":           sub.CurrentLevel,
		"prior_approvers": s.priorApproverNames(ctx, sub.ID),
	}
	if fields := notify.FilterSubmissionData(form.Fields, sub.Data); fields != nil {
		payload["fields"] = fields
	}

	s.dispatcher.Dispatch(notify.Event{
		Type:         notify.EventApprovalRequired,
		CompanyID:    sub.CompanyID,
		PlantID:      sub.PlantID,
		Recipients:   []string{level.Approver.ID},
		ResourceType: "submission",
		ResourceID:   sub.ID,
		Payload:      payload,
	})
}

// notifyRejected tells the submitter their submission was rejected, with the
// approver's comments.
func (s *WorkflowService) notifyRejected(form *repository.Form, sub *repository.Submission, comments *string) {
	payload := map[string]any{
		"form_title": form.Title,
	}
	if comments != nil {
		payload["comments"] = *comments
	}
	if sub.RejectedBy != nil {
		payload["rejected_by"] = *sub.RejectedBy
	}

	s.dispatcher.Dispatch(notify.Event{
		Type:         notify.EventSubmissionRejected,
		CompanyID:    sub.CompanyID,
		PlantID:      sub.PlantID,
		Recipients:   []string{sub.SubmittedBy},
		ResourceType: "submission",
		ResourceID:   sub.ID,
		Payload:      payload,
	})
}

// notifyApproved tells the submitter and the owning plant's administrator
// that the submission cleared every level, with the full approval history.
func (s *WorkflowService) notifyApproved(ctx context.Context, form *repository.Form, sub *repository.Submission) {
	recipients := []string{sub.SubmittedBy}
	if admin, err := s.directory.GetPlantAdmin(ctx, sub.PlantID); err != nil {
		s.log.Warn().Err(err).
			Str("plant_id", sub.PlantID).
			Msg("notification: could not resolve plant admin")
	} else if admin != "" && admin != sub.SubmittedBy {
		recipients = append(recipients, admin)
	}

	history := make([]map[string]any, 0)
	if entries, err := s.history.GetBySubmissionID(ctx, sub.ID); err == nil {
		for _, e := range entries {
			history = append(history, map[string]any{
				"level":    e.Level,
				"approver": e.Approver.Name,
				"decision": string(e.Decision),
			})
		}
	}

	s.dispatcher.Dispatch(notify.Event{
		Type:         notify.EventSubmissionApproved,
		CompanyID:    sub.CompanyID,
		PlantID:      sub.PlantID,
		Recipients:   recipients,
		ResourceType: "submission",
		ResourceID:   sub.ID,
		Payload: map[string]any{
			"form_title": form.Title,
			"history":    history,
		},
	})
}

func (s *WorkflowService) priorApproverNames(ctx context.Context, submissionID string) []string {
	entries, err := s.history.GetBySubmissionID(ctx, submissionID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("submission_id", submissionID).
			Msg("notification: could not load prior approvers")
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Decision != repository.DecisionApproved {
			continue
		}
		name := e.Approver.Name
		if name == "" {
			name = e.Approver.ID
		}
		names = append(names, name)
	}
	return names
}

// ── Cache consistency ─────────────────────────────────────────────────────────

// invalidateViews drops every cached list or aggregate whose underlying query
// could be affected by a workflow mutation in the given tenant: submission
// list views, form list views and per-approver pending aggregates. Failures
// are logged and swallowed; staleness then lasts at most one TTL.
func (s *WorkflowService) invalidateViews(ctx context.Context, companyID, plantID string) {
	// Every submission list key carries a company segment: the mutated
	// tenant's views plus cross-tenant ("company=all") views together cover
	// every key whose result set the mutation can change.
	patterns := []string{
		"submissions:*company=" + companyID + "*",
		"submissions:*company=all*",
		"pending_approvals:*company=" + companyID + "*",
		"forms:*plant=" + plantID + "*",
	}
	for _, pattern := range patterns {
		if err := s.cache.DeletePattern(ctx, pattern); err != nil {
			s.log.Warn().Err(err).Str("pattern", pattern).Msg("cache: invalidation failed")
		}
	}
}
