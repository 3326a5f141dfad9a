package service

import (
	"context"
	"time"

	"github.com/formpilot/be-form-approvals/internal/cache"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
	"github.com/formpilot/be-form-approvals/internal/platform/logger"
	"github.com/formpilot/be-form-approvals/internal/repository"
)

// FormAdminStore is the authoring surface of the form repository.
type FormAdminStore interface {
	FormStore
	Create(ctx context.Context, form *repository.Form) error
	ListByPlant(ctx context.Context, plantID string, publishedOnly bool) ([]*repository.Form, error)
	SetPublished(ctx context.Context, id string, published bool) error
	UpdateFlow(ctx context.Context, id string, flow []repository.ApprovalLevel) error
}

// FlowUsage answers whether submissions are still moving through a form's
// approval flow. Satisfied by the submission repository.
type FlowUsage interface {
	HasPendingForForm(ctx context.Context, formID string) (bool, error)
}

// FormService covers form authoring: creating forms, editing their approval
// flow and publishing them. List reads go through the same read cache the
// workflow invalidates on mutation.
type FormService struct {
	forms       FormAdminStore
	submissions FlowUsage
	cache       cache.Cache
	cacheTTL    time.Duration
	log         *logger.Logger
}

// NewFormService creates a new FormService.
func NewFormService(forms FormAdminStore, submissions FlowUsage, c cache.Cache, cacheTTL time.Duration, log *logger.Logger) *FormService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &FormService{forms: forms, submissions: submissions, cache: c, cacheTTL: cacheTTL, log: log}
}

// CreateFormRequest carries a new form definition. Forms start unpublished.
type CreateFormRequest struct {
	PlantID     string
	Title       string
	Description *string
	Fields      []repository.FormField
	Flow        []repository.ApprovalLevel
}

// CreateForm creates an unpublished form with its approval flow.
func (s *FormService) CreateForm(ctx context.Context, req *CreateFormRequest, actor Actor) (*repository.Form, error) {
	if req.PlantID == "" {
		return nil, errors.InvalidInput("plant_id", "plant id is required")
	}
	if req.Title == "" {
		return nil, errors.InvalidInput("title", "title is required")
	}
	if err := validateFlow(req.Flow); err != nil {
		return nil, err
	}

	form := &repository.Form{
		CompanyID:   actor.CompanyID,
		PlantID:     req.PlantID,
		Title:       req.Title,
		Description: req.Description,
		Fields:      req.Fields,
		Flow:        req.Flow,
	}
	if actor.ID != "" {
		createdBy := actor.ID
		form.CreatedBy = &createdBy
	}

	if err := s.forms.Create(ctx, form); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("form_id", form.ID).
		Str("plant_id", form.PlantID).
		Int("flow_levels", len(form.Flow)).
		Msg("Form created")

	s.invalidateFormViews(ctx, form.PlantID)
	return form, nil
}

// GetForm retrieves a form by ID.
func (s *FormService) GetForm(ctx context.Context, id string) (*repository.Form, error) {
	return s.forms.GetByID(ctx, id)
}

// ListForms lists a plant's forms through the read cache.
func (s *FormService) ListForms(ctx context.Context, plantID string, publishedOnly bool) ([]*repository.Form, error) {
	if plantID == "" {
		return nil, errors.InvalidInput("plant_id", "plant id is required")
	}

	published := "all"
	if publishedOnly {
		published = "true"
	}
	key := cache.Key("forms", map[string]string{
		"plant":     plantID,
		"published": published,
	})

	var cached []*repository.Form
	if hit, err := s.cache.Get(ctx, key, &cached); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache: read failed, falling back to database")
	} else if hit {
		return cached, nil
	}

	forms, err := s.forms.ListByPlant(ctx, plantID, publishedOnly)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, forms, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cache: write failed")
	}

	return forms, nil
}

// SetPublished publishes or unpublishes a form. Submissions are only accepted
// against published forms.
func (s *FormService) SetPublished(ctx context.Context, id string, published bool) (*repository.Form, error) {
	form, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.forms.SetPublished(ctx, id, published); err != nil {
		return nil, err
	}
	form.IsPublished = published

	s.log.Info().
		Str("form_id", id).
		Bool("published", published).
		Msg("Form publish state changed")

	s.invalidateFormViews(ctx, form.PlantID)
	return form, nil
}

// UpdateFlow replaces a form's approval flow. The form must be unpublished
// and have no submission still pending on the current flow: a flow swap must
// never re-route an in-flight submission to different approvers.
func (s *FormService) UpdateFlow(ctx context.Context, id string, flow []repository.ApprovalLevel) (*repository.Form, error) {
	if err := validateFlow(flow); err != nil {
		return nil, err
	}

	form, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if form.IsPublished {
		return nil, errors.New(errors.ErrCodeConflict, "unpublish the form before changing its approval flow")
	}

	inFlight, err := s.submissions.HasPendingForForm(ctx, id)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return nil, errors.New(errors.ErrCodeConflict,
			"submissions are still moving through the current flow")
	}

	if err := s.forms.UpdateFlow(ctx, id, flow); err != nil {
		return nil, err
	}
	form.Flow = flow

	s.log.Info().
		Str("form_id", id).
		Int("flow_levels", len(flow)).
		Msg("Form approval flow updated")

	s.invalidateFormViews(ctx, form.PlantID)
	return form, nil
}

// validateFlow requires levels contiguous from 1 with a named approver on
// each. An empty flow is valid and means auto-approval.
func validateFlow(flow []repository.ApprovalLevel) error {
	for i, level := range flow {
		if level.Level != i+1 {
			return errors.InvalidInput("flow", "levels must be contiguous starting at 1")
		}
		if level.Approver.ID == "" {
			return errors.InvalidInput("flow", "every level needs an approver")
		}
	}
	return nil
}

func (s *FormService) invalidateFormViews(ctx context.Context, plantID string) {
	pattern := "forms:*plant=" + plantID + "*"
	if err := s.cache.DeletePattern(ctx, pattern); err != nil {
		s.log.Warn().Err(err).Str("pattern", pattern).Msg("cache: invalidation failed")
	}
}
