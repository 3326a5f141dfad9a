package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/formpilot/be-form-approvals/internal/platform/errors"
	"github.com/formpilot/be-form-approvals/internal/platform/logger"
	"github.com/formpilot/be-form-approvals/internal/repository"
	"github.com/formpilot/be-form-approvals/internal/service"
)

// HTTPHandler exposes the workflow engine over HTTP. Authentication is
// handled upstream; the gateway forwards the resolved identity in
// X-User-* / X-Company-ID headers.
type HTTPHandler struct {
	workflow *service.WorkflowService
	forms    *service.FormService
	links    *service.ApprovalLinkService
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(workflow *service.WorkflowService, forms *service.FormService, links *service.ApprovalLinkService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		workflow: workflow,
		forms:    forms,
		links:    links,
		log:      log,
	}
}

// actorFrom builds the acting identity from gateway headers.
func actorFrom(r *http.Request) service.Actor {
	actor := service.Actor{
		ID:        r.Header.Get("X-User-ID"),
		Name:      r.Header.Get("X-User-Name"),
		Email:     r.Header.Get("X-User-Email"),
		CompanyID: r.Header.Get("X-Company-ID"),
	}
	if roles := r.Header.Get("X-User-Roles"); roles != "" {
		actor.Roles = strings.Split(roles, ",")
	}
	return actor
}

// ── Submissions ───────────────────────────────────────────────────────────────

// CreateSubmission handles POST /api/v1/submissions.
func (h *HTTPHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormID  string         `json:"form_id"`
		Data    map[string]any `json:"data"`
		AsDraft bool           `json:"as_draft"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor := actorFrom(r)
	sub, err := h.workflow.CreateSubmission(r.Context(), &service.CreateSubmissionRequest{
		FormID:      body.FormID,
		SubmittedBy: actor.ID,
		Data:        body.Data,
		AsDraft:     body.AsDraft,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, sub)
}

// SubmitDraft handles POST /api/v1/submissions/submit.
func (h *HTTPHandler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := h.workflow.SubmitDraft(r.Context(), body.SubmissionID, actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// Decide handles POST /api/v1/submissions/decide.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionID string         `json:"submission_id"`
		Decision     string         `json:"decision"`
		Comments     *string        `json:"comments"`
		EditedData   map[string]any `json:"edited_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := h.workflow.Decide(r.Context(), &service.DecideRequest{
		SubmissionID: body.SubmissionID,
		Actor:        actorFrom(r),
		Decision:     repository.Decision(body.Decision),
		Comments:     body.Comments,
		EditedData:   body.EditedData,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// GetSubmission handles GET /api/v1/submissions/get?id=.
func (h *HTTPHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Submission ID is required", http.StatusBadRequest)
		return
	}

	sub, err := h.workflow.GetSubmission(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// ListSubmissions handles GET /api/v1/submissions.
func (h *HTTPHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter repository.SubmissionFilter
	if v := q.Get("company_id"); v != "" {
		filter.CompanyID = &v
	}
	if v := q.Get("plant_id"); v != "" {
		filter.PlantID = &v
	}
	if v := q.Get("form_id"); v != "" {
		filter.FormID = &v
	}
	if v := q.Get("status"); v != "" {
		status := repository.SubmissionStatus(v)
		filter.Status = &status
	}

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	items, total, err := h.workflow.ListSubmissions(r.Context(), filter, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

// GetApprovalHistory handles GET /api/v1/submissions/history?id=.
func (h *HTTPHandler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Submission ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.workflow.GetApprovalHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ListPendingApprovals handles GET /api/v1/submissions/pending.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	items, err := h.workflow.ListPendingApprovals(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ArchiveSubmission handles POST /api/v1/submissions/archive.
func (h *HTTPHandler) ArchiveSubmission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflow.ArchiveSubmission(r.Context(), body.SubmissionID); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ── Forms ─────────────────────────────────────────────────────────────────────

// CreateForm handles POST /api/v1/forms.
func (h *HTTPHandler) CreateForm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlantID     string                     `json:"plant_id"`
		Title       string                     `json:"title"`
		Description *string                    `json:"description"`
		Fields      []repository.FormField     `json:"fields"`
		Flow        []repository.ApprovalLevel `json:"approval_flow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	form, err := h.forms.CreateForm(r.Context(), &service.CreateFormRequest{
		PlantID:     body.PlantID,
		Title:       body.Title,
		Description: body.Description,
		Fields:      body.Fields,
		Flow:        body.Flow,
	}, actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, form)
}

// GetForm handles GET /api/v1/forms/get?id=.
func (h *HTTPHandler) GetForm(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Form ID is required", http.StatusBadRequest)
		return
	}

	form, err := h.forms.GetForm(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, form)
}

// ListForms handles GET /api/v1/forms?plant_id=&published=true.
func (h *HTTPHandler) ListForms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	forms, err := h.forms.ListForms(r.Context(), q.Get("plant_id"), q.Get("published") == "true")
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"items": forms})
}

// PublishForm handles POST /api/v1/forms/publish.
func (h *HTTPHandler) PublishForm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormID    string `json:"form_id"`
		Published bool   `json:"published"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	form, err := h.forms.SetPublished(r.Context(), body.FormID, body.Published)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, form)
}

// UpdateFormFlow handles POST /api/v1/forms/flow.
func (h *HTTPHandler) UpdateFormFlow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormID string                     `json:"form_id"`
		Flow   []repository.ApprovalLevel `json:"approval_flow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	form, err := h.forms.UpdateFlow(r.Context(), body.FormID, body.Flow)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, form)
}

// ── Approval links ────────────────────────────────────────────────────────────

// IssueApprovalLink handles POST /api/v1/approval-links.
func (h *HTTPHandler) IssueApprovalLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FormIDs       []string `json:"form_ids"`
		ApproverEmail string   `json:"approver_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	issued, err := h.links.Issue(r.Context(), body.FormIDs, body.ApproverEmail, actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"token":      issued.Token,
		"expires_at": issued.ExpiresAt,
	})
}

// ListApprovalLinks handles GET /api/v1/approval-links.
func (h *HTTPHandler) ListApprovalLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.links.ListIssued(r.Context(), actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"items": links})
}

// ResolveApprovalLink handles GET /api/v1/approval-links/resolve?token=.
// Unauthenticated by design: the token is the credential.
func (h *HTTPHandler) ResolveApprovalLink(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.links.Resolve(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"forms":           resolved.Forms,
		"completed_forms": resolved.CompletedFormIDs,
		"approver_email":  resolved.ApproverEmail,
		"expires_at":      resolved.ExpiresAt,
	})
}

// CompleteApprovalLinkForm handles POST /api/v1/approval-links/complete.
func (h *HTTPHandler) CompleteApprovalLinkForm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token  string         `json:"token"`
		FormID string         `json:"form_id"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.links.Complete(r.Context(), body.Token, body.FormID, body.Data)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"submission_id":       result.SubmissionID,
		"completed_count":     result.CompletedCount,
		"total_forms":         result.TotalForms,
		"all_forms_completed": result.AllFormsCompleted,
	})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode HTTP response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Code(err) {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeExpired:
		status = http.StatusGone
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Internal error handling HTTP request")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.Code(err)),
		"error": err.Error(),
	})
}
