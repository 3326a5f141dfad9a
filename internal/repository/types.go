package repository

import (
	"encoding/json"
	"time"
)

// ── Domain types for the form approval workflow ──────────────────────────────

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusDraft           SubmissionStatus = "draft"
	StatusSubmitted       SubmissionStatus = "submitted"
	StatusPendingApproval SubmissionStatus = "pending_approval"
	StatusApproved        SubmissionStatus = "approved"
	StatusRejected        SubmissionStatus = "rejected"
)

// Terminal reports whether no further decision is accepted in this status.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Decision is the outcome an approver records at one level.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApproverRef is the canonical reference to an approver identity. Upstream
// documents carry the approver either as a bare ID string or as an expanded
// record; both forms unmarshal into this type and all comparisons go through
// the ID.
type ApproverRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// UnmarshalJSON accepts either "user-123" or {"id": "user-123", ...}.
func (a *ApproverRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*a = ApproverRef{ID: id}
		return nil
	}

	type expanded ApproverRef
	var e expanded
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	*a = ApproverRef(e)
	return nil
}

// Is reports whether the reference denotes the given identity.
func (a ApproverRef) Is(identityID string) bool {
	return a.ID != "" && a.ID == identityID
}

// ApprovalLevel is one step in a form's ordered approval flow. Levels are
// contiguous from 1; callers assign index+1 at authoring time.
type ApprovalLevel struct {
	Level       int         `json:"level"`
	Approver    ApproverRef `json:"approver"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
}

// FormField is one field definition on a form. IncludeInApprovalEmail marks
// fields whose submitted values may be echoed into notification payloads.
type FormField struct {
	Name                   string `json:"name"`
	Label                  string `json:"label,omitempty"`
	Type                   string `json:"type,omitempty"`
	IncludeInApprovalEmail bool   `json:"include_in_approval_email,omitempty"`
}

// Form is a published form with its approval flow definition. An empty flow
// means submissions auto-approve with no human gate.
type Form struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	PlantID     string          `json:"plant_id"`
	Title       string          `json:"title"`
	Description *string         `json:"description,omitempty"`
	IsPublished bool            `json:"is_published"`
	Fields      []FormField     `json:"fields"`
	Flow        []ApprovalLevel `json:"approval_flow"`
	CreatedBy   *string         `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LevelAt returns the flow entry for the given level, or nil when the level
// is past the end of the flow.
func (f *Form) LevelAt(level int) *ApprovalLevel {
	for i := range f.Flow {
		if f.Flow[i].Level == level {
			return &f.Flow[i]
		}
	}
	return nil
}

// Submission is one instance of form data moving through its form's approval
// flow. Version is a monotonic optimistic-concurrency token: every decision
// is a compare-and-swap against it.
type Submission struct {
	ID           string           `json:"id"`
	FormID       string           `json:"form_id"`
	CompanyID    string           `json:"company_id"`
	PlantID      string           `json:"plant_id"`
	SubmittedBy  string           `json:"submitted_by"` // identity ID, or a bare email on the link channel
	Data         map[string]any   `json:"data"`
	Status       SubmissionStatus `json:"status"`
	CurrentLevel int              `json:"current_level"`
	Version      int64            `json:"version"`
	ApprovedBy   *string          `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time       `json:"approved_at,omitempty"`
	RejectedBy   *string          `json:"rejected_by,omitempty"`
	RejectedAt   *time.Time       `json:"rejected_at,omitempty"`
	ArchivedAt   *time.Time       `json:"archived_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ApprovalHistoryEntry is one immutable record in a submission's audit
// ledger. Entries are only ever appended, in decision order.
type ApprovalHistoryEntry struct {
	ID           string         `json:"id"`
	SubmissionID string         `json:"submission_id"`
	Level        int            `json:"level"`
	Approver     ApproverRef    `json:"approver"`
	Decision     Decision       `json:"decision"`
	Comments     *string        `json:"comments,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PerformedAt  time.Time      `json:"performed_at"`
}

// ApprovalLink is a time-boxed secret-bearing link that lets an external
// party complete one or more forms without a login session. IsUsed flips to
// true exactly when every linked form has been completed.
type ApprovalLink struct {
	ID               string    `json:"id"`
	Token            string    `json:"token"`
	ApproverEmail    string    `json:"approver_email"`
	FormIDs          []string  `json:"form_ids"`
	CompletedFormIDs []string  `json:"completed_form_ids"`
	IsUsed           bool      `json:"is_used"`
	ExpiresAt        time.Time `json:"expires_at"`
	Version          int64     `json:"version"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Completed reports whether formID has already been completed on this link.
func (l *ApprovalLink) Completed(formID string) bool {
	for _, id := range l.CompletedFormIDs {
		if id == formID {
			return true
		}
	}
	return false
}

// Contains reports whether formID is part of this link.
func (l *ApprovalLink) Contains(formID string) bool {
	for _, id := range l.FormIDs {
		if id == formID {
			return true
		}
	}
	return false
}

// SubmissionFilter narrows List queries. Nil fields are unconstrained.
type SubmissionFilter struct {
	CompanyID *string
	PlantID   *string
	FormID    *string
	Status    *SubmissionStatus
}
