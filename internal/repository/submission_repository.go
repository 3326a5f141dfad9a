package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/formpilot/be-form-approvals/internal/platform/database"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
)

// SubmissionRepository persists submissions. Decisions go through
// ApplyDecision, which is the single compare-and-swap write path: a losing
// concurrent writer observes the post-transition row and gets a conflict
// instead of double-applying a transition.
type SubmissionRepository struct {
	db *database.DB
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(db *database.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

const submissionColumns = `
	id, form_id, company_id, plant_id, submitted_by,
	data, status, current_level, version,
	approved_by, approved_at, rejected_by, rejected_at,
	archived_at, created_at, updated_at
`

// Create inserts a submission in its initial state.
func (r *SubmissionRepository) Create(ctx context.Context, sub *Submission) error {
	dataJSON, err := json.Marshal(sub.Data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal submission data")
	}

	query := `
		INSERT INTO submissions
		    (form_id, company_id, plant_id, submitted_by,
		     data, status, current_level,
		     approved_by, approved_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6::submission_status, $7,
		        $8, $9)
		RETURNING id, version, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		sub.FormID,
		sub.CompanyID,
		sub.PlantID,
		sub.SubmittedBy,
		dataJSON,
		sub.Status,
		sub.CurrentLevel,
		sub.ApprovedBy,
		sub.ApprovedAt,
	).Scan(&sub.ID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
}

// GetByID retrieves a submission by primary key. Archived submissions are
// still readable; they are only excluded from list views.
func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

	sub, err := r.scanSubmission(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("submission", id)
	}
	return sub, err
}

// List returns non-archived submissions matching filter, newest first.
func (r *SubmissionRepository) List(ctx context.Context, filter SubmissionFilter, limit, offset int) ([]*Submission, int64, error) {
	where := ` WHERE archived_at IS NULL`
	args := []any{}

	appendArg := func(clause string, v any) {
		args = append(args, v)
		where += clause
	}
	if filter.CompanyID != nil {
		appendArg(` AND company_id = $`+itoa(len(args)+1), *filter.CompanyID)
	}
	if filter.PlantID != nil {
		appendArg(` AND plant_id = $`+itoa(len(args)+1), *filter.PlantID)
	}
	if filter.FormID != nil {
		appendArg(` AND form_id = $`+itoa(len(args)+1), *filter.FormID)
	}
	if filter.Status != nil {
		appendArg(` AND status = $`+itoa(len(args)+1)+`::submission_status`, string(*filter.Status))
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM submissions` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count submissions")
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions` + where +
		` ORDER BY created_at DESC LIMIT $` + itoa(len(args)+1) + ` OFFSET $` + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list submissions")
	}
	defer rows.Close()

	subs, err := r.scanRows(rows)
	return subs, total, err
}

// ListPendingForApprover returns submissions currently waiting on the given
// identity: status pending_approval and the form's flow entry at the
// submission's current level names the identity as approver.
func (r *SubmissionRepository) ListPendingForApprover(ctx context.Context, companyID, approverID string) ([]*Submission, error) {
	query := `
		SELECT ` + qualify(submissionColumns, "s") + `
		FROM submissions s
		JOIN forms f ON f.id = s.form_id
		WHERE s.company_id = $1
		  AND s.archived_at IS NULL
		  AND s.status = 'pending_approval'::submission_status
		  AND f.approval_flow -> (s.current_level - 1) -> 'approver' ->> 'id' = $2
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, companyID, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// HasPendingForForm reports whether any submission is still moving through
// the form's approval flow.
func (r *SubmissionRepository) HasPendingForForm(ctx context.Context, formID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM submissions
			WHERE form_id = $1
			  AND status = 'pending_approval'::submission_status
		)`

	var inFlight bool
	if err := r.db.QueryRow(ctx, query, formID).Scan(&inFlight); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check in-flight submissions")
	}
	return inFlight, nil
}

// ApplyDecision commits one workflow transition: a compare-and-swap update on
// the submission row plus the matching audit ledger append, in a single
// transaction. The WHERE clause re-checks status, level and version, so a
// concurrent decision that committed first makes this one return a conflict.
func (r *SubmissionRepository) ApplyDecision(ctx context.Context, sub *Submission, entry *ApprovalHistoryEntry) error {
	dataJSON, err := json.Marshal(sub.Data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal submission data")
	}
	approverJSON, err := json.Marshal(entry.Approver)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approver reference")
	}
	var metadataJSON []byte
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		updateQuery := `
			UPDATE submissions
			SET status        = $2::submission_status,
			    current_level = $3,
			    data          = $4,
			    approved_by   = $5,
			    approved_at   = $6,
			    rejected_by   = $7,
			    rejected_at   = $8,
			    version       = version + 1,
			    updated_at    = NOW()
			WHERE id = $1
			  AND version = $9
			  AND status = 'pending_approval'::submission_status
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, updateQuery,
			sub.ID,
			sub.Status,
			sub.CurrentLevel,
			dataJSON,
			sub.ApprovedBy,
			sub.ApprovedAt,
			sub.RejectedBy,
			sub.RejectedAt,
			sub.Version,
		).Scan(&sub.Version, &sub.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.New(errors.ErrCodeConflict,
				"submission was modified concurrently or is no longer pending approval")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update submission")
		}

		historyQuery := `
			INSERT INTO submission_approval_history
			    (submission_id, level, approver, decision, comments, metadata)
			VALUES ($1, $2, $3, $4::approval_decision, $5, $6)
			RETURNING id, performed_at
		`

		err = tx.QueryRow(ctx, historyQuery,
			entry.SubmissionID,
			entry.Level,
			approverJSON,
			entry.Decision,
			entry.Comments,
			metadataJSON,
		).Scan(&entry.ID, &entry.PerformedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
		}

		return nil
	})
}

// PromoteDraft moves a draft submission into its initial workflow state
// (pending_approval or approved), guarded by the same compare-and-swap as
// decisions so a double submit cannot enter the flow twice.
func (r *SubmissionRepository) PromoteDraft(ctx context.Context, sub *Submission) error {
	dataJSON, err := json.Marshal(sub.Data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal submission data")
	}

	query := `
		UPDATE submissions
		SET status        = $2::submission_status,
		    current_level = $3,
		    data          = $4,
		    approved_by   = $5,
		    approved_at   = $6,
		    version       = version + 1,
		    updated_at    = NOW()
		WHERE id = $1
		  AND version = $7
		  AND status = 'draft'::submission_status
		RETURNING version, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		sub.ID,
		sub.Status,
		sub.CurrentLevel,
		dataJSON,
		sub.ApprovedBy,
		sub.ApprovedAt,
		sub.Version,
	).Scan(&sub.Version, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.ErrCodeConflict, "submission is no longer a draft")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to submit draft")
	}
	return nil
}

// Archive soft-archives a submission. Submissions past draft are never hard
// deleted.
func (r *SubmissionRepository) Archive(ctx context.Context, id string) error {
	query := `
		UPDATE submissions
		SET archived_at = NOW(),
		    updated_at  = NOW()
		WHERE id = $1 AND archived_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("submission", id)
	}
	return err
}

// DeleteDraft hard-deletes a submission that never left draft.
func (r *SubmissionRepository) DeleteDraft(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM submissions WHERE id = $1 AND status = 'draft'::submission_status`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete draft submission")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.ErrCodeConflict, "only draft submissions can be deleted")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *SubmissionRepository) scanRows(rows pgx.Rows) ([]*Submission, error) {
	var subs []*Submission
	for rows.Next() {
		sub, err := r.scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type submissionScanner interface {
	Scan(dest ...any) error
}

func (r *SubmissionRepository) scanSubmission(sc submissionScanner) (*Submission, error) {
	sub := &Submission{}
	var dataJSON []byte

	err := sc.Scan(
		&sub.ID,
		&sub.FormID,
		&sub.CompanyID,
		&sub.PlantID,
		&sub.SubmittedBy,
		&dataJSON,
		&sub.Status,
		&sub.CurrentLevel,
		&sub.Version,
		&sub.ApprovedBy,
		&sub.ApprovedAt,
		&sub.RejectedBy,
		&sub.RejectedAt,
		&sub.ArchivedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &sub.Data); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal submission data")
		}
	}

	return sub, nil
}
