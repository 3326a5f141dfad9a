package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/formpilot/be-form-approvals/internal/platform/database"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
)

// ApprovalLinkRepository persists token approval links. CompleteForm is the
// only mutation after creation and runs as a compare-and-swap on the link's
// version, so concurrent completions against the same link cannot
// double-count a form or mis-flag the link as used.
type ApprovalLinkRepository struct {
	db *database.DB
}

// NewApprovalLinkRepository creates a new ApprovalLinkRepository.
func NewApprovalLinkRepository(db *database.DB) *ApprovalLinkRepository {
	return &ApprovalLinkRepository{db: db}
}

const linkColumns = `
	id, token, approver_email, form_ids, completed_form_ids,
	is_used, expires_at, version, created_by, created_at, updated_at
`

// Create inserts a new approval link.
func (r *ApprovalLinkRepository) Create(ctx context.Context, link *ApprovalLink) error {
	query := `
		INSERT INTO approval_links
		    (token, approver_email, form_ids, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, version, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		link.Token,
		link.ApproverEmail,
		link.FormIDs,
		link.ExpiresAt,
		link.CreatedBy,
	).Scan(&link.ID, &link.Version, &link.CreatedAt, &link.UpdatedAt)
}

// GetByToken retrieves a link by its secret token.
func (r *ApprovalLinkRepository) GetByToken(ctx context.Context, token string) (*ApprovalLink, error) {
	query := `SELECT ` + linkColumns + ` FROM approval_links WHERE token = $1`

	link, err := r.scanLink(r.db.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeNotFound, "approval link not found")
	}
	return link, err
}

// CompleteForm appends formID to the link's completed set and flips is_used
// when every linked form is done. The WHERE clause re-checks version, expiry
// and the usable state, so a racing completion gets a conflict instead of a
// double count.
func (r *ApprovalLinkRepository) CompleteForm(ctx context.Context, link *ApprovalLink, formID string) error {
	query := `
		UPDATE approval_links
		SET completed_form_ids = array_append(completed_form_ids, $2),
		    is_used            = (cardinality(array_append(completed_form_ids, $2)) >= cardinality(form_ids)),
		    version            = version + 1,
		    updated_at         = NOW()
		WHERE id = $1
		  AND version = $3
		  AND is_used = false
		  AND expires_at > NOW()
		  AND NOT (completed_form_ids @> ARRAY[$2])
		RETURNING completed_form_ids, is_used, version, updated_at
	`

	err := r.db.QueryRow(ctx, query, link.ID, formID, link.Version).
		Scan(&link.CompletedFormIDs, &link.IsUsed, &link.Version, &link.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.ErrCodeConflict,
			"approval link was modified concurrently or is no longer usable")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete approval link form")
	}
	return nil
}

// ListByCreator returns links issued by a given plant administrator, newest
// first.
func (r *ApprovalLinkRepository) ListByCreator(ctx context.Context, createdBy string) ([]*ApprovalLink, error) {
	query := `SELECT ` + linkColumns + ` FROM approval_links WHERE created_by = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, createdBy)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval links")
	}
	defer rows.Close()

	var links []*ApprovalLink
	for rows.Next() {
		link, err := r.scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

type linkScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalLinkRepository) scanLink(sc linkScanner) (*ApprovalLink, error) {
	link := &ApprovalLink{}
	err := sc.Scan(
		&link.ID,
		&link.Token,
		&link.ApproverEmail,
		&link.FormIDs,
		&link.CompletedFormIDs,
		&link.IsUsed,
		&link.ExpiresAt,
		&link.Version,
		&link.CreatedBy,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return link, nil
}
