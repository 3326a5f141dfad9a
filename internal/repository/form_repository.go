package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/formpilot/be-form-approvals/internal/platform/database"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
)

// FormRepository reads and writes forms and their approval flow definitions.
// Field definitions and the approval flow are stored as JSONB documents on
// the form row, so the flow a submission references is resolved with a single
// read.
type FormRepository struct {
	db *database.DB
}

// NewFormRepository creates a new FormRepository.
func NewFormRepository(db *database.DB) *FormRepository {
	return &FormRepository{db: db}
}

const formColumns = `
	id, company_id, plant_id, title, description, is_published,
	fields, approval_flow, created_by, created_at, updated_at
`

// Create inserts a form with its field definitions and approval flow.
func (r *FormRepository) Create(ctx context.Context, form *Form) error {
	fieldsJSON, err := json.Marshal(form.Fields)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal form fields")
	}
	flowJSON, err := json.Marshal(form.Flow)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval flow")
	}

	query := `
		INSERT INTO forms
		    (company_id, plant_id, title, description, is_published,
		     fields, approval_flow, created_by)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		form.CompanyID,
		form.PlantID,
		form.Title,
		form.Description,
		form.IsPublished,
		fieldsJSON,
		flowJSON,
		form.CreatedBy,
	).Scan(&form.ID, &form.CreatedAt, &form.UpdatedAt)
}

// GetByID retrieves a form by primary key.
func (r *FormRepository) GetByID(ctx context.Context, id string) (*Form, error) {
	query := `SELECT ` + formColumns + ` FROM forms WHERE id = $1`

	form, err := r.scanForm(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("form", id)
	}
	return form, err
}

// GetPublishedByIDs returns the published forms among ids, in no particular
// order. Missing or unpublished forms are simply absent from the result.
func (r *FormRepository) GetPublishedByIDs(ctx context.Context, ids []string) ([]*Form, error) {
	query := `SELECT ` + formColumns + ` FROM forms WHERE id = ANY($1) AND is_published = true`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get forms")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByPlant returns all forms for a plant, optionally published only.
func (r *FormRepository) ListByPlant(ctx context.Context, plantID string, publishedOnly bool) ([]*Form, error) {
	query := `SELECT ` + formColumns + ` FROM forms WHERE plant_id = $1`
	if publishedOnly {
		query += ` AND is_published = true`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, plantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list forms")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// SetPublished flips a form's publication state.
func (r *FormRepository) SetPublished(ctx context.Context, id string, published bool) error {
	query := `
		UPDATE forms
		SET is_published = $2,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, published).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("form", id)
	}
	return err
}

// UpdateFlow replaces a form's approval flow. In-flight submissions are not
// touched: the flow is resolved again at decision time from the form the
// submission references, so changing it affects only future levels.
func (r *FormRepository) UpdateFlow(ctx context.Context, id string, flow []ApprovalLevel) error {
	flowJSON, err := json.Marshal(flow)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval flow")
	}

	query := `
		UPDATE forms
		SET approval_flow = $2,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = r.db.QueryRow(ctx, query, id, flowJSON).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("form", id)
	}
	return err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *FormRepository) scanRows(rows pgx.Rows) ([]*Form, error) {
	var forms []*Form
	for rows.Next() {
		form, err := r.scanForm(rows)
		if err != nil {
			return nil, err
		}
		forms = append(forms, form)
	}
	return forms, rows.Err()
}

type formScanner interface {
	Scan(dest ...any) error
}

func (r *FormRepository) scanForm(sc formScanner) (*Form, error) {
	form := &Form{}
	var fieldsJSON, flowJSON []byte

	err := sc.Scan(
		&form.ID,
		&form.CompanyID,
		&form.PlantID,
		&form.Title,
		&form.Description,
		&form.IsPublished,
		&fieldsJSON,
		&flowJSON,
		&form.CreatedBy,
		&form.CreatedAt,
		&form.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &form.Fields); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal form fields")
		}
	}
	if len(flowJSON) > 0 {
		if err := json.Unmarshal(flowJSON, &form.Flow); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval flow")
		}
	}

	return form, nil
}
