package repository

import (
	"context"
	"encoding/json"

	"github.com/formpilot/be-form-approvals/internal/platform/database"
	"github.com/formpilot/be-form-approvals/internal/platform/errors"
)

// ApprovalHistoryRepository reads the immutable approval ledger. Appends
// happen inside SubmissionRepository.ApplyDecision so a decision and its
// ledger entry commit together; the table has a delete-prevention trigger,
// so reads are the only operations exposed here.
type ApprovalHistoryRepository struct {
	db *database.DB
}

// NewApprovalHistoryRepository creates a new ApprovalHistoryRepository.
func NewApprovalHistoryRepository(db *database.DB) *ApprovalHistoryRepository {
	return &ApprovalHistoryRepository{db: db}
}

// GetBySubmissionID returns the full ledger for a submission, oldest first.
// Level order and decision order coincide because every append happens under
// the submission's compare-and-swap transition.
func (r *ApprovalHistoryRepository) GetBySubmissionID(ctx context.Context, submissionID string) ([]*ApprovalHistoryEntry, error) {
	query := `
		SELECT id, submission_id, level, approver, decision,
		       comments, metadata, performed_at
		FROM submission_approval_history
		WHERE submission_id = $1
		ORDER BY performed_at ASC, level ASC
	`

	rows, err := r.db.Query(ctx, query, submissionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var entries []*ApprovalHistoryEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type historyScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalHistoryRepository) scanEntry(sc historyScanner) (*ApprovalHistoryEntry, error) {
	entry := &ApprovalHistoryEntry{}
	var approverJSON, metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.SubmissionID,
		&entry.Level,
		&approverJSON,
		&entry.Decision,
		&entry.Comments,
		&metadataJSON,
		&entry.PerformedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(approverJSON) > 0 {
		if err := json.Unmarshal(approverJSON, &entry.Approver); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approver reference")
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
		}
	}

	return entry, nil
}
