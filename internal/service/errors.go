package service

import "github.com/formpilot/be-form-approvals/internal/platform/errors"

// Sentinel errors for the workflow engine's caller-facing failure modes.
// Returned directly so callers can match with errors.Is.
var (
	// ErrNotInDecidableState: the submission is not awaiting approval, or a
	// concurrent decision won the compare-and-swap.
	ErrNotInDecidableState = errors.New(errors.ErrCodeConflict,
		"submission is not awaiting approval")

	// ErrNotAuthorizedApprover: the acting identity is not the designated
	// approver for the submission's current level.
	ErrNotAuthorizedApprover = errors.New(errors.ErrCodeUnauthorized,
		"not the designated approver for the current level")

	// ErrNoApproverForLevel: the flow has no entry for the submission's
	// current level. Data-integrity anomaly; proceeding would strand the
	// submission.
	ErrNoApproverForLevel = errors.New(errors.ErrCodeInternal,
		"no approver configured for the current level")

	// ErrLinkInvalid: the token matches no link, or the link is fully used.
	ErrLinkInvalid = errors.New(errors.ErrCodeNotFound,
		"approval link is invalid or already used")

	// ErrLinkExpired: the link's expiry has passed.
	ErrLinkExpired = errors.New(errors.ErrCodeExpired,
		"approval link has expired")

	// ErrFormNotInLink: the form is not part of the approval link.
	ErrFormNotInLink = errors.New(errors.ErrCodeInvalidInput,
		"form is not part of this approval link")

	// ErrFormAlreadyCompleted: the form was already completed on this link.
	ErrFormAlreadyCompleted = errors.New(errors.ErrCodeConflict,
		"form has already been completed on this link")

	// ErrPlanLimitReached: the company's subscription does not allow another
	// submission.
	ErrPlanLimitReached = errors.New(errors.ErrCodeConflict,
		"subscription plan does not allow creating more submissions")
)
