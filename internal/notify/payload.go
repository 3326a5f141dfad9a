package notify

import "github.com/formpilot/be-form-approvals/internal/repository"

// FilterSubmissionData returns only the submitted values whose form field is
// flagged include_in_approval_email. Everything else stays out of
// notification content; this is a privacy control, not formatting.
func FilterSubmissionData(fields []repository.FormField, data map[string]any) map[string]any {
	if len(fields) == 0 || len(data) == 0 {
		return nil
	}

	filtered := make(map[string]any)
	for _, field := range fields {
		if !field.IncludeInApprovalEmail {
			continue
		}
		if value, ok := data[field.Name]; ok {
			filtered[field.Name] = value
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
