package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// PlanGateClient asks the subscriptions service whether a company may create
// another submission. Satisfies service.PlanGate. The workflow engine treats
// the answer as an opaque yes/no; quota accounting lives entirely in the
// subscriptions service.
type PlanGateClient struct {
	baseURL string
	http    *http.Client
}

// NewPlanGateClient creates a plan gate client for the given base URL.
func NewPlanGateClient(baseURL string) *PlanGateClient {
	return &PlanGateClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// CanCreateSubmission returns whether the company's plan allows one more
// submission.
func (c *PlanGateClient) CanCreateSubmission(ctx context.Context, companyID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/subscriptions/check?company_id=%s&resource=submission",
		c.baseURL, url.QueryEscape(companyID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscriptions service returned status %d", resp.StatusCode)
	}

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Allowed, nil
}
