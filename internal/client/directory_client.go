// Package client holds thin clients for the platform services the workflow
// engine collaborates with: the company directory (plants, admins) and the
// subscriptions service (plan limits).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DirectoryClient resolves plant administrators from the platform directory
// service. Satisfies service.Directory.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// GetPlantAdmin returns the identity ID of the plant's administrator.
func (c *DirectoryClient) GetPlantAdmin(ctx context.Context, plantID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/plants/admin?plant_id=%s", c.baseURL, url.QueryEscape(plantID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	var body struct {
		AdminID string `json:"admin_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.AdminID, nil
}
