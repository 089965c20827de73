// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package gate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPVersionSource reads membership versions from the billing service over
// HTTP. It backs the gate on cache misses only; the version webhook keeps the
// cache warm, so this path sees cold users and restarts.
type HTTPVersionSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVersionSource creates a source querying
// GET {baseURL}/users/{userID}/membership/version.
func NewHTTPVersionSource(baseURL string, timeout time.Duration) *HTTPVersionSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVersionSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetVersion implements VersionSource. An unknown user reports version 0: no
// membership change has ever been committed for them.
func (s *HTTPVersionSource) GetVersion(ctx context.Context, userID string) (int64, error) {
	endpoint := fmt.Sprintf("%s/users/%s/membership/version", s.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build version request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query membership version: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, nil
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("membership version source returned %d", resp.StatusCode)
	}

	var body struct {
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode version response: %w", err)
	}
	if body.Version < 0 {
		return 0, fmt.Errorf("membership version source returned negative version %d", body.Version)
	}
	return body.Version, nil
}
