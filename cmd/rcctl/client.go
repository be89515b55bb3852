package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/regcycle/internal/http"
)

// apiClient calls the regcycled HTTP API with the caller's identity headers.
type apiClient struct {
	baseURL string
	tenant  string
	user    string
	role    string
	http    *http.Client
}

func newAPIClient(baseURL, tenant, user, role string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tenant:  tenant,
		user:    user,
		role:    role,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.Status, e.Kind, e.Msg)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Msg)
}

// do sends body as JSON to path and decodes a successful response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set(httpserver.HeaderTenantID, c.tenant)
	}
	if c.user != "" {
		req.Header.Set(httpserver.HeaderUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(httpserver.HeaderUserRole, c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp httpserver.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &apiError{Status: resp.StatusCode, Kind: errResp.Kind, Msg: errResp.Error}
		}
		return &apiError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
