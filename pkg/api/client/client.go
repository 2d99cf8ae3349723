// Package client is a typed HTTP client for the saturn deployment API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the saturn API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL, authenticating with token.
func New(base, token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func extractError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Message)
}

// DeployRequest selects what to deploy. Set UUIDs or Tag, not both.
type DeployRequest struct {
	UUIDs         []string
	Tag           string
	Force         bool
	PullRequestID int
}

// QueuedDeployment is one entry created by a deploy request.
type QueuedDeployment struct {
	Message        string `json:"message"`
	ResourceUUID   string `json:"resource_uuid"`
	DeploymentUUID string `json:"deployment_uuid"`
}

// DeployResponse lists created entries and uuids that could not be queued.
type DeployResponse struct {
	Deployments []QueuedDeployment `json:"deployments"`
	Skipped     []string           `json:"skipped"`
}

// Deployment reflects API queue entry payloads.
type Deployment struct {
	ID              int64      `json:"id"`
	DeploymentUUID  string     `json:"deployment_uuid"`
	ApplicationUUID string     `json:"application_uuid"`
	ResourceKind    string     `json:"resource_kind"`
	ServerID        string     `json:"server_id"`
	Status          string     `json:"status"`
	ForceRebuild    bool       `json:"force_rebuild"`
	PullRequestID   int        `json:"pull_request_id"`
	Commit          string     `json:"commit"`
	Logs            *string    `json:"logs"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

// DeploymentPage is one page of an application's history.
type DeploymentPage struct {
	Count       int          `json:"count"`
	Deployments []Deployment `json:"deployments"`
}

// CancelResponse reports a cancellation. StopPending is set when the running
// deployment has not acknowledged the stop yet.
type CancelResponse struct {
	Message        string `json:"message"`
	DeploymentUUID string `json:"deployment_uuid"`
	Status         string `json:"status"`
	StopPending    bool   `json:"-"`
}

// Deploy queues deployments.
func (c *Client) Deploy(ctx context.Context, input DeployRequest) (DeployResponse, error) {
	query := url.Values{}
	if len(input.UUIDs) > 0 {
		query.Set("uuid", strings.Join(input.UUIDs, ","))
	}
	if input.Tag != "" {
		query.Set("tag", input.Tag)
	}
	if input.Force {
		query.Set("force", "true")
	}
	if input.PullRequestID > 0 {
		query.Set("pr", strconv.Itoa(input.PullRequestID))
	}
	var resp DeployResponse
	_, err := c.do(ctx, http.MethodPost, "/deploy?"+query.Encode(), nil, &resp)
	return resp, err
}

// ListActive returns the team's queued and running deployments.
func (c *Client) ListActive(ctx context.Context) ([]Deployment, error) {
	var resp []Deployment
	_, err := c.do(ctx, http.MethodGet, "/deployments", nil, &resp)
	return resp, err
}

// Get fetches one deployment.
func (c *Client) Get(ctx context.Context, deploymentUUID string) (Deployment, error) {
	var resp Deployment
	_, err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentUUID), nil, &resp)
	return resp, err
}

// Cancel cancels a queued or running deployment.
func (c *Client) Cancel(ctx context.Context, deploymentUUID string) (CancelResponse, error) {
	var resp CancelResponse
	status, err := c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(deploymentUUID)+"/cancel", nil, &resp)
	resp.StopPending = status == http.StatusAccepted
	return resp, err
}

// ListByApplication pages through an application's deployments, newest first.
func (c *Client) ListByApplication(ctx context.Context, applicationUUID string, skip, take int) (DeploymentPage, error) {
	query := url.Values{}
	query.Set("skip", strconv.Itoa(skip))
	if take > 0 {
		query.Set("take", strconv.Itoa(take))
	}
	var resp DeploymentPage
	_, err := c.do(ctx, http.MethodGet, "/deployments/applications/"+url.PathEscape(applicationUUID)+"?"+query.Encode(), nil, &resp)
	return resp, err
}

// RevokeToken disables an api token of the caller's team.
func (c *Client) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/tokens/"+url.PathEscape(tokenID), nil, nil)
	return err
}

// SetWebhookSecret stores the git webhook secret of a resource.
func (c *Client) SetWebhookSecret(ctx context.Context, resourceUUID, secret string) error {
	body := map[string]string{"secret": secret}
	_, err := c.do(ctx, http.MethodPost, "/webhooks/git/"+url.PathEscape(resourceUUID)+"/secret", body, nil)
	return err
}
