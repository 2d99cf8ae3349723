package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BuilderBackend posts jobs to the builder service over HTTP.
type BuilderBackend struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewBuilderBackend constructs a builder backend.
func NewBuilderBackend(baseURL, token string, timeout time.Duration, logger *slog.Logger) *BuilderBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BuilderBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Enqueue submits a job to POST /deploy.
func (b *BuilderBackend) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/deploy", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	b.attachBuilderToken(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("builder request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		b.logger.Error("builder rejected deployment", "deployment_uuid", job.DeploymentUUID, "status", resp.Status)
		return fmt.Errorf("builder rejected deployment: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Stop asks the builder to tear down a running deployment. Unknown deployments are not an error.
func (b *BuilderBackend) Stop(ctx context.Context, deploymentUUID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL+"/deploy/"+url.PathEscape(deploymentUUID), nil)
	if err != nil {
		return err
	}
	b.attachBuilderToken(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("builder stop request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("builder rejected stop: %s", resp.Status)
	}
	return nil
}

func (b *BuilderBackend) attachBuilderToken(req *http.Request) {
	if b.token == "" {
		return
	}
	req.Header.Set("X-Builder-Token", b.token)
}
