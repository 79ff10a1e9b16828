// Package worker hands execution plans to the external browser-automation
// worker. The worker answers asynchronously through the callback URLs carried
// in each job.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/steps"
)

// Job is the payload POSTed to the worker.
type Job struct {
	ExecutionID string   `json:"execution_id"`
	TestCase    TestCase `json:"testcase"`
	Mode        string   `json:"mode"`
	Browser     string   `json:"browser"`
	Callback    Callback `json:"callback"`
}

type TestCase struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Steps []steps.Planned `json:"steps"`
}

// Callback tells the worker where to report.
type Callback struct {
	StartURL    string `json:"start_url"`
	ResultURL   string `json:"result_url"`
	ProgressURL string `json:"progress_url"`
}

// CallbackURLs builds the callback block for executionID under baseURL.
func CallbackURLs(baseURL, executionID string) Callback {
	base := strings.TrimRight(baseURL, "/") + "/executions/" + executionID
	return Callback{
		StartURL:    base + "/start",
		ResultURL:   base + "/result",
		ProgressURL: base + "/progress",
	}
}

// StatusError is a non-2xx answer from the worker.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether retrying err cannot help: the worker rejected
// the job itself.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}

// Client talks to one worker over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for cfg.URL.
func NewClient(cfg config.WorkerConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send delivers job. The worker acknowledges immediately; progress arrives
// through callbacks.
func (c *Client) Send(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/execute-testcase", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Healthy reports whether the worker answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}
