package executor

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

	"support-agent/internal/domain"
)

// Result statuses an executor may report for one operation.
const (
	StatusApplied        = "applied"
	StatusAlreadyApplied = "already_applied"
	StatusFailed         = "failed"
)

const defaultTimeout = 15 * time.Second

type applyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HTTPStatusError captures non-2xx executor responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("executor: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// HTTPExecutor applies operations by POSTing them to {url}/apply.
type HTTPExecutor struct {
	name       string
	url        string
	headers    map[string]string
	httpClient *http.Client
}

func NewHTTPExecutor(def Definition) (*HTTPExecutor, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("executor: name must not be empty")
	}
	if strings.TrimSpace(def.URL) == "" {
		return nil, fmt.Errorf("executor: %s: url must not be empty", def.Name)
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPExecutor{
		name:       def.Name,
		url:        strings.TrimRight(strings.TrimSpace(def.URL), "/") + "/apply",
		headers:    def.Headers,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (e *HTTPExecutor) Name() string {
	return e.name
}

// Apply sends op to the executor. A change that is already in place is a
// success. A 409 from the executor means the same.
func (e *HTTPExecutor) Apply(ctx context.Context, op domain.Operation) (domain.TargetOutcome, error) {
	outcome := domain.TargetOutcome{Target: op.Label()}

	body, err := json.Marshal(op)
	if err != nil {
		return outcome, fmt.Errorf("executor: marshal operation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return outcome, fmt.Errorf("executor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Lets the executor deduplicate a redriven dispatch.
	req.Header.Set("Idempotency-Key", op.ApprovalID+":"+op.Label())
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	res, err := e.httpClient.Do(req)
	if err != nil {
		return outcome, fmt.Errorf("executor: %s: request failed: %w", e.name, err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode == http.StatusConflict {
		outcome.Success = true
		outcome.Message = StatusAlreadyApplied
		return outcome, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return outcome, &HTTPStatusError{StatusCode: res.StatusCode, URL: e.url, Body: string(buf)}
	}

	var payload applyResponse
	if err := json.Unmarshal(buf, &payload); err != nil {
		return outcome, fmt.Errorf("executor: %s: decode response: %w", e.name, err)
	}
	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case StatusApplied, StatusAlreadyApplied:
		outcome.Success = true
		outcome.Message = firstNonEmpty(payload.Message, payload.Status)
	case StatusFailed:
		outcome.Message = firstNonEmpty(payload.Message, StatusFailed)
	default:
		return outcome, fmt.Errorf("executor: %s: unknown status %q", e.name, payload.Status)
	}
	return outcome, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
