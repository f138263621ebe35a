// Package webhook delivers reviewer notifications and user messages as JSON
// POSTs to endpoints configured in the parameter store.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"support-agent/internal/domain"
)

const SignatureHeader = "X-Support-Signature"

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx webhook responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("webhook: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type reviewPayload struct {
	Type           string `json:"type"`
	ApprovalID     string `json:"approvalId"`
	ConversationID string `json:"conversationId"`
	Requester      string `json:"requester"`
	Summary        string `json:"summary"`
	ApproveToken   string `json:"approveToken"`
	DenyToken      string `json:"denyToken"`
	ApproveURL     string `json:"approveUrl,omitempty"`
	DenyURL        string `json:"denyUrl,omitempty"`
	ExpiresAt      int64  `json:"expiresAt"`
}

type userPayload struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	SentAt         int64  `json:"sentAt"`
}

// endpoint caches one URL parameter for the life of the process. Failed
// lookups are retried on the next call.
type endpoint struct {
	name string
	mu   sync.Mutex
	url  string
}

func (e *endpoint) resolve(ctx context.Context, getter Getter) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.url != "" {
		return e.url, nil
	}
	raw, err := getter.GetParameter(ctx, e.name)
	if err != nil {
		return "", fmt.Errorf("webhook: fetch %s: %w", e.name, err)
	}
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("webhook: parameter %s is not an http(s) URL", e.name)
	}
	e.url = raw
	return e.url, nil
}

// Client posts to the reviewer and user webhooks.
type Client struct {
	httpClient      *http.Client
	getter          Getter
	reviewer        *endpoint
	user            *endpoint
	secret          []byte
	decisionBaseURL string
	reviewerID      string
	now             func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithSigningSecret signs every body with HMAC-SHA256 in SignatureHeader.
func WithSigningSecret(secret []byte) Option {
	return func(c *Client) {
		c.secret = append([]byte(nil), secret...)
	}
}

// WithDecisionBaseURL adds one-click approve and deny links to reviewer
// notifications.
func WithDecisionBaseURL(base string) Option {
	return func(c *Client) {
		c.decisionBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithReviewerID names the reviewer channel in decision links so a decision
// taken through them is attributed. A proxy-set reviewer header overrides it.
func WithReviewerID(id string) Option {
	return func(c *Client) {
		c.reviewerID = strings.TrimSpace(id)
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("webhook: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("webhook: parameter prefix must not be empty")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		getter:     ps,
		reviewer:   &endpoint{name: paramPrefix + "/reviewer-webhook"},
		user:       &endpoint{name: paramPrefix + "/user-webhook"},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) NotifyReviewer(ctx context.Context, notice domain.ReviewNotice) error {
	target, err := c.reviewer.resolve(ctx, c.getter)
	if err != nil {
		return err
	}
	p := reviewPayload{
		Type:           "approval_request",
		ApprovalID:     notice.ApprovalID,
		ConversationID: notice.ConversationID,
		Requester:      notice.Requester,
		Summary:        notice.Summary,
		ApproveToken:   notice.ApproveToken,
		DenyToken:      notice.DenyToken,
		ExpiresAt:      domain.EpochMillis(notice.ExpiresAt),
	}
	if c.decisionBaseURL != "" {
		p.ApproveURL = c.decisionURL(notice.ApproveToken)
		p.DenyURL = c.decisionURL(notice.DenyToken)
	}
	return c.post(ctx, target, p)
}

func (c *Client) SendUser(ctx context.Context, userID, conversationID, text string) error {
	target, err := c.user.resolve(ctx, c.getter)
	if err != nil {
		return err
	}
	return c.post(ctx, target, userPayload{
		Type:           "message",
		UserID:         userID,
		ConversationID: conversationID,
		Text:           text,
		SentAt:         domain.EpochMillis(c.now()),
	})
}

func (c *Client) decisionURL(token string) string {
	q := url.Values{"token": {token}}
	if c.reviewerID != "" {
		q.Set("decidedBy", c.reviewerID)
	}
	return c.decisionBaseURL + "/decisions?" + q.Encode()
}

func (c *Client) post(ctx context.Context, target string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, body))
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: target, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
