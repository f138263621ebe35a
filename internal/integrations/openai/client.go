// Package openai classifies inbound support messages with an
// OpenAI-compatible Chat Completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"support-agent/internal/domain"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultModel    = "gpt-4o-mini"
	maxHistoryTurns = 12
	flaggedReply    = "I can't help with that request. Please rephrase it or contact the support team directly."
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// intentPayload is the structured answer the classification prompt asks for.
type intentPayload struct {
	Intent           string         `json:"intent"`
	RequiresApproval bool           `json:"requires_approval"`
	Reply            string         `json:"reply"`
	Action           *actionPayload `json:"action"`
}

type actionPayload struct {
	Executor  string       `json:"executor"`
	Operation string       `json:"operation"`
	Targets   []string     `json:"targets"`
	Resources []string     `json:"resources"`
	Params    []paramEntry `json:"params"`
	Summary   string       `json:"summary"`
}

// paramEntry keeps params expressible under a strict schema, which forbids
// free-form objects.
type paramEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Getter reads a parameter by name. paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is returned when the endpoint answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client classifies support messages. The API token and the model name are
// read from the parameter store under paramPrefix on first use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	model       string
	moderate    bool
	executors   []string

	// mu guards apiKey and modelName. Only successful lookups are kept so a
	// failed read is retried on the next call.
	mu        sync.Mutex
	apiKey    string
	modelName string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModel pins the model instead of reading it from the parameter store.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

// WithModeration screens every message through the Moderations endpoint
// before classifying it.
func WithModeration(enabled bool) Option {
	return func(c *Client) {
		c.moderate = enabled
	}
}

// WithExecutors lists the executor names the model may route actions to.
func WithExecutors(names ...string) Option {
	return func(c *Client) {
		c.executors = nonEmpty(names)
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify tags text with an intent and, for approval-gated requests, the
// proposed action.
func (c *Client) Classify(ctx context.Context, text string, history []domain.HistoryEntry) (domain.Classification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Classification{Intent: domain.IntentUnknown}, nil
	}
	if c.moderate {
		flagged, err := c.Moderate(ctx, text)
		if err != nil {
			return domain.Classification{}, err
		}
		if flagged {
			return domain.Classification{Intent: domain.IntentUnknown, Reply: flaggedReply}, nil
		}
	}

	content, err := c.complete(ctx, buildMessages(buildSystemPrompt(c.executors), text, history))
	if err != nil {
		return domain.Classification{}, err
	}
	return parseClassification(content)
}

// Moderate reports whether the Moderations endpoint flags input.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	var out moderationResponse
	if err := c.post(ctx, "/moderations", map[string]string{"input": input}, &out); err != nil {
		return false, fmt.Errorf("openai: moderation: %w", err)
	}
	if len(out.Results) == 0 {
		return false, errors.New("openai: moderation: no results")
	}
	return out.Results[0].Flagged, nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	temperature := 0.0
	req := chatRequest{
		Model:          c.resolveModel(ctx),
		Messages:       messages,
		Temperature:    &temperature,
		ResponseFormat: intentResponseFormat(),
	}
	var out chatResponse
	if err := c.post(ctx, "/chat/completions", req, &out); err != nil {
		return "", fmt.Errorf("openai: chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: chat: no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// post sends in as JSON to path under the base URL and decodes a 2xx body
// into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := endpoint(c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// endpoint joins path onto baseURL, adding the /v1 version segment when the
// base does not already end with it.
func endpoint(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := fetchAPIKey(ctx, c.getter, c.paramPrefix+"/open-ai-token")
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

// resolveModel prefers WithModel, then the parameter store, then the default.
// A failed or empty lookup falls back to the default for this call only.
func (c *Client) resolveModel(ctx context.Context) string {
	if c.model != "" {
		return c.model
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modelName != "" {
		return c.modelName
	}
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/config/openai_model")
	if name := strings.TrimSpace(raw); err == nil && name != "" {
		c.modelName = name
		return name
	}
	return defaultModel
}

// fetchAPIKey reads a {"token": "..."} document from the parameter store.
func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var doc struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if doc.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return doc.Token, nil
}

func buildMessages(system, text string, history []domain.HistoryEntry) []chatMessage {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: system})
	for _, h := range history {
		role := "assistant"
		if h.Actor == domain.ActorUser {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: h.Text})
	}
	return append(msgs, chatMessage{Role: "user", Content: text})
}

func parseClassification(content string) (domain.Classification, error) {
	var p intentPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return domain.Classification{}, fmt.Errorf("openai: decode classification: %w", err)
	}
	cls := domain.Classification{
		Intent:           strings.ToLower(strings.TrimSpace(p.Intent)),
		RequiresApproval: p.RequiresApproval,
		Reply:            strings.TrimSpace(p.Reply),
	}
	if cls.Intent == "" {
		cls.Intent = domain.IntentUnknown
	}
	if p.Action != nil && p.RequiresApproval {
		action := domain.Action{
			Executor:  strings.TrimSpace(p.Action.Executor),
			Operation: strings.TrimSpace(p.Action.Operation),
			Targets:   nonEmpty(p.Action.Targets),
			Resources: nonEmpty(p.Action.Resources),
			Summary:   strings.TrimSpace(p.Action.Summary),
		}
		if len(p.Action.Params) > 0 {
			action.Params = make(map[string]string, len(p.Action.Params))
			for _, kv := range p.Action.Params {
				if k := strings.TrimSpace(kv.Key); k != "" {
					action.Params[k] = kv.Value
				}
			}
		}
		if action.Executor != "" && action.Operation != "" && len(action.Targets) > 0 {
			cls.Action = &action
		}
	}
	return cls, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func intentResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "support_intent",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"intent":{"type":"string"},
					"requires_approval":{"type":"boolean"},
					"reply":{"type":"string"},
					"action":{
						"anyOf":[
							{"type":"null"},
							{
								"type":"object",
								"additionalProperties":false,
								"properties":{
									"executor":{"type":"string"},
									"operation":{"type":"string"},
									"targets":{"type":"array","items":{"type":"string"}},
									"resources":{"type":"array","items":{"type":"string"}},
									"params":{"type":"array","items":{
										"type":"object",
										"additionalProperties":false,
										"properties":{"key":{"type":"string"},"value":{"type":"string"}},
										"required":["key","value"]
									}},
									"summary":{"type":"string"}
								},
								"required":["executor","operation","targets","resources","params","summary"]
							}
						]
					}
				},
				"required":["intent","requires_approval","reply","action"]
			}`),
		},
	}
}
