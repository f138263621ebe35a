package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aws/aws-lambda-go/events"

	"support-agent/internal/queue"
	"support-agent/internal/scheduler"
	"support-agent/internal/usecase"
)

// RecoverSource marks the periodic recovery sweep payload.
const RecoverSource = "support-agent.recover"

// Handler is the single Lambda entry point. It accepts API Gateway proxy
// requests, fired timers, SQS dispatch batches and recovery sweeps.
type Handler struct {
	engine Engine
	router http.Handler
	logger *slog.Logger
}

func NewHandler(engine Engine, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	router, err := NewRouter(engine, logger)
	if err != nil {
		return nil, err
	}
	return &Handler{engine: engine, router: router, logger: logger}, nil
}

// invocationShape holds just enough of each invocation shape to route it.
type invocationShape struct {
	Records []struct {
		EventSource string `json:"eventSource"`
	} `json:"Records"`
	Source     string `json:"source"`
	HTTPMethod string `json:"httpMethod"`
}

// Handle routes a raw invocation payload.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var p invocationShape
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("handler: decode invocation: %w", err)
	}

	switch {
	case p.HTTPMethod != "":
		var req events.APIGatewayProxyRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("handler: decode api gateway request: %w", err)
		}
		return h.HandleAPIGateway(ctx, req)
	case len(p.Records) > 0 && p.Records[0].EventSource == "aws:sqs":
		var ev events.SQSEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("handler: decode sqs event: %w", err)
		}
		return h.HandleSQS(ctx, ev)
	case p.Source == scheduler.TimerSource:
		var env scheduler.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("handler: decode timer envelope: %w", err)
		}
		return h.HandleTimer(ctx, env)
	case p.Source == RecoverSource:
		return h.engine.Recover(ctx)
	default:
		h.logger.Warn("unrecognised invocation", "source", p.Source)
		return nil, errors.New("handler: unrecognised invocation payload")
	}
}

// HandleAPIGateway serves a proxy request through the HTTP router.
func (h *Handler) HandleAPIGateway(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"}), nil
		}
		body = decoded
	}

	query := url.Values{}
	for k, vs := range req.MultiValueQueryStringParameters {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	for k, v := range req.QueryStringParameters {
		if _, ok := query[k]; !ok {
			query.Set(k, v)
		}
	}

	path := req.Path
	if path == "" {
		path = "/"
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.HTTPMethod, (&url.URL{Path: path, RawQuery: query.Encode()}).String(), bytes.NewReader(body))
	if err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_request"}), nil
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.MultiValueHeaders {
		for _, v := range vs {
			if httpReq.Header.Get(k) != v {
				httpReq.Header.Add(k, v)
			}
		}
	}
	httpReq.ContentLength = int64(len(body))

	rec := newBufferedResponse()
	h.router.ServeHTTP(rec, httpReq)
	return rec.proxyResponse(), nil
}

// HandleSQS dispatches each job and reports the retryable failures so only
// those messages are redelivered.
func (h *Handler) HandleSQS(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		logger := h.logger.With("message_id", rec.MessageId)
		job, err := queue.DecodeJob(rec.Body)
		if err != nil {
			logger.Error("dropping malformed dispatch job", "err", err)
			continue
		}
		out, err := h.engine.Dispatch(ctx, job.ApprovalID)
		if err != nil {
			if usecase.IsRetryable(err) {
				logger.Warn("dispatch failed, will retry", "approval_id", job.ApprovalID, "err", err)
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
				continue
			}
			logger.Error("dispatch failed permanently", "approval_id", job.ApprovalID, "err", err)
			continue
		}
		logger.Info("dispatch job handled", "approval_id", job.ApprovalID, "disposition", out.Disposition, "reason", out.Reason)
	}
	return resp, nil
}

// HandleTimer delivers a fired timer. Retryable failures are returned so the
// scheduler redelivers; everything else is logged and acknowledged.
func (h *Handler) HandleTimer(ctx context.Context, env scheduler.Envelope) (usecase.EventResult, error) {
	out, err := h.engine.HandleTimer(ctx, env.Timer)
	if err != nil {
		if usecase.IsRetryable(err) {
			return usecase.EventResult{}, err
		}
		h.logger.Error("timer rejected", "timer_id", env.Timer.TimerID, "err", err)
		return usecase.EventResult{ConversationID: env.Timer.ConversationID}, nil
	}
	return out, nil
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) proxyResponse() events.APIGatewayProxyResponse {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(b.header))
	for k := range b.header {
		headers[k] = b.header.Get(k)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       b.body.String(),
	}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
