package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"support-agent/internal/domain"
	"support-agent/internal/usecase"
)

const (
	CorrelationHeader = "X-Correlation-Id"
	// ReviewerHeader carries the reviewer identity set by an authenticating
	// proxy in front of the decision links. It wins over any request value.
	ReviewerHeader = "X-Reviewer-Id"
	maxBodyBytes   = 64 << 10
)

// Engine is the orchestration surface the handler drives.
type Engine interface {
	HandleMessage(ctx context.Context, msg domain.InboundMessage) (usecase.MessageResult, error)
	HandleTimer(ctx context.Context, ev domain.TimerEvent) (usecase.EventResult, error)
	HandleDecisionToken(ctx context.Context, token, decidedBy string) (usecase.EventResult, error)
	Dispatch(ctx context.Context, approvalID string) (usecase.EventResult, error)
	Renotify(ctx context.Context, approvalID string) error
	Recover(ctx context.Context) (usecase.RecoveryReport, error)
}

type messageRequest struct {
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type decisionRequest struct {
	Token     string `json:"token"`
	DecidedBy string `json:"decidedBy"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type loggerKey struct{}

// NewRouter exposes the engine over HTTP. The same router serves API Gateway
// events and the local server.
func NewRouter(engine Engine, logger *slog.Logger) (http.Handler, error) {
	if engine == nil {
		return nil, errors.New("handler: engine must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &routes{engine: engine}

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(correlation(logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/messages", rt.postMessage)
	r.Get("/decisions", rt.decide)
	r.Post("/decisions", rt.decide)
	r.Post("/approvals/{approvalID}/renotify", rt.renotify)
	r.Post("/approvals/{approvalID}/dispatch", rt.dispatch)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"})
	})
	return r, nil
}

// correlation echoes or generates the correlation id and attaches a request
// logger carrying it.
func correlation(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(CorrelationHeader))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(CorrelationHeader, id)
			reqLogger := logger.With("correlation_id", id, "method", r.Method, "path", r.URL.Path)
			ctx := context.WithValue(r.Context(), loggerKey{}, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type routes struct {
	engine Engine
}

func (rt *routes) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg := domain.InboundMessage{
		UserID:    req.UserID,
		MessageID: req.MessageID,
		Text:      req.Text,
		Timestamp: domain.FromEpochMillis(req.Timestamp),
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	out, err := rt.engine.HandleMessage(r.Context(), msg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// decide serves both the reviewer links (GET with query parameters) and
// programmatic POSTs with a JSON body.
func (rt *routes) decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	if req.DecidedBy == "" {
		req.DecidedBy = r.URL.Query().Get("decidedBy")
	}
	if reviewer := strings.TrimSpace(r.Header.Get(ReviewerHeader)); reviewer != "" {
		req.DecidedBy = reviewer
	}
	out, err := rt.engine.HandleDecisionToken(r.Context(), req.Token, req.DecidedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *routes) renotify(w http.ResponseWriter, r *http.Request) {
	if err := rt.engine.Renotify(r.Context(), chi.URLParam(r, "approvalID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "notified"})
}

func (rt *routes) dispatch(w http.ResponseWriter, r *http.Request) {
	out, err := rt.engine.Dispatch(r.Context(), chi.URLParam(r, "approvalID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		loggerFrom(r.Context()).Info("rejected request body", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, reason := mapError(err)
	logger := loggerFrom(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", code, "reason", reason, "err", err)
	} else {
		logger.Info("request rejected", "code", code, "reason", reason, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: code, Reason: reason})
}

func mapError(err error) (int, string, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ""
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code), ue.Reason
	case usecase.ErrorNotFound:
		return http.StatusNotFound, string(ue.Code), ue.Reason
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ue.Code), ue.Reason
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ue.Code), ue.Reason
	case usecase.ErrorTransient:
		return http.StatusServiceUnavailable, string(ue.Code), ue.Reason
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ue.Reason
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
