package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"support-agent/internal/domain"
	"support-agent/internal/repository"
)

// Classifier tags a user message with an intent. It must not have side
// effects.
type Classifier interface {
	Classify(ctx context.Context, text string, history []domain.HistoryEntry) (domain.Classification, error)
}

// Scheduler arms and cancels conversation timers.
type Scheduler interface {
	Schedule(ctx context.Context, t domain.Timer) error
	Cancel(ctx context.Context, timerID string) error
}

// ReviewerChannel delivers approval requests to a human reviewer.
type ReviewerChannel interface {
	NotifyReviewer(ctx context.Context, notice domain.ReviewNotice) error
}

// UserChannel delivers messages that are not replies to an inbound message.
type UserChannel interface {
	SendUser(ctx context.Context, userID, conversationID, text string) error
}

// WorkQueue hands approved actions to a dispatch worker.
type WorkQueue interface {
	Publish(ctx context.Context, job domain.DispatchJob) error
}

const (
	maxWriteAttempts         = 3
	defaultMaxMessageLength  = 4000
	defaultOrphanApprovalAge = time.Minute
)

// Dependencies are the collaborators an Engine needs. Queue is optional;
// without it approved actions are dispatched inline.
type Dependencies struct {
	Store      repository.Store
	Classifier Classifier
	Scheduler  Scheduler
	Reviewer   ReviewerChannel
	Users      UserChannel
	Queue      WorkQueue
	Dispatcher *Dispatcher
	Signer     *TokenSigner
}

// Engine runs one state-machine transition per external trigger. Every call
// reads the store fresh, writes complete records guarded by version, and
// only then performs side effects.
type Engine struct {
	store      repository.Store
	classifier Classifier
	scheduler  Scheduler
	reviewer   ReviewerChannel
	users      UserChannel
	queue      WorkQueue
	dispatcher *Dispatcher
	signer     *TokenSigner

	machine       *Machine
	timing        Timing
	maxMessageLen int
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
	newID         func() string
}

type Option func(*Engine)

func WithTiming(t Timing) Option {
	return func(e *Engine) {
		e.timing = t
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func WithMaxMessageLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxMessageLen = n
		}
	}
}

func NewEngine(deps Dependencies, opts ...Option) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if deps.Classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if deps.Reviewer == nil {
		return nil, errors.New("usecase: reviewer channel must not be nil")
	}
	if deps.Users == nil {
		return nil, errors.New("usecase: user channel must not be nil")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if deps.Signer == nil {
		return nil, errors.New("usecase: token signer must not be nil")
	}

	e := &Engine{
		store:         deps.Store,
		classifier:    deps.Classifier,
		scheduler:     deps.Scheduler,
		reviewer:      deps.Reviewer,
		users:         deps.Users,
		queue:         deps.Queue,
		dispatcher:    deps.Dispatcher,
		signer:        deps.Signer,
		timing:        DefaultTiming(),
		maxMessageLen: defaultMaxMessageLength,
		logger:        slog.Default(),
		tracer:        otel.Tracer("support-agent/usecase"),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timing = e.timing.withDefaults()

	m, err := NewMachine(e.timing, e.newID)
	if err != nil {
		return nil, err
	}
	e.machine = m
	return e, nil
}

// MessageResult is returned to the chat transport for an inbound message.
type MessageResult struct {
	ConversationID string                   `json:"conversationId,omitempty"`
	State          domain.ConversationState `json:"state,omitempty"`
	Disposition    Disposition              `json:"disposition"`
	Replies        []string                 `json:"replies"`
	ApprovalID     string                   `json:"approvalId,omitempty"`
}

// EventResult reports what a timer, decision or dispatch trigger did.
type EventResult struct {
	ConversationID string                   `json:"conversationId,omitempty"`
	ApprovalID     string                   `json:"approvalId,omitempty"`
	State          domain.ConversationState `json:"state,omitempty"`
	Disposition    Disposition              `json:"disposition"`
	Reason         string                   `json:"reason,omitempty"`
}

// HandleMessage deduplicates msg, creates or resumes the user's active
// conversation and applies the message to it. Replies are returned rather
// than sent.
func (e *Engine) HandleMessage(ctx context.Context, msg domain.InboundMessage) (MessageResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.HandleMessage", trace.WithAttributes(
		attribute.String("user_id", msg.UserID),
		attribute.String("message_id", msg.MessageID),
	))
	defer span.End()

	msg.UserID = strings.TrimSpace(msg.UserID)
	msg.MessageID = strings.TrimSpace(msg.MessageID)
	msg.Text = strings.TrimSpace(msg.Text)
	switch {
	case msg.UserID == "":
		return MessageResult{}, newError(ErrorInvalidInput, "user_id_required", nil)
	case msg.MessageID == "":
		return MessageResult{}, newError(ErrorInvalidInput, "message_id_required", nil)
	case msg.Text == "":
		return MessageResult{}, newError(ErrorInvalidInput, "text_required", nil)
	case len([]rune(msg.Text)) > e.maxMessageLen:
		return MessageResult{}, newError(ErrorInvalidInput, "text_too_long", nil)
	}

	seen, err := e.store.MessageSeen(ctx, msg.MessageID)
	if err != nil {
		return MessageResult{}, e.fail(span, storeError("message_seen", err))
	}
	if seen {
		e.logger.InfoContext(ctx, "duplicate message dropped", "message_id", msg.MessageID)
		return MessageResult{Disposition: DispositionDuplicate, Replies: []string{}}, nil
	}

	var (
		result MessageResult
		cls    *domain.Classification
		out    Outcome
	)
	err = e.retry(ctx, "handle_message", func() error {
		at := e.now().UTC()
		conv, err := e.store.FindActive(ctx, msg.UserID)
		if err != nil {
			return storeError("find_active", err)
		}
		var prompt string
		if conv == nil {
			prev, err := e.store.FindLatest(ctx, msg.UserID)
			if err != nil {
				return storeError("find_latest", err)
			}
			if prev != nil && prev.HasMessage(msg.MessageID) {
				result = MessageResult{ConversationID: prev.ID, State: prev.State, Disposition: DispositionDuplicate, Replies: []string{}}
				return nil
			}
			prompt = relatedPrompt(prev, msg.Text, at, e.timing.RelatedWindow)
			conv = &domain.Conversation{
				ID:             "conv-" + e.newID(),
				UserID:         msg.UserID,
				State:          domain.StateOpen,
				CreatedAt:      at,
				LastActivityAt: at,
			}
		}
		if conv.HasMessage(msg.MessageID) {
			result = MessageResult{ConversationID: conv.ID, State: conv.State, Disposition: DispositionDuplicate, Replies: []string{}}
			return nil
		}

		if conv.State == domain.StateOpen && cls == nil {
			c, err := e.classifier.Classify(ctx, msg.Text, conv.History)
			if err != nil {
				return upstreamError("classify", err)
			}
			cls = &c
		}

		out, err = e.machine.Apply(conv, nil, Event{
			Kind:           EventUserMessage,
			At:             at,
			Message:        &msg,
			Classification: cls,
		})
		if err != nil {
			return newError(ErrorInternal, "transition", err)
		}
		if !out.Applied() {
			result = MessageResult{ConversationID: conv.ID, State: conv.State, Disposition: out.Disposition, Replies: []string{}}
			return nil
		}
		if prompt != "" {
			out.Conversation.Append(at, domain.ActorSystem, prompt)
			out.UserMessages = append(out.UserMessages, prompt)
		}
		if err := e.commit(ctx, out); err != nil {
			return err
		}
		result = MessageResult{
			ConversationID: out.Conversation.ID,
			State:          out.Conversation.State,
			Disposition:    DispositionApplied,
			Replies:        append([]string{}, out.UserMessages...),
		}
		if out.Approval != nil {
			result.ApprovalID = out.Approval.ID
		}
		return nil
	})
	if err != nil {
		return MessageResult{}, e.fail(span, err)
	}

	if result.Disposition == DispositionApplied {
		if err := e.store.MarkMessage(ctx, msg.MessageID, result.ConversationID); err != nil {
			// The conversation's own message ids still catch a redelivery.
			e.logger.WarnContext(ctx, "failed to mark message", "message_id", msg.MessageID, "err", err)
		}
		e.effects(ctx, out, false)
	}
	span.SetAttributes(
		attribute.String("conversation_id", result.ConversationID),
		attribute.String("disposition", string(result.Disposition)),
	)
	e.logger.InfoContext(ctx, "message handled",
		"conversation_id", result.ConversationID,
		"state", result.State,
		"disposition", result.Disposition,
	)
	return result, nil
}

// HandleTimer applies a fired timer. Timers that no longer match the
// conversation are absorbed as stale.
func (e *Engine) HandleTimer(ctx context.Context, ev domain.TimerEvent) (EventResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.HandleTimer", trace.WithAttributes(
		attribute.String("timer_id", ev.TimerID),
		attribute.String("conversation_id", ev.ConversationID),
		attribute.String("kind", string(ev.Kind)),
	))
	defer span.End()

	if strings.TrimSpace(ev.TimerID) == "" || strings.TrimSpace(ev.ConversationID) == "" {
		return EventResult{}, newError(ErrorInvalidInput, "timer_event_incomplete", nil)
	}

	var (
		result EventResult
		out    Outcome
	)
	err := e.retry(ctx, "handle_timer", func() error {
		conv, err := e.store.GetConversation(ctx, ev.ConversationID)
		if err != nil {
			return storeError("get_conversation", err)
		}
		if conv == nil {
			result = EventResult{ConversationID: ev.ConversationID, Disposition: DispositionStale, Reason: "conversation_not_found"}
			return nil
		}
		approval, err := e.pendingApproval(ctx, conv)
		if err != nil {
			return err
		}
		out, err = e.machine.Apply(conv, approval, Event{Kind: EventTimerFired, At: e.now().UTC(), Timer: &ev})
		if err != nil {
			return newError(ErrorInternal, "transition", err)
		}
		result = EventResult{ConversationID: conv.ID, State: conv.State, Disposition: out.Disposition, Reason: out.Reason}
		if approval != nil {
			result.ApprovalID = approval.ID
		}
		if !out.Applied() {
			return nil
		}
		if err := e.commit(ctx, out); err != nil {
			return err
		}
		result.State = out.Conversation.State
		return nil
	})
	if err != nil {
		return EventResult{}, e.fail(span, err)
	}

	switch {
	case out.Applied():
		e.effects(ctx, out, true)
	case out.Dispatch && result.ApprovalID != "":
		e.requestDispatch(ctx, result.ApprovalID)
	}
	e.logger.InfoContext(ctx, "timer handled",
		"timer_id", ev.TimerID,
		"conversation_id", ev.ConversationID,
		"kind", ev.Kind,
		"disposition", result.Disposition,
		"reason", result.Reason,
	)
	return result, nil
}

func (e *Engine) pendingApproval(ctx context.Context, conv *domain.Conversation) (*domain.ApprovalRequest, error) {
	if conv.PendingApprovalID == "" {
		return nil, nil
	}
	approval, err := e.store.GetApproval(ctx, conv.PendingApprovalID)
	if err != nil {
		return nil, storeError("get_approval", err)
	}
	return approval, nil
}

// commit writes the approval before the conversation. The approval write is
// the idempotency gate for decisions; a conversation that loses its race
// withdraws the approval it would have introduced.
func (e *Engine) commit(ctx context.Context, out Outcome) error {
	if out.Approval != nil {
		if err := e.store.PutApproval(ctx, out.Approval); err != nil {
			return storeError("put_approval", err)
		}
	}
	if err := e.store.PutConversation(ctx, out.Conversation); err != nil {
		if out.NewApproval && errors.Is(err, repository.ErrConflict) {
			e.withdraw(ctx, out.Approval)
		}
		return storeError("put_conversation", err)
	}
	return nil
}

// retry runs fn until it succeeds, fails with something other than a write
// conflict, or runs out of attempts. fn must re-read everything it writes.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, repository.ErrConflict) {
			return err
		}
		e.logger.InfoContext(ctx, "write conflict, retrying", "op", op, "attempt", attempt)
	}
	return err
}

// effects performs the side effects of a committed outcome. Failures are
// logged; the fire-time checks and the recovery sweep cover anything lost.
func (e *Engine) effects(ctx context.Context, out Outcome, deliver bool) {
	conv := out.Conversation
	for _, t := range out.Cancel {
		if err := e.scheduler.Cancel(ctx, t.ID); err != nil {
			e.logger.WarnContext(ctx, "failed to cancel timer", "timer_id", t.ID, "kind", t.Kind, "err", err)
		}
	}
	for _, t := range out.Arm {
		if err := e.scheduler.Schedule(ctx, t); err != nil {
			e.logger.ErrorContext(ctx, "failed to schedule timer",
				"timer_id", t.ID,
				"conversation_id", t.ConversationID,
				"kind", t.Kind,
				"err", err,
			)
		}
	}
	if deliver && conv != nil {
		for _, text := range out.UserMessages {
			if err := e.users.SendUser(ctx, conv.UserID, conv.ID, text); err != nil {
				e.logger.WarnContext(ctx, "failed to message user", "conversation_id", conv.ID, "err", err)
			}
		}
	}
	if out.NotifyReviewer && out.Approval != nil {
		e.notifyReviewer(ctx, out.Approval)
	}
	if out.Dispatch {
		id := ""
		if out.Approval != nil {
			id = out.Approval.ID
		} else if conv != nil {
			id = conv.PendingApprovalID
		}
		if id != "" {
			e.requestDispatch(ctx, id)
		}
	}
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
