package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"support-agent/internal/domain"
)

// ErrInvalidToken is returned for decision tokens that fail to parse or
// verify.
var ErrInvalidToken = errors.New("usecase: invalid decision token")

const minSecretLength = 16

// TokenSigner issues and verifies reviewer decision tokens of the form
// <decision>.<approval id>.<signature>.
type TokenSigner struct {
	secret []byte
}

func NewTokenSigner(secret []byte) (*TokenSigner, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("usecase: decision secret must be at least %d bytes", minSecretLength)
	}
	return &TokenSigner{secret: append([]byte(nil), secret...)}, nil
}

func (s *TokenSigner) Sign(d domain.Decision, approvalID string) string {
	payload := string(d) + "." + approvalID
	return payload + "." + s.mac(payload)
}

// Parse verifies token and returns the decision and approval id it carries.
func (s *TokenSigner) Parse(token string) (domain.Decision, string, error) {
	token = strings.TrimSpace(token)
	first := strings.Index(token, ".")
	last := strings.LastIndex(token, ".")
	if first <= 0 || last <= first+1 || last == len(token)-1 {
		return "", "", ErrInvalidToken
	}
	payload, sig := token[:last], token[last+1:]
	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return "", "", ErrInvalidToken
	}
	d, err := domain.ParseDecision(token[:first])
	if err != nil {
		return "", "", ErrInvalidToken
	}
	return d, token[first+1 : last], nil
}

func (s *TokenSigner) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// CreateApproval proposes action on an Open conversation, arms its expiry
// and notifies the reviewer. A failed notification leaves the request
// Pending for Renotify.
func (e *Engine) CreateApproval(ctx context.Context, conversationID string, action domain.Action, requester string, ttl time.Duration) (*domain.ApprovalRequest, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreateApproval", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
	))
	defer span.End()

	if strings.TrimSpace(conversationID) == "" {
		return nil, newError(ErrorInvalidInput, "conversation_id_required", nil)
	}
	if action.Executor == "" || action.Operation == "" || len(action.Targets) == 0 {
		return nil, newError(ErrorInvalidInput, "action_incomplete", nil)
	}

	var out Outcome
	err := e.retry(ctx, "create_approval", func() error {
		conv, err := e.store.GetConversation(ctx, conversationID)
		if err != nil {
			return storeError("get_conversation", err)
		}
		if conv == nil {
			return newError(ErrorNotFound, "conversation_not_found", nil)
		}
		out, err = e.machine.Propose(conv, action, requester, ttl, e.now().UTC())
		if errors.Is(err, ErrNotOpen) {
			return newError(ErrorInvalidInput, "conversation_not_open", err)
		}
		if err != nil {
			return newError(ErrorInternal, "transition", err)
		}
		return e.commit(ctx, out)
	})
	if err != nil {
		return nil, e.fail(span, err)
	}
	e.effects(ctx, out, true)
	e.logger.InfoContext(ctx, "approval created", "conversation_id", conversationID, "approval_id", out.Approval.ID)
	return out.Approval, nil
}

// HandleDecisionToken verifies a reviewer token and resolves its approval.
func (e *Engine) HandleDecisionToken(ctx context.Context, token, decidedBy string) (EventResult, error) {
	decision, approvalID, err := e.signer.Parse(token)
	if err != nil {
		return EventResult{}, newError(ErrorInvalidInput, "invalid_token", err)
	}
	return e.Resolve(ctx, approvalID, decision, decidedBy)
}

// Resolve records a reviewer decision. Decisions on an already decided
// request succeed without side effects, apart from repairing a conversation
// that never saw the first decision.
func (e *Engine) Resolve(ctx context.Context, approvalID string, decision domain.Decision, decidedBy string) (EventResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Resolve", trace.WithAttributes(
		attribute.String("approval_id", approvalID),
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	decidedBy = strings.TrimSpace(decidedBy)
	switch {
	case strings.TrimSpace(approvalID) == "":
		return EventResult{}, newError(ErrorInvalidInput, "approval_id_required", nil)
	case decidedBy == "":
		return EventResult{}, newError(ErrorInvalidInput, "decided_by_required", nil)
	case decision != domain.DecisionApprove && decision != domain.DecisionDeny:
		return EventResult{}, newError(ErrorInvalidInput, "invalid_decision", nil)
	}

	var (
		result EventResult
		out    Outcome
	)
	err := e.retry(ctx, "resolve", func() error {
		approval, err := e.store.GetApproval(ctx, approvalID)
		if err != nil {
			return storeError("get_approval", err)
		}
		if approval == nil {
			return newError(ErrorNotFound, "approval_not_found", nil)
		}
		conv, err := e.store.GetConversation(ctx, approval.ConversationID)
		if err != nil {
			return storeError("get_conversation", err)
		}
		if conv == nil {
			return newError(ErrorNotFound, "conversation_not_found", nil)
		}
		result = EventResult{ConversationID: conv.ID, ApprovalID: approval.ID, State: conv.State}

		if approval.Decided() {
			out = e.machine.Reconcile(conv, approval, e.now().UTC())
			result.Disposition = DispositionDuplicate
			result.Reason = "approval_already_decided"
			if out.Applied() {
				if err := e.commit(ctx, out); err != nil {
					return err
				}
				result.State = out.Conversation.State
			}
			return nil
		}

		out, err = e.machine.Apply(conv, approval, Event{
			Kind:      EventDecision,
			At:        e.now().UTC(),
			Decision:  decision,
			DecidedBy: decidedBy,
		})
		if err != nil {
			return newError(ErrorInternal, "transition", err)
		}
		result.Disposition = out.Disposition
		result.Reason = out.Reason
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
	case out.Dispatch:
		e.requestDispatch(ctx, approvalID)
	}
	e.logger.InfoContext(ctx, "decision handled",
		"approval_id", approvalID,
		"decision", decision,
		"decided_by", decidedBy,
		"disposition", result.Disposition,
		"state", result.State,
	)
	return result, nil
}

// Renotify re-sends the reviewer notification for a still Pending request.
func (e *Engine) Renotify(ctx context.Context, approvalID string) error {
	approval, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return storeError("get_approval", err)
	}
	if approval == nil {
		return newError(ErrorNotFound, "approval_not_found", nil)
	}
	if approval.Decided() {
		return nil
	}
	if err := e.notifyReviewer(ctx, approval); err != nil {
		return upstreamError("notify_reviewer", err)
	}
	return nil
}

func (e *Engine) notifyReviewer(ctx context.Context, approval *domain.ApprovalRequest) error {
	notice := domain.ReviewNotice{
		ApprovalID:     approval.ID,
		ConversationID: approval.ConversationID,
		Requester:      approval.Requester,
		Summary:        approval.Action.Describe(),
		ApproveToken:   e.signer.Sign(domain.DecisionApprove, approval.ID),
		DenyToken:      e.signer.Sign(domain.DecisionDeny, approval.ID),
		ExpiresAt:      approval.ExpiresAt,
	}
	notifyErr := e.reviewer.NotifyReviewer(ctx, notice)
	if notifyErr != nil {
		e.logger.ErrorContext(ctx, "failed to notify reviewer", "approval_id", approval.ID, "err", notifyErr)
	}

	// Bookkeeping only: a lost update here costs at most one extra notice.
	updated := approval.Clone()
	updated.NotifyAttempts++
	if notifyErr == nil {
		updated.NotifiedAt = e.now().UTC()
	}
	if err := e.store.PutApproval(ctx, updated); err != nil {
		e.logger.WarnContext(ctx, "failed to record notification", "approval_id", approval.ID, "err", err)
	} else {
		*approval = *updated
	}
	return notifyErr
}

// withdraw expires an approval whose conversation write lost a race, so it
// can never be decided.
func (e *Engine) withdraw(ctx context.Context, approval *domain.ApprovalRequest) {
	if approval == nil {
		return
	}
	withdrawn := approval.Clone()
	withdrawn.Status = domain.ApprovalExpired
	withdrawn.DecidedAt = e.now().UTC()
	if err := e.store.PutApproval(ctx, withdrawn); err != nil {
		e.logger.WarnContext(ctx, "failed to withdraw orphaned approval", "approval_id", approval.ID, "err", err)
		return
	}
	e.logger.InfoContext(ctx, "orphaned approval withdrawn", "approval_id", approval.ID)
}

func (e *Engine) requestDispatch(ctx context.Context, approvalID string) {
	if e.queue != nil {
		if err := e.queue.Publish(ctx, domain.DispatchJob{ApprovalID: approvalID}); err != nil {
			e.logger.ErrorContext(ctx, "failed to enqueue dispatch", "approval_id", approvalID, "err", err)
		}
		return
	}
	if _, err := e.Dispatch(ctx, approvalID); err != nil {
		e.logger.ErrorContext(ctx, "inline dispatch failed", "approval_id", approvalID, "err", err)
	}
}

// Dispatch executes an approved action at most once and folds its result
// into the conversation. A live claim by another worker makes this a no-op.
func (e *Engine) Dispatch(ctx context.Context, approvalID string) (EventResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Dispatch", trace.WithAttributes(
		attribute.String("approval_id", approvalID),
	))
	defer span.End()

	if strings.TrimSpace(approvalID) == "" {
		return EventResult{}, newError(ErrorInvalidInput, "approval_id_required", nil)
	}

	var (
		claimed *domain.ApprovalRequest
		result  = EventResult{ApprovalID: approvalID}
	)
	err := e.retry(ctx, "claim_dispatch", func() error {
		claimed = nil
		approval, err := e.store.GetApproval(ctx, approvalID)
		if err != nil {
			return storeError("get_approval", err)
		}
		if approval == nil {
			return newError(ErrorNotFound, "approval_not_found", nil)
		}
		result.ConversationID = approval.ConversationID
		switch {
		case approval.Status != domain.ApprovalApproved:
			result.Disposition, result.Reason = DispositionStale, "approval_not_approved"
			return nil
		case approval.Result != nil:
			result.Disposition, result.Reason = DispositionDuplicate, "already_executed"
			claimed = approval
			return nil
		case !e.machine.DispatchDue(approval, e.now()):
			result.Disposition, result.Reason = DispositionDuplicate, "claimed_by_another_worker"
			return nil
		}
		next := approval.Clone()
		next.Dispatch = domain.DispatchInfo{
			State:     domain.DispatchClaimed,
			ClaimedAt: e.now().UTC(),
			Attempts:  approval.Dispatch.Attempts + 1,
		}
		if err := e.store.PutApproval(ctx, next); err != nil {
			return storeError("claim_dispatch", err)
		}
		claimed = next
		result.Disposition = DispositionApplied
		return nil
	})
	if err != nil {
		return EventResult{}, e.fail(span, err)
	}
	if claimed == nil {
		return result, nil
	}

	if claimed.Result == nil {
		res := e.dispatcher.Execute(ctx, claimed.ID, claimed.Action)
		stored, err := e.storeResult(ctx, claimed, res)
		if err != nil {
			// The claim lapses and the recovery sweep folds or redrives.
			return EventResult{}, e.fail(span, err)
		}
		claimed = stored
		e.logger.InfoContext(ctx, "action executed",
			"approval_id", claimed.ID,
			"executor", claimed.Action.Executor,
			"overall_success", res.OverallSuccess,
			"targets", len(res.Outcomes),
		)
	}

	state, err := e.fold(ctx, claimed)
	if err != nil {
		return EventResult{}, e.fail(span, err)
	}
	result.State = state
	return result, nil
}

// storeResult writes res once. If another writer got there first its result
// wins; results are immutable.
func (e *Engine) storeResult(ctx context.Context, approval *domain.ApprovalRequest, res domain.ExecutionResult) (*domain.ApprovalRequest, error) {
	current := approval
	var stored *domain.ApprovalRequest
	err := e.retry(ctx, "store_result", func() error {
		if current == nil {
			fresh, err := e.store.GetApproval(ctx, approval.ID)
			if err != nil {
				return storeError("get_approval", err)
			}
			if fresh == nil {
				return newError(ErrorNotFound, "approval_not_found", nil)
			}
			current = fresh
		}
		if current.Result != nil {
			stored = current
			return nil
		}
		next := current.Clone()
		r := res
		next.Result = &r
		next.Dispatch.State = domain.DispatchDone
		if err := e.store.PutApproval(ctx, next); err != nil {
			current = nil
			return storeError("store_result", err)
		}
		stored = next
		return nil
	})
	return stored, err
}

// fold applies a decided approval to its conversation if the conversation
// has not caught up yet.
func (e *Engine) fold(ctx context.Context, approval *domain.ApprovalRequest) (domain.ConversationState, error) {
	var (
		out   Outcome
		state domain.ConversationState
	)
	err := e.retry(ctx, "fold_result", func() error {
		conv, err := e.store.GetConversation(ctx, approval.ConversationID)
		if err != nil {
			return storeError("get_conversation", err)
		}
		if conv == nil {
			return newError(ErrorNotFound, "conversation_not_found", nil)
		}
		state = conv.State
		out = e.machine.Reconcile(conv, approval, e.now().UTC())
		if !out.Applied() {
			return nil
		}
		if err := e.commit(ctx, out); err != nil {
			return err
		}
		state = out.Conversation.State
		return nil
	})
	if err != nil {
		return "", err
	}
	if out.Applied() {
		// Dispatch is already under way; only the notifications remain.
		out.Dispatch = false
		e.effects(ctx, out, true)
	}
	return state, nil
}

// RecoveryReport counts what a recovery sweep repaired.
type RecoveryReport struct {
	Expired    int `json:"expired"`
	Withdrawn  int `json:"withdrawn"`
	Renotified int `json:"renotified"`
	Dispatched int `json:"dispatched"`
	Folded     int `json:"folded"`
	Failed     int `json:"failed"`
}

// Recover re-drives work a crash may have dropped: overdue or never
// notified Pending approvals, Approved approvals that were never executed,
// and decided approvals their conversation never absorbed.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Recover")
	defer span.End()

	var report RecoveryReport
	now := e.now().UTC()

	pending, err := e.store.ApprovalsByStatus(ctx, domain.ApprovalPending)
	if err != nil {
		return report, e.fail(span, storeError("approvals_by_status", err))
	}
	for _, a := range pending {
		if err := e.recoverPending(ctx, a, now, &report); err != nil {
			report.Failed++
			e.logger.ErrorContext(ctx, "recovery failed", "approval_id", a.ID, "status", a.Status, "err", err)
		}
	}

	for _, status := range []domain.ApprovalStatus{domain.ApprovalApproved, domain.ApprovalDenied, domain.ApprovalExpired} {
		decided, err := e.store.ApprovalsByStatus(ctx, status)
		if err != nil {
			return report, e.fail(span, storeError("approvals_by_status", err))
		}
		for _, a := range decided {
			settled := a.Status != domain.ApprovalApproved || a.Result != nil
			if settled && now.Sub(a.DecidedAt) > e.timing.ApprovalTTL {
				continue
			}
			if err := e.recoverDecided(ctx, a, now, &report); err != nil {
				report.Failed++
				e.logger.ErrorContext(ctx, "recovery failed", "approval_id", a.ID, "status", a.Status, "err", err)
			}
		}
	}

	e.logger.InfoContext(ctx, "recovery sweep finished",
		"expired", report.Expired,
		"withdrawn", report.Withdrawn,
		"renotified", report.Renotified,
		"dispatched", report.Dispatched,
		"folded", report.Folded,
		"failed", report.Failed,
	)
	return report, nil
}

func (e *Engine) recoverPending(ctx context.Context, a *domain.ApprovalRequest, now time.Time, report *RecoveryReport) error {
	conv, err := e.store.GetConversation(ctx, a.ConversationID)
	if err != nil {
		return storeError("get_conversation", err)
	}
	if conv == nil || conv.PendingApprovalID != a.ID {
		if now.Sub(a.CreatedAt) < defaultOrphanApprovalAge {
			return nil
		}
		e.withdraw(ctx, a)
		report.Withdrawn++
		return nil
	}

	if !now.Before(a.ExpiresAt) {
		var out Outcome
		err := e.retry(ctx, "expire_overdue", func() error {
			conv, err := e.store.GetConversation(ctx, a.ConversationID)
			if err != nil {
				return storeError("get_conversation", err)
			}
			approval, err := e.store.GetApproval(ctx, a.ID)
			if err != nil {
				return storeError("get_approval", err)
			}
			if conv == nil || approval == nil {
				return nil
			}
			out, err = e.machine.Apply(conv, approval, Event{Kind: EventApprovalOverdue, At: e.now().UTC()})
			if err != nil {
				return newError(ErrorInternal, "transition", err)
			}
			if !out.Applied() {
				return nil
			}
			return e.commit(ctx, out)
		})
		if err != nil {
			return err
		}
		if out.Applied() {
			e.effects(ctx, out, true)
			report.Expired++
		}
		return nil
	}

	if a.NotifiedAt.IsZero() {
		if err := e.notifyReviewer(ctx, a); err != nil {
			return err
		}
		report.Renotified++
	}
	return nil
}

func (e *Engine) recoverDecided(ctx context.Context, a *domain.ApprovalRequest, now time.Time, report *RecoveryReport) error {
	if a.Status == domain.ApprovalApproved && a.Result == nil {
		if !e.machine.DispatchDue(a, now) {
			return nil
		}
		// Give the normal path a lease to dispatch before stepping in.
		if a.Dispatch.State == domain.DispatchNone && now.Sub(a.DecidedAt) < e.timing.DispatchLease {
			return nil
		}
		e.requestDispatch(ctx, a.ID)
		report.Dispatched++
		return nil
	}

	conv, err := e.store.GetConversation(ctx, a.ConversationID)
	if err != nil {
		return storeError("get_conversation", err)
	}
	if conv == nil || conv.PendingApprovalID != a.ID {
		return nil
	}
	if _, err := e.fold(ctx, a); err != nil {
		return err
	}
	report.Folded++
	return nil
}
