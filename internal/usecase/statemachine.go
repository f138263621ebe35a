package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"support-agent/internal/domain"
)

// EventKind names what triggered a transition.
type EventKind string

const (
	EventUserMessage     EventKind = "user_message"
	EventTimerFired      EventKind = "timer_fired"
	EventDecision        EventKind = "decision"
	EventExecutionResult EventKind = "execution_result"
	// EventApprovalOverdue is raised by the recovery sweep for a pending
	// approval whose expiry timer never arrived.
	EventApprovalOverdue EventKind = "approval_overdue"
)

// Event is one input to the state machine.
type Event struct {
	Kind           EventKind
	At             time.Time
	Message        *domain.InboundMessage
	Classification *domain.Classification
	Timer          *domain.TimerEvent
	Decision       domain.Decision
	DecidedBy      string
}

// Disposition says whether an event changed anything.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionDuplicate Disposition = "duplicate"
	DispositionStale     Disposition = "stale"
)

// Outcome is the fully computed result of one transition. Nothing in it has
// been persisted or sent yet.
type Outcome struct {
	Disposition  Disposition
	Reason       string
	Conversation *domain.Conversation
	Approval     *domain.ApprovalRequest
	NewApproval  bool
	Arm          []domain.Timer
	Cancel       []domain.Timer
	UserMessages []string
	// NotifyReviewer asks for Approval to be sent to the reviewer channel.
	NotifyReviewer bool
	// Dispatch asks for Approval's action to be executed.
	Dispatch bool
}

// Applied reports whether the outcome must be persisted.
func (o Outcome) Applied() bool {
	return o.Disposition == DispositionApplied
}

func stale(reason string) Outcome {
	return Outcome{Disposition: DispositionStale, Reason: reason}
}

func duplicate(reason string) Outcome {
	return Outcome{Disposition: DispositionDuplicate, Reason: reason}
}

var allowedTransitions = map[domain.ConversationState]map[domain.ConversationState]struct{}{
	domain.StateOpen: {
		domain.StateOpen:             {},
		domain.StateAwaitingApproval: {},
		domain.StateResolved:         {},
		domain.StateTimedOut:         {},
	},
	domain.StateAwaitingApproval: {
		domain.StateAwaitingApproval: {},
		domain.StateResolved:         {},
		domain.StateEscalated:        {},
	},
	domain.StateResolved:  {},
	domain.StateTimedOut:  {},
	domain.StateEscalated: {},
}

// ValidateTransition rejects conversation state changes outside the table.
func ValidateTransition(from, to domain.ConversationState) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid conversation state: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid conversation state: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid conversation transition: %s -> %s", from, to)
	}
	return nil
}

// Timing holds the timer horizons and freshness windows.
type Timing struct {
	EngagementCheck1 time.Duration
	EngagementCheck2 time.Duration
	AutoResolve      time.Duration
	ApprovalTTL      time.Duration
	Grace            time.Duration
	DispatchLease    time.Duration
	RelatedWindow    time.Duration
	MessageIDLimit   int
}

// DefaultTiming returns the production horizons.
func DefaultTiming() Timing {
	return Timing{
		EngagementCheck1: 5 * time.Minute,
		EngagementCheck2: 10 * time.Minute,
		AutoResolve:      15 * time.Minute,
		ApprovalTTL:      5 * 24 * time.Hour,
		Grace:            30 * time.Second,
		DispatchLease:    15 * time.Minute,
		RelatedWindow:    30 * time.Minute,
		MessageIDLimit:   50,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.EngagementCheck1 <= 0 {
		t.EngagementCheck1 = d.EngagementCheck1
	}
	if t.EngagementCheck2 <= t.EngagementCheck1 {
		t.EngagementCheck2 = t.EngagementCheck1 * 2
	}
	if t.AutoResolve <= t.EngagementCheck2 {
		t.AutoResolve = t.EngagementCheck2 + t.EngagementCheck1
	}
	if t.ApprovalTTL <= 0 {
		t.ApprovalTTL = d.ApprovalTTL
	}
	if t.Grace < 0 {
		t.Grace = 0
	}
	if t.DispatchLease <= 0 {
		t.DispatchLease = d.DispatchLease
	}
	if t.RelatedWindow <= 0 {
		t.RelatedWindow = d.RelatedWindow
	}
	if t.MessageIDLimit <= 0 {
		t.MessageIDLimit = d.MessageIDLimit
	}
	return t
}

// User-facing copy.
const (
	msgClarify        = "I'm not sure I understood that. Could you tell me a bit more about what you need?"
	msgAcknowledge    = "Got it. Let me know if there is anything else."
	msgResolved       = "Glad I could help! I'll close this conversation now."
	msgStillWaiting   = "Your request is still waiting for a reviewer's decision. I'll let you know as soon as it's decided."
	msgCheckIn1       = "Are you still there? Let me know if you need anything else."
	msgCheckIn2       = "Just checking in again. I'll close this conversation soon if I don't hear back."
	msgTimedOut       = "I haven't heard back, so I'm closing this conversation. Send a new message any time if you still need help."
	msgApprovalIntro  = "This needs a reviewer's approval. I've sent the request (%s) and will let you know once it's decided."
	msgDenied         = "A reviewer declined your request (%s). I've escalated it so someone from the support team can follow up with you."
	msgExpired        = "No decision was made in time on your request (%s). I've escalated it to the support team."
	msgExecSuccess    = "Done! Your request (%s) has been completed."
	msgExecPartial    = "I could only partially complete your request (%s):\n%s\nI've escalated it so someone can finish the rest manually."
	historyApprovedBy = "Approved by %s. Applying the change."
)

// Machine computes conversation transitions. It performs no I/O.
type Machine struct {
	timing Timing
	newID  func() string
}

// NewMachine creates a Machine. newID generates approval and timer ids.
func NewMachine(timing Timing, newID func() string) (*Machine, error) {
	if newID == nil {
		return nil, errors.New("usecase: id generator must not be nil")
	}
	return &Machine{timing: timing.withDefaults(), newID: newID}, nil
}

// Apply computes the outcome of ev against conv and, where relevant, the
// conversation's pending approval. Inputs are never mutated.
func (m *Machine) Apply(conv *domain.Conversation, approval *domain.ApprovalRequest, ev Event) (Outcome, error) {
	if conv == nil {
		return Outcome{}, errors.New("usecase: conversation is required")
	}
	var (
		out Outcome
		err error
	)
	switch ev.Kind {
	case EventUserMessage:
		out, err = m.onMessage(conv.Clone(), ev)
	case EventTimerFired:
		out, err = m.onTimer(conv.Clone(), approval.Clone(), ev)
	case EventDecision:
		out, err = m.onDecision(conv.Clone(), approval.Clone(), ev)
	case EventExecutionResult:
		out = m.Reconcile(conv, approval, ev.At)
	case EventApprovalOverdue:
		out = m.onOverdue(conv.Clone(), approval.Clone(), ev)
	default:
		return Outcome{}, fmt.Errorf("usecase: unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return Outcome{}, err
	}
	if out.Applied() {
		if err := ValidateTransition(conv.State, out.Conversation.State); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

func (m *Machine) onMessage(conv *domain.Conversation, ev Event) (Outcome, error) {
	msg := ev.Message
	if msg == nil {
		return Outcome{}, errors.New("usecase: message event has no message")
	}
	if conv.HasMessage(msg.MessageID) {
		return duplicate("message_already_processed"), nil
	}
	if conv.State.Terminal() {
		return stale("conversation_closed"), nil
	}

	conv.Append(ev.At, domain.ActorUser, msg.Text)
	conv.LastActivityAt = ev.At
	conv.RememberMessage(msg.MessageID, m.timing.MessageIDLimit)
	conv.Topic = mergeKeywords(conv.Topic, keywords(msg.Text))
	out := Outcome{Disposition: DispositionApplied, Conversation: conv}

	if conv.State == domain.StateAwaitingApproval {
		m.say(&out, ev.At, msgStillWaiting)
		return out, nil
	}

	cls := ev.Classification
	if cls == nil {
		cls = &domain.Classification{Intent: domain.IntentUnknown}
	}
	intent := strings.ToLower(strings.TrimSpace(cls.Intent))

	switch {
	case cls.RequiresApproval && cls.Action != nil && len(cls.Action.Targets) > 0:
		m.openApproval(&out, ev.At, *cls.Action, conv.UserID, m.timing.ApprovalTTL, cls.Reply)
	case intent == domain.IntentResolved:
		out.Cancel = append(out.Cancel, conv.Timers...)
		conv.Timers = nil
		conv.State = domain.StateResolved
		conv.ClosedAt = ev.At
		m.say(&out, ev.At, msgResolved)
	case intent == "" || intent == domain.IntentUnknown || cls.RequiresApproval:
		// An approval intent without a usable action is as good as unknown.
		m.armEngagement(&out, ev.At)
		m.say(&out, ev.At, firstNonEmpty(cls.Reply, msgClarify))
	default:
		m.armEngagement(&out, ev.At)
		m.say(&out, ev.At, firstNonEmpty(cls.Reply, msgAcknowledge))
	}
	return out, nil
}

// ErrNotOpen is returned when an approval is proposed for a conversation
// that is not Open.
var ErrNotOpen = errors.New("usecase: conversation is not open")

// Propose opens an approval for action on an Open conversation without a
// triggering user message.
func (m *Machine) Propose(conv *domain.Conversation, action domain.Action, requester string, ttl time.Duration, at time.Time) (Outcome, error) {
	if conv == nil {
		return Outcome{}, errors.New("usecase: conversation is required")
	}
	if conv.State != domain.StateOpen {
		return Outcome{}, ErrNotOpen
	}
	if ttl <= 0 {
		ttl = m.timing.ApprovalTTL
	}
	if requester == "" {
		requester = conv.UserID
	}
	out := Outcome{Disposition: DispositionApplied, Conversation: conv.Clone()}
	m.openApproval(&out, at, action, requester, ttl, "")
	return out, nil
}

func (m *Machine) openApproval(out *Outcome, at time.Time, action domain.Action, requester string, ttl time.Duration, reply string) {
	conv := out.Conversation
	req := &domain.ApprovalRequest{
		ID:             "apr-" + m.newID(),
		ConversationID: conv.ID,
		Action:         action,
		Requester:      requester,
		Status:         domain.ApprovalPending,
		CreatedAt:      at.UTC(),
		ExpiresAt:      at.Add(ttl).UTC(),
	}
	out.Cancel = append(out.Cancel, conv.Timers...)
	expiry := m.timer(conv.ID, domain.TimerApprovalExpiry, at, ttl)
	conv.Timers = []domain.Timer{expiry}
	conv.State = domain.StateAwaitingApproval
	conv.PendingApprovalID = req.ID

	out.Approval = req
	out.NewApproval = true
	out.NotifyReviewer = true
	out.Arm = append(out.Arm, expiry)
	if reply = strings.TrimSpace(reply); reply != "" {
		m.say(out, at, reply)
	}
	m.say(out, at, fmt.Sprintf(msgApprovalIntro, action.Describe()))
}

// armEngagement replaces the Open-state timers with a fresh first check-in
// and auto-resolve measured from at.
func (m *Machine) armEngagement(out *Outcome, at time.Time) {
	conv := out.Conversation
	out.Cancel = append(out.Cancel, conv.Timers...)
	check := m.timer(conv.ID, domain.TimerEngagementCheck1, at, m.timing.EngagementCheck1)
	resolve := m.timer(conv.ID, domain.TimerAutoResolve, at, m.timing.AutoResolve)
	conv.Timers = []domain.Timer{check, resolve}
	out.Arm = append(out.Arm, check, resolve)
}

func (m *Machine) onTimer(conv *domain.Conversation, approval *domain.ApprovalRequest, ev Event) (Outcome, error) {
	te := ev.Timer
	if te == nil {
		return Outcome{}, errors.New("usecase: timer event has no timer")
	}
	armed, ok := conv.ArmedTimer(te.TimerID)
	if !ok {
		return stale("timer_not_armed"), nil
	}
	if conv.State != armed.Kind.ArmedBy() {
		return stale("state_changed"), nil
	}

	out := Outcome{Disposition: DispositionApplied, Conversation: conv}
	switch armed.Kind {
	case domain.TimerEngagementCheck1, domain.TimerEngagementCheck2:
		if conv.LastActivityAt.After(armed.ScheduledAt) {
			return stale("activity_since_scheduled"), nil
		}
		if ev.At.Sub(conv.LastActivityAt) < armed.Delay()-m.timing.Grace {
			return stale("not_idle_long_enough"), nil
		}
		removeTimer(conv, armed.ID)
		if armed.Kind == domain.TimerEngagementCheck1 {
			next := m.timer(conv.ID, domain.TimerEngagementCheck2, ev.At, m.timing.EngagementCheck2-m.timing.EngagementCheck1)
			conv.Timers = append(conv.Timers, next)
			out.Arm = append(out.Arm, next)
			m.say(&out, ev.At, msgCheckIn1)
		} else {
			m.say(&out, ev.At, msgCheckIn2)
		}
	case domain.TimerAutoResolve:
		if conv.LastActivityAt.After(armed.ScheduledAt) {
			return stale("activity_since_scheduled"), nil
		}
		removeTimer(conv, armed.ID)
		out.Cancel = append(out.Cancel, conv.Timers...)
		conv.Timers = nil
		conv.State = domain.StateTimedOut
		conv.ClosedAt = ev.At
		m.say(&out, ev.At, msgTimedOut)
	case domain.TimerApprovalExpiry:
		if approval == nil || approval.ID != conv.PendingApprovalID {
			return stale("approval_not_pending_on_conversation"), nil
		}
		if approval.Decided() {
			// The decision was recorded but never folded into the conversation.
			return m.Reconcile(conv, approval, ev.At), nil
		}
		if ev.At.Before(approval.ExpiresAt.Add(-m.timing.Grace)) {
			return stale("fired_before_expiry"), nil
		}
		removeTimer(conv, armed.ID)
		m.expire(&out, approval, ev.At)
	default:
		return Outcome{}, fmt.Errorf("usecase: unknown timer kind %q", armed.Kind)
	}
	return out, nil
}

func (m *Machine) onOverdue(conv *domain.Conversation, approval *domain.ApprovalRequest, ev Event) Outcome {
	if approval == nil || conv.State != domain.StateAwaitingApproval || approval.ID != conv.PendingApprovalID {
		return stale("approval_not_pending_on_conversation")
	}
	if approval.Decided() {
		return stale("approval_already_decided")
	}
	if ev.At.Before(approval.ExpiresAt) {
		return stale("not_overdue")
	}
	out := Outcome{Disposition: DispositionApplied, Conversation: conv}
	m.expire(&out, approval, ev.At)
	return out
}

func (m *Machine) expire(out *Outcome, approval *domain.ApprovalRequest, at time.Time) {
	approval.Status = domain.ApprovalExpired
	approval.DecidedAt = at.UTC()
	out.Approval = approval
	m.escalate(out, at, fmt.Sprintf(msgExpired, approval.Action.Describe()))
}

func (m *Machine) escalate(out *Outcome, at time.Time, text string) {
	conv := out.Conversation
	out.Cancel = append(out.Cancel, conv.Timers...)
	conv.Timers = nil
	conv.State = domain.StateEscalated
	conv.PendingApprovalID = ""
	conv.ClosedAt = at
	m.say(out, at, text)
}

func (m *Machine) onDecision(conv *domain.Conversation, approval *domain.ApprovalRequest, ev Event) (Outcome, error) {
	if approval == nil {
		return Outcome{}, errors.New("usecase: decision event has no approval")
	}
	if approval.Decided() {
		return duplicate("approval_already_decided"), nil
	}
	if conv.State != domain.StateAwaitingApproval || conv.PendingApprovalID != approval.ID {
		return stale("approval_not_pending_on_conversation"), nil
	}

	out := Outcome{Disposition: DispositionApplied, Conversation: conv}
	if !ev.At.Before(approval.ExpiresAt) {
		m.expire(&out, approval, ev.At)
		out.Reason = "decision_after_expiry"
		return out, nil
	}

	approval.DecidedBy = ev.DecidedBy
	approval.DecidedAt = ev.At.UTC()
	out.Approval = approval
	switch ev.Decision {
	case domain.DecisionDeny:
		approval.Status = domain.ApprovalDenied
		m.escalate(&out, ev.At, fmt.Sprintf(msgDenied, approval.Action.Describe()))
	case domain.DecisionApprove:
		approval.Status = domain.ApprovalApproved
		// The expiry timer is moot once decided; the conversation stays
		// awaiting until the execution result is folded in.
		out.Cancel = append(out.Cancel, conv.Timers...)
		conv.Timers = nil
		conv.Append(ev.At, domain.ActorSystem, fmt.Sprintf(historyApprovedBy, ev.DecidedBy))
		out.Dispatch = true
	default:
		return Outcome{}, fmt.Errorf("usecase: invalid decision %q", ev.Decision)
	}
	return out, nil
}

// Reconcile folds an already-decided approval into a conversation that still
// points at it. It is how a crash between the approval write and the
// conversation write is repaired, and how execution results are folded.
func (m *Machine) Reconcile(conv *domain.Conversation, approval *domain.ApprovalRequest, now time.Time) Outcome {
	if conv == nil || approval == nil {
		return stale("nothing_to_reconcile")
	}
	if conv.State != domain.StateAwaitingApproval || conv.PendingApprovalID != approval.ID {
		return duplicate("conversation_already_settled")
	}
	next := conv.Clone()
	out := Outcome{Disposition: DispositionApplied, Conversation: next}
	summary := approval.Action.Describe()

	switch approval.Status {
	case domain.ApprovalPending:
		return stale("approval_pending")
	case domain.ApprovalDenied:
		m.escalate(&out, now, fmt.Sprintf(msgDenied, summary))
	case domain.ApprovalExpired:
		m.escalate(&out, now, fmt.Sprintf(msgExpired, summary))
	case domain.ApprovalApproved:
		if approval.Result == nil {
			due := m.DispatchDue(approval, now)
			if len(next.Timers) == 0 {
				if !due {
					return stale("dispatch_in_progress")
				}
				return Outcome{Disposition: DispositionStale, Reason: "dispatch_due", Dispatch: true}
			}
			// The approval was written but the conversation still carries
			// its expiry timer.
			out.Cancel = append(out.Cancel, next.Timers...)
			next.Timers = nil
			next.Append(now, domain.ActorSystem, fmt.Sprintf(historyApprovedBy, approval.DecidedBy))
			out.Dispatch = due
			return out
		}
		res := approval.Result
		next.Append(now, domain.ActorSystem, renderResult(res))
		out.Cancel = append(out.Cancel, next.Timers...)
		next.Timers = nil
		next.PendingApprovalID = ""
		next.ClosedAt = now
		if res.OverallSuccess {
			next.State = domain.StateResolved
			m.say(&out, now, fmt.Sprintf(msgExecSuccess, summary))
		} else {
			next.State = domain.StateEscalated
			m.say(&out, now, fmt.Sprintf(msgExecPartial, summary, renderOutcomes(res.Outcomes)))
		}
	default:
		return stale("unknown_approval_status")
	}
	return out
}

// DispatchDue reports whether an approved, unexecuted action should be
// (re)dispatched now. An unclaimed action always is; a claimed one only once
// the claim has lapsed. The claim itself is what prevents double execution.
func (m *Machine) DispatchDue(approval *domain.ApprovalRequest, now time.Time) bool {
	if approval == nil || approval.Status != domain.ApprovalApproved || approval.Result != nil {
		return false
	}
	switch approval.Dispatch.State {
	case domain.DispatchNone:
		return true
	case domain.DispatchClaimed:
		return now.Sub(approval.Dispatch.ClaimedAt) >= m.timing.DispatchLease
	default:
		return false
	}
}

func (m *Machine) timer(conversationID string, kind domain.TimerKind, at time.Time, delay time.Duration) domain.Timer {
	return domain.Timer{
		ID:             "tmr-" + m.newID(),
		ConversationID: conversationID,
		Kind:           kind,
		ScheduledAt:    at.UTC(),
		FireAt:         at.Add(delay).UTC(),
	}
}

func (m *Machine) say(out *Outcome, at time.Time, text string) {
	out.Conversation.Append(at, domain.ActorSystem, text)
	out.UserMessages = append(out.UserMessages, text)
}

func removeTimer(conv *domain.Conversation, id string) {
	kept := conv.Timers[:0]
	for _, t := range conv.Timers {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	conv.Timers = kept
}

func renderResult(res *domain.ExecutionResult) string {
	status := "succeeded"
	if !res.OverallSuccess {
		status = "did not fully succeed"
	}
	return fmt.Sprintf("Execution %s:\n%s", status, renderOutcomes(res.Outcomes))
}

func renderOutcomes(outcomes []domain.TargetOutcome) string {
	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		mark := "ok"
		if !o.Success {
			mark = "failed"
		}
		line := fmt.Sprintf("- %s: %s", o.Target, mark)
		if msg := strings.TrimSpace(o.Message); msg != "" {
			line += " (" + msg + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "- no targets were processed"
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
