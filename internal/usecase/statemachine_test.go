package usecase

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(DefaultTiming(), seqIDs())
	require.NoError(t, err)
	return m
}

func openConversation() *domain.Conversation {
	return &domain.Conversation{
		ID:             "conv-1",
		UserID:         "u-1",
		State:          domain.StateOpen,
		CreatedAt:      t0,
		LastActivityAt: t0,
		Version:        1,
	}
}

func messageEvent(at time.Time, id, text string, cls *domain.Classification) Event {
	return Event{
		Kind:           EventUserMessage,
		At:             at,
		Message:        &domain.InboundMessage{UserID: "u-1", MessageID: id, Text: text, Timestamp: at},
		Classification: cls,
	}
}

func timerEvent(at time.Time, tm domain.Timer) Event {
	ev := domain.EventFor(tm)
	return Event{Kind: EventTimerFired, At: at, Timer: &ev}
}

func timerOfKind(t *testing.T, timers []domain.Timer, kind domain.TimerKind) domain.Timer {
	t.Helper()
	for _, tm := range timers {
		if tm.Kind == kind {
			return tm
		}
	}
	t.Fatalf("no %s timer in %v", kind, timers)
	return domain.Timer{}
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to domain.ConversationState
		ok       bool
	}{
		{domain.StateOpen, domain.StateOpen, true},
		{domain.StateOpen, domain.StateAwaitingApproval, true},
		{domain.StateOpen, domain.StateResolved, true},
		{domain.StateOpen, domain.StateTimedOut, true},
		{domain.StateOpen, domain.StateEscalated, false},
		{domain.StateAwaitingApproval, domain.StateAwaitingApproval, true},
		{domain.StateAwaitingApproval, domain.StateResolved, true},
		{domain.StateAwaitingApproval, domain.StateEscalated, true},
		{domain.StateAwaitingApproval, domain.StateOpen, false},
		{domain.StateAwaitingApproval, domain.StateTimedOut, false},
		{domain.StateResolved, domain.StateOpen, false},
		{domain.StateTimedOut, domain.StateOpen, false},
		{domain.StateEscalated, domain.StateResolved, false},
		{"bogus", domain.StateOpen, false},
		{domain.StateOpen, "bogus", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestTimingWithDefaults(t *testing.T) {
	want := DefaultTiming()
	got := Timing{Grace: want.Grace}.withDefaults()
	require.Equal(t, want, got)

	got = Timing{EngagementCheck1: time.Minute, EngagementCheck2: time.Minute, Grace: -time.Second}.withDefaults()
	require.Equal(t, 2*time.Minute, got.EngagementCheck2)
	require.Equal(t, 3*time.Minute, got.AutoResolve)
	require.Zero(t, got.Grace)
}

func TestNewMachine_RequiresIDGenerator(t *testing.T) {
	_, err := NewMachine(DefaultTiming(), nil)
	require.Error(t, err)
}

func TestApply_RejectsBadInput(t *testing.T) {
	m := newTestMachine(t)

	_, err := m.Apply(nil, nil, Event{Kind: EventUserMessage})
	require.Error(t, err)

	_, err = m.Apply(openConversation(), nil, Event{Kind: "teleport"})
	require.Error(t, err)

	_, err = m.Apply(openConversation(), nil, Event{Kind: EventUserMessage})
	require.Error(t, err)

	_, err = m.Apply(openConversation(), nil, Event{Kind: EventTimerFired})
	require.Error(t, err)
}

func TestOnMessage_Reply(t *testing.T) {
	m := newTestMachine(t)
	conv := openConversation()
	at := t0.Add(time.Minute)

	out, err := m.Apply(conv, nil, messageEvent(at, "m-1", "my printer is jammed", &domain.Classification{Intent: "printer", Reply: "Open tray 2."}))
	require.NoError(t, err)
	require.Equal(t, DispositionApplied, out.Disposition)
	require.Equal(t, domain.StateOpen, out.Conversation.State)
	require.Equal(t, []string{"Open tray 2."}, out.UserMessages)
	require.Equal(t, at, out.Conversation.LastActivityAt)
	require.Equal(t, []string{"m-1"}, out.Conversation.MessageIDs)
	require.Equal(t, []string{"jammed", "printer"}, out.Conversation.Topic)

	require.Len(t, out.Arm, 2)
	check := timerOfKind(t, out.Arm, domain.TimerEngagementCheck1)
	require.Equal(t, at.Add(5*time.Minute), check.FireAt)
	resolve := timerOfKind(t, out.Arm, domain.TimerAutoResolve)
	require.Equal(t, at.Add(15*time.Minute), resolve.FireAt)
	require.ElementsMatch(t, out.Arm, out.Conversation.Timers)

	// inputs are never mutated
	require.Empty(t, conv.History)
	require.Empty(t, conv.Timers)
}

func TestOnMessage_ReplacesEngagementTimers(t *testing.T) {
	m := newTestMachine(t)
	first, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "hello", &domain.Classification{Intent: "greeting"}))
	require.NoError(t, err)

	second, err := m.Apply(first.Conversation, nil, messageEvent(t0.Add(3*time.Minute), "m-2", "still broken", &domain.Classification{Intent: "question"}))
	require.NoError(t, err)
	require.ElementsMatch(t, first.Conversation.Timers, second.Cancel)
	require.Len(t, second.Conversation.Timers, 2)
	for _, tm := range second.Conversation.Timers {
		require.Equal(t, t0.Add(3*time.Minute), tm.ScheduledAt)
	}
}

func TestOnMessage_Clarifies(t *testing.T) {
	cases := []struct {
		name string
		cls  *domain.Classification
	}{
		{name: "no classification", cls: nil},
		{name: "unknown", cls: &domain.Classification{Intent: domain.IntentUnknown}},
		{name: "empty intent", cls: &domain.Classification{}},
		{name: "approval without action", cls: &domain.Classification{Intent: "reset_vpn", RequiresApproval: true}},
		{name: "approval without targets", cls: &domain.Classification{Intent: "reset_vpn", RequiresApproval: true, Action: &domain.Action{Executor: "vpn", Operation: "reset"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMachine(t)
			out, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "hmm", tc.cls))
			require.NoError(t, err)
			require.Equal(t, domain.StateOpen, out.Conversation.State)
			require.Equal(t, []string{msgClarify}, out.UserMessages)
			require.Nil(t, out.Approval)
			require.Len(t, out.Arm, 2)
		})
	}
}

func TestOnMessage_Resolved(t *testing.T) {
	m := newTestMachine(t)
	first, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "hello", &domain.Classification{Intent: "greeting"}))
	require.NoError(t, err)

	at := t0.Add(2 * time.Minute)
	out, err := m.Apply(first.Conversation, nil, messageEvent(at, "m-2", "that fixed it", &domain.Classification{Intent: "Resolved"}))
	require.NoError(t, err)
	require.Equal(t, domain.StateResolved, out.Conversation.State)
	require.Equal(t, at, out.Conversation.ClosedAt)
	require.Empty(t, out.Conversation.Timers)
	require.Len(t, out.Cancel, 2)
	require.Empty(t, out.Arm)
	require.Equal(t, []string{msgResolved}, out.UserMessages)
}

func TestOnMessage_OpensApproval(t *testing.T) {
	m := newTestMachine(t)
	cls := vpnReset("u-1", "u-2")
	cls.Reply = "I can reset that for you."

	out, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "reset vpn for me and u-2", &cls))
	require.NoError(t, err)
	require.Equal(t, domain.StateAwaitingApproval, out.Conversation.State)
	require.True(t, out.NewApproval)
	require.True(t, out.NotifyReviewer)
	require.False(t, out.Dispatch)

	a := out.Approval
	require.NotNil(t, a)
	require.Equal(t, "apr-1", a.ID)
	require.Equal(t, domain.ApprovalPending, a.Status)
	require.Equal(t, "conv-1", a.ConversationID)
	require.Equal(t, "u-1", a.Requester)
	require.Equal(t, t0.Add(5*24*time.Hour), a.ExpiresAt)
	require.Equal(t, a.ID, out.Conversation.PendingApprovalID)

	require.Len(t, out.Arm, 1)
	require.Equal(t, domain.TimerApprovalExpiry, out.Arm[0].Kind)
	require.Equal(t, a.ExpiresAt, out.Arm[0].FireAt)
	require.Equal(t, out.Arm, out.Conversation.Timers)

	require.Len(t, out.UserMessages, 2)
	require.Equal(t, "I can reset that for you.", out.UserMessages[0])
	require.Contains(t, out.UserMessages[1], "reset_access via vpn for u-1, u-2")
}

func TestOnMessage_DuplicateAndClosed(t *testing.T) {
	m := newTestMachine(t)
	conv := openConversation()
	conv.MessageIDs = []string{"m-1"}

	out, err := m.Apply(conv, nil, messageEvent(t0, "m-1", "again", nil))
	require.NoError(t, err)
	require.Equal(t, DispositionDuplicate, out.Disposition)
	require.Nil(t, out.Conversation)

	conv.State = domain.StateTimedOut
	out, err = m.Apply(conv, nil, messageEvent(t0, "m-2", "hello?", nil))
	require.NoError(t, err)
	require.Equal(t, DispositionStale, out.Disposition)
	require.Equal(t, "conversation_closed", out.Reason)
}

func TestOnMessage_AwaitingApprovalDoesNotOpenAnother(t *testing.T) {
	m := newTestMachine(t)
	cls := vpnReset("u-1")
	opened, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "reset vpn", &cls))
	require.NoError(t, err)

	out, err := m.Apply(opened.Conversation, nil, messageEvent(t0.Add(time.Minute), "m-2", "reset vpn again", &cls))
	require.NoError(t, err)
	require.Equal(t, DispositionApplied, out.Disposition)
	require.Equal(t, domain.StateAwaitingApproval, out.Conversation.State)
	require.Nil(t, out.Approval)
	require.Empty(t, out.Arm)
	require.Empty(t, out.Cancel)
	require.Equal(t, []string{msgStillWaiting}, out.UserMessages)
	require.Equal(t, opened.Conversation.PendingApprovalID, out.Conversation.PendingApprovalID)
}

func TestOnTimer_EngagementChecks(t *testing.T) {
	m := newTestMachine(t)
	first, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "hello", &domain.Classification{Intent: "greeting"}))
	require.NoError(t, err)
	conv := first.Conversation
	check1 := timerOfKind(t, conv.Timers, domain.TimerEngagementCheck1)

	out, err := m.Apply(conv, nil, timerEvent(check1.FireAt, check1))
	require.NoError(t, err)
	require.Equal(t, DispositionApplied, out.Disposition)
	require.Equal(t, []string{msgCheckIn1}, out.UserMessages)
	_, stillArmed := out.Conversation.ArmedTimer(check1.ID)
	require.False(t, stillArmed)

	require.Len(t, out.Arm, 1)
	check2 := out.Arm[0]
	require.Equal(t, domain.TimerEngagementCheck2, check2.Kind)
	require.Equal(t, t0.Add(10*time.Minute), check2.FireAt)
	require.Equal(t, t0, out.Conversation.LastActivityAt)

	out, err = m.Apply(out.Conversation, nil, timerEvent(check2.FireAt, check2))
	require.NoError(t, err)
	require.Equal(t, []string{msgCheckIn2}, out.UserMessages)
	require.Empty(t, out.Arm)
	require.Equal(t, domain.StateOpen, out.Conversation.State)
}

func TestOnTimer_AutoResolve(t *testing.T) {
	m := newTestMachine(t)
	first, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "hello", &domain.Classification{Intent: "greeting"}))
	require.NoError(t, err)
	resolve := timerOfKind(t, first.Conversation.Timers, domain.TimerAutoResolve)

	at := t0.Add(16 * time.Minute)
	out, err := m.Apply(first.Conversation, nil, timerEvent(at, resolve))
	require.NoError(t, err)
	require.Equal(t, domain.StateTimedOut, out.Conversation.State)
	require.Equal(t, at, out.Conversation.ClosedAt)
	require.Empty(t, out.Conversation.Timers)
	require.Equal(t, []string{msgTimedOut}, out.UserMessages)
	require.Len(t, out.Cancel, 1)
	require.Equal(t, domain.TimerEngagementCheck1, out.Cancel[0].Kind)
}

func TestOnTimer_Stale(t *testing.T) {
	m := newTestMachine(t)
	first, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "hello", &domain.Classification{Intent: "greeting"}))
	require.NoError(t, err)
	conv := first.Conversation
	check1 := timerOfKind(t, conv.Timers, domain.TimerEngagementCheck1)

	t.Run("not armed", func(t *testing.T) {
		ghost := check1
		ghost.ID = "tmr-ghost"
		out, err := m.Apply(conv, nil, timerEvent(check1.FireAt, ghost))
		require.NoError(t, err)
		require.Equal(t, DispositionStale, out.Disposition)
		require.Equal(t, "timer_not_armed", out.Reason)
	})

	t.Run("activity since scheduled", func(t *testing.T) {
		busy := conv.Clone()
		busy.LastActivityAt = t0.Add(3 * time.Minute)
		out, err := m.Apply(busy, nil, timerEvent(check1.FireAt, check1))
		require.NoError(t, err)
		require.Equal(t, DispositionStale, out.Disposition)
		require.Equal(t, "activity_since_scheduled", out.Reason)
		require.Empty(t, out.UserMessages)
	})

	t.Run("fired too early", func(t *testing.T) {
		out, err := m.Apply(conv, nil, timerEvent(t0.Add(4*time.Minute), check1))
		require.NoError(t, err)
		require.Equal(t, "not_idle_long_enough", out.Reason)
	})

	t.Run("within grace", func(t *testing.T) {
		out, err := m.Apply(conv, nil, timerEvent(check1.FireAt.Add(-20*time.Second), check1))
		require.NoError(t, err)
		require.Equal(t, DispositionApplied, out.Disposition)
	})

	t.Run("state changed", func(t *testing.T) {
		waiting := conv.Clone()
		waiting.State = domain.StateAwaitingApproval
		out, err := m.Apply(waiting, nil, timerEvent(check1.FireAt, check1))
		require.NoError(t, err)
		require.Equal(t, "state_changed", out.Reason)
	})
}

func pendingFor(t *testing.T, m *Machine) (*domain.Conversation, *domain.ApprovalRequest) {
	t.Helper()
	cls := vpnReset("u-1")
	out, err := m.Apply(openConversation(), nil, messageEvent(t0, "m-1", "reset vpn", &cls))
	require.NoError(t, err)
	return out.Conversation, out.Approval
}

func TestOnTimer_ApprovalExpiry(t *testing.T) {
	m := newTestMachine(t)
	conv, approval := pendingFor(t, m)
	expiry := timerOfKind(t, conv.Timers, domain.TimerApprovalExpiry)

	early, err := m.Apply(conv, approval, timerEvent(t0.Add(24*time.Hour), expiry))
	require.NoError(t, err)
	require.Equal(t, "fired_before_expiry", early.Reason)

	missing, err := m.Apply(conv, nil, timerEvent(expiry.FireAt, expiry))
	require.NoError(t, err)
	require.Equal(t, "approval_not_pending_on_conversation", missing.Reason)

	out, err := m.Apply(conv, approval, timerEvent(expiry.FireAt, expiry))
	require.NoError(t, err)
	require.Equal(t, DispositionApplied, out.Disposition)
	require.Equal(t, domain.StateEscalated, out.Conversation.State)
	require.Empty(t, out.Conversation.PendingApprovalID)
	require.Equal(t, domain.ApprovalExpired, out.Approval.Status)
	require.Len(t, out.UserMessages, 1)
	require.Contains(t, out.UserMessages[0], "No decision was made in time")

	// the caller's approval is untouched
	require.Equal(t, domain.ApprovalPending, approval.Status)
}

func TestOnTimer_ApprovalExpiryAfterUnfoldedDecision(t *testing.T) {
	m := newTestMachine(t)
	conv, approval := pendingFor(t, m)
	expiry := timerOfKind(t, conv.Timers, domain.TimerApprovalExpiry)

	approval.Status = domain.ApprovalDenied
	approval.DecidedBy = "alice"
	out, err := m.Apply(conv, approval, timerEvent(expiry.FireAt, expiry))
	require.NoError(t, err)
	require.Equal(t, domain.StateEscalated, out.Conversation.State)
	require.Contains(t, out.UserMessages[0], "declined")
}

func TestOnDecision(t *testing.T) {
	decide := func(d domain.Decision, at time.Time) Event {
		return Event{Kind: EventDecision, At: at, Decision: d, DecidedBy: "alice"}
	}

	t.Run("approve", func(t *testing.T) {
		m := newTestMachine(t)
		conv, approval := pendingFor(t, m)
		at := t0.Add(2 * time.Minute)

		out, err := m.Apply(conv, approval, decide(domain.DecisionApprove, at))
		require.NoError(t, err)
		require.Equal(t, DispositionApplied, out.Disposition)
		require.True(t, out.Dispatch)
		require.Equal(t, domain.ApprovalApproved, out.Approval.Status)
		require.Equal(t, "alice", out.Approval.DecidedBy)
		require.Equal(t, at, out.Approval.DecidedAt)
		require.Equal(t, domain.StateAwaitingApproval, out.Conversation.State)
		require.Equal(t, approval.ID, out.Conversation.PendingApprovalID)
		require.Empty(t, out.Conversation.Timers)
		require.Len(t, out.Cancel, 1)
		require.Empty(t, out.UserMessages)
		last := out.Conversation.History[len(out.Conversation.History)-1]
		require.Equal(t, "Approved by alice. Applying the change.", last.Text)
	})

	t.Run("deny", func(t *testing.T) {
		m := newTestMachine(t)
		conv, approval := pendingFor(t, m)

		out, err := m.Apply(conv, approval, decide(domain.DecisionDeny, t0.Add(time.Hour)))
		require.NoError(t, err)
		require.False(t, out.Dispatch)
		require.Equal(t, domain.ApprovalDenied, out.Approval.Status)
		require.Equal(t, domain.StateEscalated, out.Conversation.State)
		require.Len(t, out.UserMessages, 1)
	})

	t.Run("after expiry", func(t *testing.T) {
		m := newTestMachine(t)
		conv, approval := pendingFor(t, m)

		out, err := m.Apply(conv, approval, decide(domain.DecisionApprove, approval.ExpiresAt))
		require.NoError(t, err)
		require.Equal(t, "decision_after_expiry", out.Reason)
		require.Equal(t, domain.ApprovalExpired, out.Approval.Status)
		require.Equal(t, domain.StateEscalated, out.Conversation.State)
		require.False(t, out.Dispatch)
	})

	t.Run("already decided", func(t *testing.T) {
		m := newTestMachine(t)
		conv, approval := pendingFor(t, m)
		approval.Status = domain.ApprovalApproved

		out, err := m.Apply(conv, approval, decide(domain.DecisionDeny, t0.Add(time.Minute)))
		require.NoError(t, err)
		require.Equal(t, DispositionDuplicate, out.Disposition)
	})

	t.Run("not pending on conversation", func(t *testing.T) {
		m := newTestMachine(t)
		conv, approval := pendingFor(t, m)
		conv.PendingApprovalID = "apr-other"

		out, err := m.Apply(conv, approval, decide(domain.DecisionApprove, t0.Add(time.Minute)))
		require.NoError(t, err)
		require.Equal(t, DispositionStale, out.Disposition)
	})

	t.Run("invalid decision", func(t *testing.T) {
		m := newTestMachine(t)
		conv, approval := pendingFor(t, m)

		_, err := m.Apply(conv, approval, decide("maybe", t0.Add(time.Minute)))
		require.Error(t, err)
	})
}

func TestOnOverdue(t *testing.T) {
	m := newTestMachine(t)
	conv, approval := pendingFor(t, m)
	overdue := func(at time.Time) Event { return Event{Kind: EventApprovalOverdue, At: at} }

	out, err := m.Apply(conv, approval, overdue(t0.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, "not_overdue", out.Reason)

	out, err = m.Apply(conv, approval, overdue(approval.ExpiresAt.Add(time.Minute)))
	require.NoError(t, err)
	require.Equal(t, DispositionApplied, out.Disposition)
	require.Equal(t, domain.ApprovalExpired, out.Approval.Status)
	require.Equal(t, domain.StateEscalated, out.Conversation.State)
	require.Len(t, out.Cancel, 1)
}

func TestReconcile(t *testing.T) {
	m := newTestMachine(t)
	now := t0.Add(3 * time.Minute)

	approved := func(t *testing.T) (*domain.Conversation, *domain.ApprovalRequest) {
		conv, approval := pendingFor(t, m)
		out, err := m.Apply(conv, approval, Event{Kind: EventDecision, At: t0.Add(time.Minute), Decision: domain.DecisionApprove, DecidedBy: "alice"})
		require.NoError(t, err)
		return out.Conversation, out.Approval
	}

	t.Run("success resolves", func(t *testing.T) {
		conv, approval := approved(t)
		res := domain.NewExecutionResult(approval.ID, []domain.TargetOutcome{{Target: "u-1", Success: true}}, now)
		approval.Result = &res

		out := m.Reconcile(conv, approval, now)
		require.Equal(t, DispositionApplied, out.Disposition)
		require.Equal(t, domain.StateResolved, out.Conversation.State)
		require.Empty(t, out.Conversation.PendingApprovalID)
		require.Len(t, out.UserMessages, 1)
		require.Contains(t, out.UserMessages[0], "has been completed")
		require.False(t, out.Dispatch)
		require.Equal(t, domain.StateAwaitingApproval, conv.State)
	})

	t.Run("partial failure escalates", func(t *testing.T) {
		conv, approval := approved(t)
		res := domain.NewExecutionResult(approval.ID, []domain.TargetOutcome{
			{Target: "u-1", Success: true},
			{Target: "u-2", Success: false, Message: "timeout"},
		}, now)
		approval.Result = &res

		out := m.Reconcile(conv, approval, now)
		require.Equal(t, domain.StateEscalated, out.Conversation.State)
		require.Contains(t, out.UserMessages[0], "- u-2: failed (timeout)")
		require.Contains(t, out.UserMessages[0], "- u-1: ok")
	})

	t.Run("approved without result and no timers asks for dispatch", func(t *testing.T) {
		conv, approval := approved(t)
		out := m.Reconcile(conv, approval, now)
		require.Equal(t, DispositionStale, out.Disposition)
		require.True(t, out.Dispatch)

		approval.Dispatch = domain.DispatchInfo{State: domain.DispatchClaimed, ClaimedAt: now}
		out = m.Reconcile(conv, approval, now.Add(time.Minute))
		require.Equal(t, "dispatch_in_progress", out.Reason)
		require.False(t, out.Dispatch)
	})

	t.Run("approved but conversation never caught up", func(t *testing.T) {
		conv, approval := pendingFor(t, m)
		decided := approval.Clone()
		decided.Status = domain.ApprovalApproved
		decided.DecidedBy = "bob"

		out := m.Reconcile(conv, decided, now)
		require.Equal(t, DispositionApplied, out.Disposition)
		require.True(t, out.Dispatch)
		require.Empty(t, out.Conversation.Timers)
		require.Len(t, out.Cancel, 1)
		require.Equal(t, domain.StateAwaitingApproval, out.Conversation.State)
		last := out.Conversation.History[len(out.Conversation.History)-1]
		require.Equal(t, "Approved by bob. Applying the change.", last.Text)
	})

	t.Run("settled conversation", func(t *testing.T) {
		conv, approval := pendingFor(t, m)
		conv.State = domain.StateEscalated
		conv.PendingApprovalID = ""
		out := m.Reconcile(conv, approval, now)
		require.Equal(t, DispositionDuplicate, out.Disposition)
	})

	t.Run("pending", func(t *testing.T) {
		conv, approval := pendingFor(t, m)
		out := m.Reconcile(conv, approval, now)
		require.Equal(t, "approval_pending", out.Reason)
	})
}

func TestDispatchDue(t *testing.T) {
	m := newTestMachine(t)
	now := t0.Add(time.Hour)
	res := domain.ExecutionResult{}
	cases := []struct {
		name     string
		approval *domain.ApprovalRequest
		want     bool
	}{
		{name: "nil", approval: nil, want: false},
		{name: "pending", approval: &domain.ApprovalRequest{Status: domain.ApprovalPending}, want: false},
		{name: "unclaimed", approval: &domain.ApprovalRequest{Status: domain.ApprovalApproved}, want: true},
		{name: "live claim", approval: &domain.ApprovalRequest{Status: domain.ApprovalApproved, Dispatch: domain.DispatchInfo{State: domain.DispatchClaimed, ClaimedAt: now.Add(-time.Minute)}}, want: false},
		{name: "lapsed claim", approval: &domain.ApprovalRequest{Status: domain.ApprovalApproved, Dispatch: domain.DispatchInfo{State: domain.DispatchClaimed, ClaimedAt: now.Add(-15 * time.Minute)}}, want: true},
		{name: "done", approval: &domain.ApprovalRequest{Status: domain.ApprovalApproved, Dispatch: domain.DispatchInfo{State: domain.DispatchDone}}, want: false},
		{name: "has result", approval: &domain.ApprovalRequest{Status: domain.ApprovalApproved, Result: &res}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, m.DispatchDue(tc.approval, now))
		})
	}
}

func TestPropose(t *testing.T) {
	m := newTestMachine(t)
	action := domain.Action{Executor: "vpn", Operation: "reset_access", Targets: []string{"u-1"}}

	out, err := m.Propose(openConversation(), action, "", 0, t0)
	require.NoError(t, err)
	require.Equal(t, "u-1", out.Approval.Requester)
	require.Equal(t, t0.Add(DefaultTiming().ApprovalTTL), out.Approval.ExpiresAt)
	require.Len(t, out.UserMessages, 1)

	out, err = m.Propose(openConversation(), action, "ops-bot", time.Hour, t0)
	require.NoError(t, err)
	require.Equal(t, "ops-bot", out.Approval.Requester)
	require.Equal(t, t0.Add(time.Hour), out.Conversation.Timers[0].FireAt)

	waiting := openConversation()
	waiting.State = domain.StateAwaitingApproval
	_, err = m.Propose(waiting, action, "", 0, t0)
	require.ErrorIs(t, err, ErrNotOpen)
}
