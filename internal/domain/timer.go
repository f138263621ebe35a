package domain

import "time"

// TimerKind names what a scheduled check-back is for.
type TimerKind string

const (
	TimerEngagementCheck1 TimerKind = "engagement_check_1"
	TimerEngagementCheck2 TimerKind = "engagement_check_2"
	TimerAutoResolve      TimerKind = "auto_resolve"
	TimerApprovalExpiry   TimerKind = "approval_expiry"
)

// ArmedBy returns the conversation state that arms timers of kind k.
func (k TimerKind) ArmedBy() ConversationState {
	if k == TimerApprovalExpiry {
		return StateAwaitingApproval
	}
	return StateOpen
}

// Timer is a scheduled check-back owned by exactly one conversation. ID is
// the cancel token.
type Timer struct {
	ID             string
	ConversationID string
	Kind           TimerKind
	ScheduledAt    time.Time
	FireAt         time.Time
}

// Delay is the interval between scheduling and firing.
func (t Timer) Delay() time.Duration {
	return t.FireAt.Sub(t.ScheduledAt)
}

// TimerEvent is the payload delivered when a timer fires. Delivery is
// at-least-once and possibly late.
type TimerEvent struct {
	TimerID        string    `json:"timerId"`
	ConversationID string    `json:"conversationId"`
	Kind           TimerKind `json:"kind"`
	ScheduledAt    int64     `json:"scheduledAt"`
	FireAt         int64     `json:"fireAt"`
}

// EventFor builds the delivery payload for t.
func EventFor(t Timer) TimerEvent {
	return TimerEvent{
		TimerID:        t.ID,
		ConversationID: t.ConversationID,
		Kind:           t.Kind,
		ScheduledAt:    EpochMillis(t.ScheduledAt),
		FireAt:         EpochMillis(t.FireAt),
	}
}

// EpochMillis is the canonical persisted timestamp unit.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromEpochMillis converts a persisted timestamp back to UTC time.
func FromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
