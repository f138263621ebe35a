package domain

import "time"

// ConversationState is the lifecycle position of a conversation.
type ConversationState string

const (
	StateOpen             ConversationState = "open"
	StateAwaitingApproval ConversationState = "awaiting_approval"
	StateResolved         ConversationState = "resolved"
	StateTimedOut         ConversationState = "timed_out"
	StateEscalated        ConversationState = "escalated"
)

// Terminal reports whether no further transitions are possible from s.
func (s ConversationState) Terminal() bool {
	switch s {
	case StateResolved, StateTimedOut, StateEscalated:
		return true
	default:
		return false
	}
}

// Actor identifies who authored a history entry.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
)

// HistoryEntry is one append-only line of a conversation transcript.
type HistoryEntry struct {
	Timestamp time.Time
	Actor     Actor
	Text      string
}

// Conversation is one user's interaction window, from first message to a
// terminal state.
type Conversation struct {
	ID                string
	UserID            string
	State             ConversationState
	History           []HistoryEntry
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ClosedAt          time.Time
	PendingApprovalID string
	Topic             []string
	Timers            []Timer
	MessageIDs        []string

	// Version is the store revision this value was read at. Zero means the
	// record has never been written.
	Version int64
}

// Append adds a history entry at the end of the transcript.
func (c *Conversation) Append(at time.Time, actor Actor, text string) {
	c.History = append(c.History, HistoryEntry{Timestamp: at.UTC(), Actor: actor, Text: text})
}

// HasMessage reports whether the inbound message id was already folded in.
func (c *Conversation) HasMessage(messageID string) bool {
	for _, id := range c.MessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// RememberMessage records messageID, keeping at most limit recent ids.
func (c *Conversation) RememberMessage(messageID string, limit int) {
	if messageID == "" {
		return
	}
	c.MessageIDs = append(c.MessageIDs, messageID)
	if limit > 0 && len(c.MessageIDs) > limit {
		c.MessageIDs = c.MessageIDs[len(c.MessageIDs)-limit:]
	}
}

// ArmedTimer returns the armed timer with the given id.
func (c *Conversation) ArmedTimer(id string) (Timer, bool) {
	for _, t := range c.Timers {
		if t.ID == id {
			return t, true
		}
	}
	return Timer{}, false
}

// Clone returns a deep copy safe to mutate independently.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.History = append([]HistoryEntry(nil), c.History...)
	out.Topic = append([]string(nil), c.Topic...)
	out.Timers = append([]Timer(nil), c.Timers...)
	out.MessageIDs = append([]string(nil), c.MessageIDs...)
	return &out
}

// InboundMessage is a user message delivered by the chat transport.
type InboundMessage struct {
	UserID    string
	MessageID string
	Text      string
	Timestamp time.Time
}
