package repository

import (
	"context"
	"errors"

	"support-agent/internal/domain"
)

// ErrConflict is returned when a conditional write loses to a concurrent
// writer. Callers re-read and recompute.
var ErrConflict = errors.New("repository: version conflict")

// Store is the durable session store. Lookups that find nothing return nil
// without an error. Puts are full overwrites guarded by
// the record's Version: a zero Version creates, any other Version must match
// the stored one. On success the value's Version is advanced.
type Store interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	PutConversation(ctx context.Context, conv *domain.Conversation) error
	// FindActive returns the user's open or awaiting-approval conversation, or nil.
	FindActive(ctx context.Context, userID string) (*domain.Conversation, error)
	// FindLatest returns the user's most recently created conversation, or nil.
	FindLatest(ctx context.Context, userID string) (*domain.Conversation, error)

	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	PutApproval(ctx context.Context, req *domain.ApprovalRequest) error
	ApprovalsByConversation(ctx context.Context, conversationID string) ([]*domain.ApprovalRequest, error)
	ApprovalsByStatus(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error)

	MessageSeen(ctx context.Context, messageID string) (bool, error)
	MarkMessage(ctx context.Context, messageID, conversationID string) error
}
