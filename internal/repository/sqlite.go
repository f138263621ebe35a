package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"support-agent/internal/domain"
)

// SQLiteStore implements Store on a local SQLite database. It backs the
// local server and the admin CLI when no DynamoDB table is configured.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL DEFAULT 0,
		pending_approval_id TEXT,
		data_json TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
		ON conversations(user_id) WHERE state IN ('open', 'awaiting_approval');

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		data_json TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_conversation ON approvals(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at);

	CREATE TABLE IF NOT EXISTS seen_messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type conversationBlob struct {
	History    []historyJSON `json:"history"`
	Topic      []string      `json:"topic,omitempty"`
	Timers     []timerJSON   `json:"timers,omitempty"`
	MessageIDs []string      `json:"messageIds,omitempty"`
}

type historyJSON struct {
	Timestamp int64  `json:"ts"`
	Actor     string `json:"actor"`
	Text      string `json:"text"`
}

type timerJSON struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ScheduledAt int64  `json:"scheduledAt"`
	FireAt      int64  `json:"fireAt"`
}

type approvalBlob struct {
	Action         domain.Action        `json:"action"`
	Requester      string               `json:"requester"`
	DecidedBy      string               `json:"decidedBy,omitempty"`
	DecidedAt      int64                `json:"decidedAt,omitempty"`
	NotifiedAt     int64                `json:"notifiedAt,omitempty"`
	NotifyAttempts int                  `json:"notifyAttempts"`
	DispatchState  string               `json:"dispatchState,omitempty"`
	DispatchAt     int64                `json:"dispatchClaimedAt,omitempty"`
	DispatchTries  int                  `json:"dispatchAttempts"`
	Result         *executionResultItem `json:"result,omitempty"`
}

const conversationColumns = `id, user_id, state, created_at, last_activity_at, closed_at, pending_approval_id, data_json, version`

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return conv, nil
}

// PutConversation inserts a new conversation or overwrites an existing one at
// the expected version.
func (s *SQLiteStore) PutConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" || conv.UserID == "" {
		return errors.New("repository: PutConversation: id and user id are required")
	}
	blob := conversationBlob{Topic: conv.Topic, MessageIDs: conv.MessageIDs}
	for _, h := range conv.History {
		blob.History = append(blob.History, historyJSON{Timestamp: domain.EpochMillis(h.Timestamp), Actor: string(h.Actor), Text: h.Text})
	}
	for _, t := range conv.Timers {
		blob.Timers = append(blob.Timers, timerJSON{ID: t.ID, Kind: string(t.Kind), ScheduledAt: domain.EpochMillis(t.ScheduledAt), FireAt: domain.EpochMillis(t.FireAt)})
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("repository: PutConversation marshal: %w", err)
	}

	var pending interface{}
	if conv.PendingApprovalID != "" {
		pending = conv.PendingApprovalID
	}

	if conv.Version == 0 {
		_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			conv.ID, conv.UserID, string(conv.State),
			domain.EpochMillis(conv.CreatedAt), domain.EpochMillis(conv.LastActivityAt), domain.EpochMillis(conv.ClosedAt),
			pending, string(data),
		)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("repository: PutConversation: %w", ErrConflict)
			}
			return fmt.Errorf("repository: PutConversation insert: %w", err)
		}
		conv.Version = 1
		return nil
	}

	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET
			state = ?, last_activity_at = ?, closed_at = ?, pending_approval_id = ?, data_json = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(conv.State), domain.EpochMillis(conv.LastActivityAt), domain.EpochMillis(conv.ClosedAt),
		pending, string(data), conv.ID, conv.Version,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("repository: PutConversation: %w", ErrConflict)
		}
		return fmt.Errorf("repository: PutConversation update: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: PutConversation rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repository: PutConversation: %w", ErrConflict)
	}
	conv.Version++
	return nil
}

// FindActive returns the user's non-terminal conversation, if any.
func (s *SQLiteStore) FindActive(ctx context.Context, userID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? AND state IN ('open', 'awaiting_approval')`, userID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("repository: FindActive: %w", err)
	}
	return conv, nil
}

// FindLatest returns the user's most recently created conversation.
func (s *SQLiteStore) FindLatest(ctx context.Context, userID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("repository: FindLatest: %w", err)
	}
	return conv, nil
}

const approvalColumns = `id, conversation_id, status, created_at, expires_at, data_json, version`

// GetApproval retrieves an approval request by id.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	req, err := scanApproval(row)
	if err != nil {
		return nil, fmt.Errorf("repository: GetApproval: %w", err)
	}
	return req, nil
}

// PutApproval inserts or overwrites an approval request at the expected version.
func (s *SQLiteStore) PutApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	if req == nil || req.ID == "" || req.ConversationID == "" {
		return errors.New("repository: PutApproval: id and conversation id are required")
	}
	blob := approvalBlob{
		Action:         req.Action,
		Requester:      req.Requester,
		DecidedBy:      req.DecidedBy,
		DecidedAt:      domain.EpochMillis(req.DecidedAt),
		NotifiedAt:     domain.EpochMillis(req.NotifiedAt),
		NotifyAttempts: req.NotifyAttempts,
		DispatchState:  string(req.Dispatch.State),
		DispatchAt:     domain.EpochMillis(req.Dispatch.ClaimedAt),
		DispatchTries:  req.Dispatch.Attempts,
	}
	if req.Result != nil {
		blob.Result = &executionResultItem{
			Outcomes:       req.Result.Outcomes,
			OverallSuccess: req.Result.OverallSuccess,
			CompletedAt:    domain.EpochMillis(req.Result.CompletedAt),
		}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("repository: PutApproval marshal: %w", err)
	}

	if req.Version == 0 {
		_, err = s.db.ExecContext(ctx, `INSERT INTO approvals (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, 1)`,
			req.ID, req.ConversationID, string(req.Status),
			domain.EpochMillis(req.CreatedAt), domain.EpochMillis(req.ExpiresAt), string(data),
		)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("repository: PutApproval: %w", ErrConflict)
			}
			return fmt.Errorf("repository: PutApproval insert: %w", err)
		}
		req.Version = 1
		return nil
	}

	result, err := s.db.ExecContext(ctx, `UPDATE approvals SET status = ?, expires_at = ?, data_json = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(req.Status), domain.EpochMillis(req.ExpiresAt), string(data), req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("repository: PutApproval update: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: PutApproval rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repository: PutApproval: %w", ErrConflict)
	}
	req.Version++
	return nil
}

// ApprovalsByConversation lists a conversation's approvals oldest first.
func (s *SQLiteStore) ApprovalsByConversation(ctx context.Context, conversationID string) ([]*domain.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: ApprovalsByConversation query: %w", err)
	}
	return collectApprovals(rows)
}

// ApprovalsByStatus lists approvals in status, soonest expiry first.
func (s *SQLiteStore) ApprovalsByStatus(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? ORDER BY expires_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("repository: ApprovalsByStatus query: %w", err)
	}
	return collectApprovals(rows)
}

// MessageSeen reports whether an inbound message id has been recorded.
func (s *SQLiteStore) MessageSeen(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM seen_messages WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: MessageSeen: %w", err)
	}
	return true, nil
}

// MarkMessage records an inbound message id. Recording twice is not an error.
func (s *SQLiteStore) MarkMessage(ctx context.Context, messageID, conversationID string) error {
	if messageID == "" {
		return errors.New("repository: MarkMessage: message id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO seen_messages (message_id, conversation_id, created_at)
		VALUES (?, ?, ?) ON CONFLICT(message_id) DO NOTHING`,
		messageID, conversationID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("repository: MarkMessage: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		conv                               domain.Conversation
		state, data                        string
		pending                            sql.NullString
		createdAt, lastActivity, closedAtMs int64
	)
	err := row.Scan(&conv.ID, &conv.UserID, &state, &createdAt, &lastActivity, &closedAtMs, &pending, &data, &conv.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	var blob conversationBlob
	if err := json.Unmarshal([]byte(data), &blob); err != nil {
		return nil, fmt.Errorf("decode conversation data: %w", err)
	}
	conv.State = domain.ConversationState(state)
	conv.CreatedAt = domain.FromEpochMillis(createdAt)
	conv.LastActivityAt = domain.FromEpochMillis(lastActivity)
	conv.ClosedAt = domain.FromEpochMillis(closedAtMs)
	conv.PendingApprovalID = pending.String
	conv.Topic = blob.Topic
	conv.MessageIDs = blob.MessageIDs
	for _, h := range blob.History {
		conv.History = append(conv.History, domain.HistoryEntry{Timestamp: domain.FromEpochMillis(h.Timestamp), Actor: domain.Actor(h.Actor), Text: h.Text})
	}
	for _, t := range blob.Timers {
		conv.Timers = append(conv.Timers, domain.Timer{
			ID:             t.ID,
			ConversationID: conv.ID,
			Kind:           domain.TimerKind(t.Kind),
			ScheduledAt:    domain.FromEpochMillis(t.ScheduledAt),
			FireAt:         domain.FromEpochMillis(t.FireAt),
		})
	}
	return &conv, nil
}

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var (
		req                  domain.ApprovalRequest
		status, data         string
		createdAt, expiresAt int64
	)
	err := row.Scan(&req.ID, &req.ConversationID, &status, &createdAt, &expiresAt, &data, &req.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval row: %w", err)
	}
	var blob approvalBlob
	if err := json.Unmarshal([]byte(data), &blob); err != nil {
		return nil, fmt.Errorf("decode approval data: %w", err)
	}
	req.Status = domain.ApprovalStatus(status)
	req.CreatedAt = domain.FromEpochMillis(createdAt)
	req.ExpiresAt = domain.FromEpochMillis(expiresAt)
	req.Action = blob.Action
	req.Requester = blob.Requester
	req.DecidedBy = blob.DecidedBy
	req.DecidedAt = domain.FromEpochMillis(blob.DecidedAt)
	req.NotifiedAt = domain.FromEpochMillis(blob.NotifiedAt)
	req.NotifyAttempts = blob.NotifyAttempts
	req.Dispatch = domain.DispatchInfo{
		State:     domain.DispatchState(blob.DispatchState),
		ClaimedAt: domain.FromEpochMillis(blob.DispatchAt),
		Attempts:  blob.DispatchTries,
	}
	if blob.Result != nil {
		req.Result = &domain.ExecutionResult{
			ApprovalID:     req.ID,
			Outcomes:       blob.Result.Outcomes,
			OverallSuccess: blob.Result.OverallSuccess,
			CompletedAt:    domain.FromEpochMillis(blob.Result.CompletedAt),
		}
	}
	return &req, nil
}

func collectApprovals(rows *sql.Rows) ([]*domain.ApprovalRequest, error) {
	defer func() { _ = rows.Close() }()
	out := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate approvals: %w", err)
	}
	return out, nil
}

// isConstraintError checks for SQLite uniqueness violations, which here mean
// a concurrent writer created the same record or a second active
// conversation for the user.
func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
