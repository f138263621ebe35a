package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-agent/internal/domain"
)

const (
	skMeta       = "META#"
	skActive     = "ACTIVE#"
	skSeen       = "SEEN#"
	gsi1         = "GSI1"
	gsi2         = "GSI2"
	closedTTL    = 90 * 24 * time.Hour // retention after a record goes terminal
	messageTTL   = 7 * 24 * time.Hour
	queryPageCap = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations and approvals in a single DynamoDB table.
//
// Layout:
//
//	CONV#<id>        META#     conversation record   GSI1: USER#<user>   / CONV#<created>
//	USER#<user>      ACTIVE#   active conversation pointer
//	APPROVAL#<id>    META#     approval record       GSI1: CONVAPPR#<conv> / APPROVAL#<created>
//	                                                 GSI2: APPRSTATUS#<status> / <expires>
//	MSGID#<id>       SEEN#     inbound dedup marker
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ Store = (*Client)(nil)

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func convPK(conversationID string) string { return "CONV#" + conversationID }
func userPK(userID string) string { return "USER#" + userID }
func approvalPK(approvalID string) string { return "APPROVAL#" + approvalID }
func messagePK(messageID string) string { return "MSGID#" + messageID }

func sortableMillis(t time.Time) string {
	return fmt.Sprintf("%013d", domain.EpochMillis(t))
}

// GetConversation reads a conversation with a strongly consistent read.
func (c *Client) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	item, err := c.getItem(ctx, convPK(id), skMeta)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return conv, nil
}

// PutConversation overwrites the conversation record. The active pointer
// for the user is created and removed in the same transaction so that at
// most one non-terminal conversation per user can exist.
func (c *Client) PutConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" || conv.UserID == "" {
		return errors.New("repository: PutConversation: id and user id are required")
	}
	item, err := conversationToItem(conv, conv.Version+1, c.ttlFor(conv.State.Terminal(), conv.ClosedAt))
	if err != nil {
		return fmt.Errorf("repository: PutConversation marshal: %w", err)
	}

	put := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      item,
	}
	if conv.Version == 0 {
		put.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		put.ConditionExpression = aws.String("version = :v")
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", conv.Version)},
		}
	}

	tx := []types.TransactWriteItem{{Put: put}}
	switch {
	case conv.Version == 0 && !conv.State.Terminal():
		tx = append(tx, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item: map[string]types.AttributeValue{
				"PK":             &types.AttributeValueMemberS{Value: userPK(conv.UserID)},
				"SK":             &types.AttributeValueMemberS{Value: skActive},
				"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
			},
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	case conv.Version > 0 && conv.State.Terminal():
		tx = append(tx, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: userPK(conv.UserID)},
				"SK": &types.AttributeValueMemberS{Value: skActive},
			},
			ConditionExpression: aws.String("attribute_not_exists(PK) OR conversationId = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": &types.AttributeValueMemberS{Value: conv.ID},
			},
		}})
	}

	if len(tx) == 1 {
		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
	} else {
		_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx})
	}
	if err != nil {
		return fmt.Errorf("repository: PutConversation: %w", mapConditionError(err))
	}
	conv.Version++
	return nil
}

// FindActive follows the user's active pointer.
func (c *Client) FindActive(ctx context.Context, userID string) (*domain.Conversation, error) {
	ptr, err := c.getItem(ctx, userPK(userID), skActive)
	if err != nil {
		return nil, fmt.Errorf("repository: FindActive: %w", err)
	}
	if ptr == nil {
		return nil, nil
	}
	id, err := strAttr(ptr, "conversationId")
	if err != nil {
		return nil, fmt.Errorf("repository: FindActive pointer: %w", err)
	}
	conv, err := c.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.State.Terminal() {
		return nil, nil
	}
	return conv, nil
}

// FindLatest queries GSI1 newest first. GSI reads are eventually consistent.
func (c *Client) FindLatest(ctx context.Context, userID string) (*domain.Conversation, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: "CONV#"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FindLatest query: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(out.Items[0])
	if err != nil {
		return nil, fmt.Errorf("repository: FindLatest unmarshal: %w", err)
	}
	return conv, nil
}

// GetApproval reads an approval request with a strongly consistent read.
func (c *Client) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	item, err := c.getItem(ctx, approvalPK(id), skMeta)
	if err != nil {
		return nil, fmt.Errorf("repository: GetApproval: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	req, err := itemToApproval(item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetApproval unmarshal: %w", err)
	}
	return req, nil
}

// PutApproval overwrites the approval record conditioned on its version.
func (c *Client) PutApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	if req == nil || req.ID == "" || req.ConversationID == "" {
		return errors.New("repository: PutApproval: id and conversation id are required")
	}
	item, err := approvalToItem(req, req.Version+1, c.ttlFor(req.Decided(), req.ExpiresAt))
	if err != nil {
		return fmt.Errorf("repository: PutApproval marshal: %w", err)
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}
	if req.Version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", req.Version)},
		}
	}
	if _, err := c.api.PutItem(ctx, in); err != nil {
		return fmt.Errorf("repository: PutApproval: %w", mapConditionError(err))
	}
	req.Version++
	return nil
}

// ApprovalsByConversation lists a conversation's approvals oldest first.
func (c *Client) ApprovalsByConversation(ctx context.Context, conversationID string) ([]*domain.ApprovalRequest, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "CONVAPPR#" + conversationID},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(queryPageCap),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ApprovalsByConversation query: %w", err)
	}
	return itemsToApprovals(items)
}

// ApprovalsByStatus lists approvals in status, soonest expiry first.
func (c *Client) ApprovalsByStatus(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi2),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "APPRSTATUS#" + string(status)},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(queryPageCap),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ApprovalsByStatus query: %w", err)
	}
	return itemsToApprovals(items)
}

// MessageSeen reports whether an inbound message id has been recorded.
func (c *Client) MessageSeen(ctx context.Context, messageID string) (bool, error) {
	item, err := c.getItem(ctx, messagePK(messageID), skSeen)
	if err != nil {
		return false, fmt.Errorf("repository: MessageSeen: %w", err)
	}
	return item != nil, nil
}

// MarkMessage records an inbound message id. Recording twice is not an error.
func (c *Client) MarkMessage(ctx context.Context, messageID, conversationID string) error {
	if messageID == "" {
		return errors.New("repository: MarkMessage: message id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: messagePK(messageID)},
			"SK":             &types.AttributeValueMemberS{Value: skSeen},
			"conversationId": &types.AttributeValueMemberS{Value: conversationID},
			"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.now().Add(messageTTL).Unix())},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if errors.Is(mapConditionError(err), ErrConflict) {
			return nil
		}
		return fmt.Errorf("repository: MarkMessage: %w", err)
	}
	return nil
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ttlFor returns the expiry epoch seconds for terminal records, zero otherwise.
func (c *Client) ttlFor(terminal bool, from time.Time) int64 {
	if !terminal {
		return 0
	}
	if from.IsZero() {
		from = c.now()
	}
	return from.Add(closedTTL).Unix()
}

// mapConditionError converts DynamoDB condition failures into ErrConflict.
func mapConditionError(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %s", ErrConflict, ccf.ErrorMessage())
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%w: %s", ErrConflict, tce.ErrorMessage())
			}
		}
	}
	return err
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

type historyItem struct {
	Timestamp int64  `dynamodbav:"ts"`
	Actor     string `dynamodbav:"actor"`
	Text      string `dynamodbav:"text"`
}

type timerItem struct {
	ID          string `dynamodbav:"id"`
	Kind        string `dynamodbav:"kind"`
	ScheduledAt int64  `dynamodbav:"scheduledAt"`
	FireAt      int64  `dynamodbav:"fireAt"`
}

type conversationItem struct {
	PK                string        `dynamodbav:"PK"`
	SK                string        `dynamodbav:"SK"`
	GSI1PK            string        `dynamodbav:"GSI1PK"`
	GSI1SK            string        `dynamodbav:"GSI1SK"`
	ID                string        `dynamodbav:"conversationId"`
	UserID            string        `dynamodbav:"userId"`
	State             string        `dynamodbav:"state"`
	History           []historyItem `dynamodbav:"history"`
	CreatedAt         int64         `dynamodbav:"createdAt"`
	LastActivityAt    int64         `dynamodbav:"lastActivityAt"`
	ClosedAt          int64         `dynamodbav:"closedAt,omitempty"`
	PendingApprovalID string        `dynamodbav:"pendingApprovalId,omitempty"`
	Topic             []string      `dynamodbav:"topic,omitempty"`
	Timers            []timerItem   `dynamodbav:"timers,omitempty"`
	MessageIDs        []string      `dynamodbav:"messageIds,omitempty"`
	Version           int64         `dynamodbav:"version"`
	TTL               int64         `dynamodbav:"ttl,omitempty"`
}

func conversationToItem(conv *domain.Conversation, version, ttl int64) (map[string]types.AttributeValue, error) {
	rec := conversationItem{
		PK:                convPK(conv.ID),
		SK:                skMeta,
		GSI1PK:            userPK(conv.UserID),
		GSI1SK:            "CONV#" + sortableMillis(conv.CreatedAt),
		ID:                conv.ID,
		UserID:            conv.UserID,
		State:             string(conv.State),
		CreatedAt:         domain.EpochMillis(conv.CreatedAt),
		LastActivityAt:    domain.EpochMillis(conv.LastActivityAt),
		ClosedAt:          domain.EpochMillis(conv.ClosedAt),
		PendingApprovalID: conv.PendingApprovalID,
		Topic:             conv.Topic,
		MessageIDs:        conv.MessageIDs,
		Version:           version,
		TTL:               ttl,
	}
	rec.History = make([]historyItem, 0, len(conv.History))
	for _, h := range conv.History {
		rec.History = append(rec.History, historyItem{Timestamp: domain.EpochMillis(h.Timestamp), Actor: string(h.Actor), Text: h.Text})
	}
	for _, t := range conv.Timers {
		rec.Timers = append(rec.Timers, timerItem{ID: t.ID, Kind: string(t.Kind), ScheduledAt: domain.EpochMillis(t.ScheduledAt), FireAt: domain.EpochMillis(t.FireAt)})
	}
	return attributevalue.MarshalMap(rec)
}

func itemToConversation(item map[string]types.AttributeValue) (*domain.Conversation, error) {
	var rec conversationItem
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, errors.New("repository: conversation item has no id")
	}
	conv := &domain.Conversation{
		ID:                rec.ID,
		UserID:            rec.UserID,
		State:             domain.ConversationState(rec.State),
		CreatedAt:         domain.FromEpochMillis(rec.CreatedAt),
		LastActivityAt:    domain.FromEpochMillis(rec.LastActivityAt),
		ClosedAt:          domain.FromEpochMillis(rec.ClosedAt),
		PendingApprovalID: rec.PendingApprovalID,
		Topic:             rec.Topic,
		MessageIDs:        rec.MessageIDs,
		Version:           rec.Version,
	}
	for _, h := range rec.History {
		conv.History = append(conv.History, domain.HistoryEntry{Timestamp: domain.FromEpochMillis(h.Timestamp), Actor: domain.Actor(h.Actor), Text: h.Text})
	}
	for _, t := range rec.Timers {
		conv.Timers = append(conv.Timers, domain.Timer{
			ID:             t.ID,
			ConversationID: rec.ID,
			Kind:           domain.TimerKind(t.Kind),
			ScheduledAt:    domain.FromEpochMillis(t.ScheduledAt),
			FireAt:         domain.FromEpochMillis(t.FireAt),
		})
	}
	return conv, nil
}

type approvalItem struct {
	PK             string               `dynamodbav:"PK"`
	SK             string               `dynamodbav:"SK"`
	GSI1PK         string               `dynamodbav:"GSI1PK"`
	GSI1SK         string               `dynamodbav:"GSI1SK"`
	GSI2PK         string               `dynamodbav:"GSI2PK"`
	GSI2SK         string               `dynamodbav:"GSI2SK"`
	ID             string               `dynamodbav:"approvalId"`
	ConversationID string               `dynamodbav:"conversationId"`
	Action         domain.Action        `dynamodbav:"action"`
	Requester      string               `dynamodbav:"requester"`
	Status         string               `dynamodbav:"status"`
	CreatedAt      int64                `dynamodbav:"createdAt"`
	ExpiresAt      int64                `dynamodbav:"expiresAt"`
	DecidedBy      string               `dynamodbav:"decidedBy,omitempty"`
	DecidedAt      int64                `dynamodbav:"decidedAt,omitempty"`
	NotifiedAt     int64                `dynamodbav:"notifiedAt,omitempty"`
	NotifyAttempts int                  `dynamodbav:"notifyAttempts"`
	DispatchState  string               `dynamodbav:"dispatchState,omitempty"`
	DispatchAt     int64                `dynamodbav:"dispatchClaimedAt,omitempty"`
	DispatchTries  int                  `dynamodbav:"dispatchAttempts"`
	Result         *executionResultItem `dynamodbav:"result,omitempty"`
	Version        int64                `dynamodbav:"version"`
	TTL            int64                `dynamodbav:"ttl,omitempty"`
}

type executionResultItem struct {
	Outcomes       []domain.TargetOutcome `dynamodbav:"outcomes" json:"outcomes"`
	OverallSuccess bool                   `dynamodbav:"overallSuccess" json:"overallSuccess"`
	CompletedAt    int64                  `dynamodbav:"completedAt" json:"completedAt"`
}

func approvalToItem(req *domain.ApprovalRequest, version, ttl int64) (map[string]types.AttributeValue, error) {
	rec := approvalItem{
		PK:             approvalPK(req.ID),
		SK:             skMeta,
		GSI1PK:         "CONVAPPR#" + req.ConversationID,
		GSI1SK:         "APPROVAL#" + sortableMillis(req.CreatedAt),
		GSI2PK:         "APPRSTATUS#" + string(req.Status),
		GSI2SK:         sortableMillis(req.ExpiresAt),
		ID:             req.ID,
		ConversationID: req.ConversationID,
		Action:         req.Action,
		Requester:      req.Requester,
		Status:         string(req.Status),
		CreatedAt:      domain.EpochMillis(req.CreatedAt),
		ExpiresAt:      domain.EpochMillis(req.ExpiresAt),
		DecidedBy:      req.DecidedBy,
		DecidedAt:      domain.EpochMillis(req.DecidedAt),
		NotifiedAt:     domain.EpochMillis(req.NotifiedAt),
		NotifyAttempts: req.NotifyAttempts,
		DispatchState:  string(req.Dispatch.State),
		DispatchAt:     domain.EpochMillis(req.Dispatch.ClaimedAt),
		DispatchTries:  req.Dispatch.Attempts,
		Version:        version,
		TTL:            ttl,
	}
	if req.Result != nil {
		rec.Result = &executionResultItem{
			Outcomes:       req.Result.Outcomes,
			OverallSuccess: req.Result.OverallSuccess,
			CompletedAt:    domain.EpochMillis(req.Result.CompletedAt),
		}
	}
	return attributevalue.MarshalMap(rec)
}

func itemToApproval(item map[string]types.AttributeValue) (*domain.ApprovalRequest, error) {
	var rec approvalItem
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, errors.New("repository: approval item has no id")
	}
	req := &domain.ApprovalRequest{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Action:         rec.Action,
		Requester:      rec.Requester,
		Status:         domain.ApprovalStatus(rec.Status),
		CreatedAt:      domain.FromEpochMillis(rec.CreatedAt),
		ExpiresAt:      domain.FromEpochMillis(rec.ExpiresAt),
		DecidedBy:      rec.DecidedBy,
		DecidedAt:      domain.FromEpochMillis(rec.DecidedAt),
		NotifiedAt:     domain.FromEpochMillis(rec.NotifiedAt),
		NotifyAttempts: rec.NotifyAttempts,
		Dispatch: domain.DispatchInfo{
			State:     domain.DispatchState(rec.DispatchState),
			ClaimedAt: domain.FromEpochMillis(rec.DispatchAt),
			Attempts:  rec.DispatchTries,
		},
		Version: rec.Version,
	}
	if rec.Result != nil {
		req.Result = &domain.ExecutionResult{
			ApprovalID:     rec.ID,
			Outcomes:       rec.Result.Outcomes,
			OverallSuccess: rec.Result.OverallSuccess,
			CompletedAt:    domain.FromEpochMillis(rec.Result.CompletedAt),
		}
	}
	return req, nil
}

func itemsToApprovals(items []map[string]types.AttributeValue) ([]*domain.ApprovalRequest, error) {
	out := make([]*domain.ApprovalRequest, 0, len(items))
	for _, item := range items {
		req, err := itemToApproval(item)
		if err != nil {
			return nil, fmt.Errorf("repository: unmarshal approval: %w", err)
		}
		out = append(out, req)
	}
	return out, nil
}
