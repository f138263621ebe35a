package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
	"support-agent/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seqIDs returns an id generator yielding "1", "2", ...
func seqIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return strconv.Itoa(n)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// memStore is an in-memory Store with the same version and active-pointer
// guarantees as the DynamoDB client.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	approvals     map[string]*domain.ApprovalRequest
	active        map[string]string
	messages      map[string]string

	// conversationConflicts makes the next n PutConversation calls lose.
	conversationConflicts int
	// beforeConversationPut runs under the lock before each conversation
	// write, letting a test play a concurrent writer.
	beforeConversationPut func(s *memStore, conv *domain.Conversation)
	getConversationErr    error
	markErr               error
	conversationPuts      int
	approvalPuts          int
}

var _ repository.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]*domain.Conversation),
		approvals:     make(map[string]*domain.ApprovalRequest),
		active:        make(map[string]string),
		messages:      make(map[string]string),
	}
}

func conflict(what string) error {
	return fmt.Errorf("%w: %s", repository.ErrConflict, what)
}

func (s *memStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getConversationErr != nil {
		return nil, s.getConversationErr
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *memStore) PutConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeConversationPut != nil {
		s.beforeConversationPut(s, conv)
	}
	if s.conversationConflicts > 0 {
		s.conversationConflicts--
		return conflict("injected")
	}
	current, exists := s.conversations[conv.ID]
	switch {
	case conv.Version == 0 && exists:
		return conflict("conversation exists")
	case conv.Version != 0 && (!exists || current.Version != conv.Version):
		return conflict("conversation version")
	}
	if conv.Version == 0 && !conv.State.Terminal() {
		if _, taken := s.active[conv.UserID]; taken {
			return conflict("active conversation exists")
		}
		s.active[conv.UserID] = conv.ID
	}
	if conv.Version > 0 && conv.State.Terminal() && s.active[conv.UserID] == conv.ID {
		delete(s.active, conv.UserID)
	}
	s.storeConversationLocked(conv)
	conv.Version++
	s.conversationPuts++
	return nil
}

func (s *memStore) storeConversationLocked(conv *domain.Conversation) {
	stored := conv.Clone()
	stored.Version = conv.Version + 1
	s.conversations[conv.ID] = stored
}

func (s *memStore) FindActive(_ context.Context, userID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[userID]
	if !ok {
		return nil, nil
	}
	c, ok := s.conversations[id]
	if !ok || c.State.Terminal() {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *memStore) FindLatest(_ context.Context, userID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Conversation
	for _, c := range s.conversations {
		if c.UserID != userID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	return latest.Clone(), nil
}

func (s *memStore) GetApproval(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (s *memStore) PutApproval(_ context.Context, req *domain.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.approvals[req.ID]
	switch {
	case req.Version == 0 && exists:
		return conflict("approval exists")
	case req.Version != 0 && (!exists || current.Version != req.Version):
		return conflict("approval version")
	}
	stored := req.Clone()
	stored.Version = req.Version + 1
	s.approvals[req.ID] = stored
	req.Version++
	s.approvalPuts++
	return nil
}

func (s *memStore) ApprovalsByConversation(_ context.Context, conversationID string) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ApprovalRequest
	for _, a := range s.approvals {
		if a.ConversationID == conversationID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) ApprovalsByStatus(_ context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ApprovalRequest
	for _, a := range s.approvals {
		if a.Status == status {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *memStore) MessageSeen(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[messageID]
	return ok, nil
}

func (s *memStore) MarkMessage(_ context.Context, messageID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.messages[messageID] = conversationID
	return nil
}

// seed writes records directly, bypassing version checks.
func (s *memStore) seed(conv *domain.Conversation, approvals ...*domain.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv != nil {
		s.storeConversationLocked(conv)
		conv.Version++
		if !conv.State.Terminal() {
			s.active[conv.UserID] = conv.ID
		}
	}
	for _, a := range approvals {
		stored := a.Clone()
		stored.Version = a.Version + 1
		s.approvals[a.ID] = stored
		a.Version++
	}
}

func (s *memStore) conversation(t *testing.T, id string) *domain.Conversation {
	t.Helper()
	c, err := s.GetConversation(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c, "conversation %s", id)
	return c
}

func (s *memStore) approval(t *testing.T, id string) *domain.ApprovalRequest {
	t.Helper()
	a, err := s.GetApproval(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a, "approval %s", id)
	return a
}

func (s *memStore) activeFor(userID string) []*domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID && !c.State.Terminal() {
			out = append(out, c.Clone())
		}
	}
	return out
}

type fakeClassifier struct {
	mu     sync.Mutex
	byText map[string]domain.Classification
	def    domain.Classification
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, text string, _ []domain.HistoryEntry) (domain.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.Classification{}, f.err
	}
	if c, ok := f.byText[text]; ok {
		return c, nil
	}
	return f.def, nil
}

func (f *fakeClassifier) on(text string, c domain.Classification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byText == nil {
		f.byText = make(map[string]domain.Classification)
	}
	f.byText[text] = c
}

type fakeScheduler struct {
	mu        sync.Mutex
	armed     map[string]domain.Timer
	scheduled []domain.Timer
	cancelled []string
	err       error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[string]domain.Timer)}
}

func (s *fakeScheduler) Schedule(_ context.Context, t domain.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.armed[t.ID] = t
	s.scheduled = append(s.scheduled, t)
	return nil
}

func (s *fakeScheduler) Cancel(_ context.Context, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.armed, timerID)
	s.cancelled = append(s.cancelled, timerID)
	return nil
}

// armedKind returns the single armed timer of kind for conversationID.
func (s *fakeScheduler) armedKind(t *testing.T, conversationID string, kind domain.TimerKind) domain.Timer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []domain.Timer
	for _, tm := range s.armed {
		if tm.ConversationID == conversationID && tm.Kind == kind {
			found = append(found, tm)
		}
	}
	require.Len(t, found, 1, "armed %s timers for %s", kind, conversationID)
	return found[0]
}

func (s *fakeScheduler) armedCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tm := range s.armed {
		if tm.ConversationID == conversationID {
			n++
		}
	}
	return n
}

type fakeReviewer struct {
	mu      sync.Mutex
	notices []domain.ReviewNotice
	err     error
}

func (r *fakeReviewer) NotifyReviewer(_ context.Context, n domain.ReviewNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.notices = append(r.notices, n)
	return nil
}

func (r *fakeReviewer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type sentMessage struct {
	UserID         string
	ConversationID string
	Text           string
}

type fakeUsers struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (u *fakeUsers) SendUser(_ context.Context, userID, conversationID, text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, sentMessage{UserID: userID, ConversationID: conversationID, Text: text})
	return nil
}

// countPrefix counts sent messages starting with prefix.
func (u *fakeUsers) countPrefix(prefix string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, m := range u.sent {
		if strings.HasPrefix(m.Text, prefix) {
			n++
		}
	}
	return n
}

func (u *fakeUsers) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.DispatchJob
}

func (q *fakeQueue) Publish(_ context.Context, job domain.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) drain() []domain.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []domain.Operation
	fail  map[string]bool
}

func (e *fakeExecutor) Apply(_ context.Context, op domain.Operation) (domain.TargetOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, op)
	if e.fail[op.Target] {
		return domain.TargetOutcome{Target: op.Label(), Message: "executor refused"}, errors.New("executor refused")
	}
	return domain.TargetOutcome{Target: op.Label(), Success: true, Message: "applied"}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type mapRegistry map[string]Executor

func (r mapRegistry) Executor(name string) (Executor, bool) {
	e, ok := r[name]
	return e, ok
}

const testSecret = "0123456789abcdef0123"

type harness struct {
	engine     *Engine
	store      *memStore
	classifier *fakeClassifier
	sched      *fakeScheduler
	reviewer   *fakeReviewer
	users      *fakeUsers
	queue      *fakeQueue
	exec       *fakeExecutor
	signer     *TokenSigner
	clock      *fakeClock
}

type harnessOption func(*harness, *Dependencies)

// withQueue routes dispatch through a queue instead of running it inline.
func withQueue() harnessOption {
	return func(h *harness, d *Dependencies) {
		h.queue = &fakeQueue{}
		d.Queue = h.queue
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:      newMemStore(),
		classifier: &fakeClassifier{def: domain.Classification{Intent: "question", Reply: "Have you tried restarting it?"}},
		sched:      newFakeScheduler(),
		reviewer:   &fakeReviewer{},
		users:      &fakeUsers{},
		exec:       &fakeExecutor{fail: map[string]bool{}},
		clock:      &fakeClock{now: t0},
	}
	signer, err := NewTokenSigner([]byte(testSecret))
	require.NoError(t, err)
	h.signer = signer

	dispatcher, err := NewDispatcher(mapRegistry{"vpn": h.exec}, 2, discardLogger())
	require.NoError(t, err)
	dispatcher.now = h.clock.Now

	deps := Dependencies{
		Store:      h.store,
		Classifier: h.classifier,
		Scheduler:  h.sched,
		Reviewer:   h.reviewer,
		Users:      h.users,
		Dispatcher: dispatcher,
		Signer:     signer,
	}
	for _, opt := range opts {
		opt(h, &deps)
	}

	h.engine, err = NewEngine(deps,
		WithClock(h.clock.Now),
		WithIDGenerator(seqIDs()),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return h
}

func (h *harness) send(t *testing.T, userID, messageID, text string) MessageResult {
	t.Helper()
	res, err := h.engine.HandleMessage(context.Background(), domain.InboundMessage{
		UserID:    userID,
		MessageID: messageID,
		Text:      text,
		Timestamp: h.clock.Now(),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) fire(t *testing.T, tm domain.Timer) EventResult {
	t.Helper()
	res, err := h.engine.HandleTimer(context.Background(), domain.EventFor(tm))
	require.NoError(t, err)
	return res
}

func (h *harness) decide(t *testing.T, d domain.Decision, approvalID, by string) EventResult {
	t.Helper()
	res, err := h.engine.HandleDecisionToken(context.Background(), h.signer.Sign(d, approvalID), by)
	require.NoError(t, err)
	return res
}

func vpnReset(targets ...string) domain.Classification {
	return domain.Classification{
		Intent:           "reset_vpn",
		RequiresApproval: true,
		Action: &domain.Action{
			Executor:  "vpn",
			Operation: "reset_access",
			Targets:   targets,
		},
	}
}

// openApproval drives a fresh conversation into AwaitingApproval.
func (h *harness) openApproval(t *testing.T, targets ...string) (convID, approvalID string) {
	t.Helper()
	if len(targets) == 0 {
		targets = []string{"u-1"}
	}
	h.classifier.on("please reset my vpn access", vpnReset(targets...))
	res := h.send(t, "u-1", "m-approval", "please reset my vpn access")
	require.Equal(t, domain.StateAwaitingApproval, res.State)
	require.NotEmpty(t, res.ApprovalID)
	return res.ConversationID, res.ApprovalID
}
