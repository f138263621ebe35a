package domain

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalStatus is the review outcome of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Decision is what a reviewer chose.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ParseDecision normalizes raw into a Decision.
func ParseDecision(raw string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionDeny:
		return DecisionDeny, nil
	default:
		return "", fmt.Errorf("domain: invalid decision %q", raw)
	}
}

// DispatchState tracks execution of an approved action.
type DispatchState string

const (
	DispatchNone    DispatchState = ""
	DispatchClaimed DispatchState = "claimed"
	DispatchDone    DispatchState = "done"
)

// Action describes what to execute. Only the named executor understands
// Operation and Params.
type Action struct {
	Executor  string            `json:"executor" dynamodbav:"executor"`
	Operation string            `json:"operation" dynamodbav:"operation"`
	Targets   []string          `json:"targets" dynamodbav:"targets"`
	Resources []string          `json:"resources,omitempty" dynamodbav:"resources,omitempty"`
	Params    map[string]string `json:"params,omitempty" dynamodbav:"params,omitempty"`
	Summary   string            `json:"summary,omitempty" dynamodbav:"summary,omitempty"`
}

// Describe renders a one-line human summary for reviewers.
func (a Action) Describe() string {
	if s := strings.TrimSpace(a.Summary); s != "" {
		return s
	}
	desc := fmt.Sprintf("%s via %s for %s", a.Operation, a.Executor, strings.Join(a.Targets, ", "))
	if len(a.Resources) > 0 {
		desc += " on " + strings.Join(a.Resources, ", ")
	}
	return desc
}

// ApprovalRequest is a proposed action awaiting a human decision.
type ApprovalRequest struct {
	ID             string
	ConversationID string
	Action         Action
	Requester      string
	Status         ApprovalStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
	DecidedBy      string
	DecidedAt      time.Time
	NotifiedAt     time.Time
	NotifyAttempts int

	Dispatch DispatchInfo
	Result   *ExecutionResult

	Version int64
}

// DispatchInfo records claims on executing an approved action.
type DispatchInfo struct {
	State     DispatchState
	ClaimedAt time.Time
	Attempts  int
}

// Decided reports whether the request has left Pending.
func (a *ApprovalRequest) Decided() bool {
	return a.Status != ApprovalPending
}

// Clone returns a deep copy safe to mutate independently.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	out := *a
	out.Action.Targets = append([]string(nil), a.Action.Targets...)
	out.Action.Resources = append([]string(nil), a.Action.Resources...)
	if a.Action.Params != nil {
		out.Action.Params = make(map[string]string, len(a.Action.Params))
		for k, v := range a.Action.Params {
			out.Action.Params[k] = v
		}
	}
	if a.Result != nil {
		r := *a.Result
		r.Outcomes = append([]TargetOutcome(nil), a.Result.Outcomes...)
		out.Result = &r
	}
	return &out
}

// TargetOutcome is the result of applying an action to one target.
type TargetOutcome struct {
	Target  string `json:"target" dynamodbav:"target"`
	Success bool   `json:"success" dynamodbav:"success"`
	Message string `json:"message" dynamodbav:"message"`
}

// ExecutionResult aggregates per-target outcomes of one approved action.
type ExecutionResult struct {
	ApprovalID     string          `json:"approvalId"`
	Outcomes       []TargetOutcome `json:"outcomes"`
	OverallSuccess bool            `json:"overallSuccess"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// NewExecutionResult computes OverallSuccess as the AND of outcomes. An
// action with no outcomes did nothing and is not a success.
func NewExecutionResult(approvalID string, outcomes []TargetOutcome, at time.Time) ExecutionResult {
	ok := len(outcomes) > 0
	for _, o := range outcomes {
		ok = ok && o.Success
	}
	return ExecutionResult{
		ApprovalID:     approvalID,
		Outcomes:       outcomes,
		OverallSuccess: ok,
		CompletedAt:    at.UTC(),
	}
}

// DispatchJob asks a worker to execute an approved action.
type DispatchJob struct {
	ApprovalID string `json:"approvalId"`
}

// Classification is what the intent classifier returns for a message.
type Classification struct {
	Intent           string
	RequiresApproval bool
	Reply            string
	Action           *Action
}

const (
	IntentUnknown  = "unknown"
	IntentResolved = "resolved"
)

// ReviewNotice is what the reviewer channel renders for a pending approval.
type ReviewNotice struct {
	ApprovalID     string
	ConversationID string
	Requester      string
	Summary        string
	ApproveToken   string
	DenyToken      string
	ExpiresAt      time.Time
}

// Operation is one per-target unit of an action handed to an executor.
type Operation struct {
	ApprovalID string            `json:"approvalId"`
	Operation  string            `json:"operation"`
	Target     string            `json:"target"`
	Resource   string            `json:"resource,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Label names the operation's target for outcome reporting.
func (o Operation) Label() string {
	if o.Resource == "" {
		return o.Target
	}
	return o.Target + " (" + o.Resource + ")"
}
