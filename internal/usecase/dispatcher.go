package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"support-agent/internal/domain"
)

// Executor applies one per-target operation. An operation that finds its
// change already in place reports success.
type Executor interface {
	Apply(ctx context.Context, op domain.Operation) (domain.TargetOutcome, error)
}

// ExecutorRegistry resolves an action's executor by name.
type ExecutorRegistry interface {
	Executor(name string) (Executor, bool)
}

const defaultDispatchConcurrency = 4

// Dispatcher fans an approved action out to its executor. It holds no state
// between calls; at-most-once execution is the caller's claim to enforce.
type Dispatcher struct {
	executors   ExecutorRegistry
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher running at most concurrency operations
// at once. A non-positive concurrency uses the default.
func NewDispatcher(executors ExecutorRegistry, concurrency int, logger *slog.Logger) (*Dispatcher, error) {
	if executors == nil {
		return nil, errors.New("usecase: executor registry must not be nil")
	}
	if concurrency <= 0 {
		concurrency = defaultDispatchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{executors: executors, concurrency: concurrency, logger: logger, now: time.Now}, nil
}

// Expand turns an action into one operation per target and resource.
func Expand(approvalID string, action domain.Action) []domain.Operation {
	resources := action.Resources
	if len(resources) == 0 {
		resources = []string{""}
	}
	ops := make([]domain.Operation, 0, len(action.Targets)*len(resources))
	for _, target := range action.Targets {
		for _, resource := range resources {
			ops = append(ops, domain.Operation{
				ApprovalID: approvalID,
				Operation:  action.Operation,
				Target:     target,
				Resource:   resource,
				Params:     action.Params,
			})
		}
	}
	return ops
}

// Execute runs every operation of action independently and aggregates the
// outcomes. A failed operation never stops the others.
func (d *Dispatcher) Execute(ctx context.Context, approvalID string, action domain.Action) domain.ExecutionResult {
	ops := Expand(approvalID, action)
	outcomes := make([]domain.TargetOutcome, len(ops))

	exec, ok := d.executors.Executor(action.Executor)
	if !ok {
		for i, op := range ops {
			outcomes[i] = domain.TargetOutcome{
				Target:  op.Label(),
				Success: false,
				Message: fmt.Sprintf("no executor named %q is configured", action.Executor),
			}
		}
		d.logger.ErrorContext(ctx, "unknown executor", "approval_id", approvalID, "executor", action.Executor)
		return domain.NewExecutionResult(approvalID, outcomes, d.now())
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
		sem  = make(chan struct{}, d.concurrency)
	)
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op domain.Operation) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = domain.TargetOutcome{Target: op.Label(), Message: ctx.Err().Error()}
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", op.Label(), ctx.Err()))
				mu.Unlock()
				return
			}

			outcome, err := exec.Apply(ctx, op)
			if outcome.Target == "" {
				outcome.Target = op.Label()
			}
			if err != nil {
				outcome.Success = false
				if outcome.Message == "" {
					outcome.Message = err.Error()
				}
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", op.Label(), err))
				mu.Unlock()
			}
			outcomes[i] = outcome
		}(i, op)
	}
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		d.logger.WarnContext(ctx, "some operations failed",
			"approval_id", approvalID,
			"executor", action.Executor,
			"failed", errs.Len(),
			"total", len(ops),
			"err", err,
		)
	}
	return domain.NewExecutionResult(approvalID, outcomes, d.now())
}
