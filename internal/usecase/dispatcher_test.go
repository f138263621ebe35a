package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

func TestExpand(t *testing.T) {
	action := domain.Action{
		Executor:  "iam",
		Operation: "grant",
		Targets:   []string{"alice", "bob"},
		Resources: []string{"billing", "reports"},
		Params:    map[string]string{"role": "viewer"},
	}
	ops := Expand("apr-1", action)
	require.Len(t, ops, 4)
	require.Equal(t, domain.Operation{ApprovalID: "apr-1", Operation: "grant", Target: "alice", Resource: "billing", Params: action.Params}, ops[0])
	require.Equal(t, "bob (reports)", ops[3].Label())

	ops = Expand("apr-2", domain.Action{Operation: "reset", Targets: []string{"carol"}})
	require.Len(t, ops, 1)
	require.Equal(t, "carol", ops[0].Label())

	require.Empty(t, Expand("apr-3", domain.Action{Operation: "reset"}))
}

func TestNewDispatcher(t *testing.T) {
	_, err := NewDispatcher(nil, 1, nil)
	require.Error(t, err)

	d, err := NewDispatcher(mapRegistry{}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, defaultDispatchConcurrency, d.concurrency)
}

func TestDispatcherExecute(t *testing.T) {
	at := t0.Add(time.Hour)
	newDispatcher := func(t *testing.T, exec *fakeExecutor) *Dispatcher {
		d, err := NewDispatcher(mapRegistry{"vpn": exec}, 2, discardLogger())
		require.NoError(t, err)
		d.now = func() time.Time { return at }
		return d
	}

	t.Run("all succeed", func(t *testing.T) {
		exec := &fakeExecutor{}
		res := newDispatcher(t, exec).Execute(context.Background(), "apr-1", domain.Action{Executor: "vpn", Operation: "reset", Targets: []string{"a", "b", "c"}})
		require.True(t, res.OverallSuccess)
		require.Equal(t, "apr-1", res.ApprovalID)
		require.Equal(t, at, res.CompletedAt)
		require.Len(t, res.Outcomes, 3)
		// outcomes keep the order of the expanded operations
		require.Equal(t, []string{"a", "b", "c"}, []string{res.Outcomes[0].Target, res.Outcomes[1].Target, res.Outcomes[2].Target})
		require.Equal(t, 3, exec.callCount())
	})

	t.Run("one failure does not stop the rest", func(t *testing.T) {
		exec := &fakeExecutor{fail: map[string]bool{"b": true}}
		res := newDispatcher(t, exec).Execute(context.Background(), "apr-1", domain.Action{Executor: "vpn", Operation: "reset", Targets: []string{"a", "b", "c"}})
		require.False(t, res.OverallSuccess)
		require.Equal(t, 3, exec.callCount())
		require.True(t, res.Outcomes[0].Success)
		require.False(t, res.Outcomes[1].Success)
		require.Equal(t, "executor refused", res.Outcomes[1].Message)
		require.True(t, res.Outcomes[2].Success)
	})

	t.Run("unknown executor", func(t *testing.T) {
		exec := &fakeExecutor{}
		res := newDispatcher(t, exec).Execute(context.Background(), "apr-1", domain.Action{Executor: "ldap", Operation: "add", Targets: []string{"a"}, Resources: []string{"admins"}})
		require.False(t, res.OverallSuccess)
		require.Len(t, res.Outcomes, 1)
		require.Equal(t, "a (admins)", res.Outcomes[0].Target)
		require.Equal(t, `no executor named "ldap" is configured`, res.Outcomes[0].Message)
		require.Zero(t, exec.callCount())
	})

	t.Run("no targets", func(t *testing.T) {
		res := newDispatcher(t, &fakeExecutor{}).Execute(context.Background(), "apr-1", domain.Action{Executor: "vpn", Operation: "reset"})
		require.False(t, res.OverallSuccess)
		require.Empty(t, res.Outcomes)
	})
}

type gateExecutor struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	release  chan struct{}
}

func (g *gateExecutor) Apply(_ context.Context, op domain.Operation) (domain.TargetOutcome, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()

	<-g.release

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return domain.TargetOutcome{Target: op.Target, Success: true}, nil
}

func TestDispatcherExecute_BoundsConcurrency(t *testing.T) {
	gate := &gateExecutor{release: make(chan struct{})}
	d, err := NewDispatcher(mapRegistry{"slow": gate}, 2, discardLogger())
	require.NoError(t, err)

	done := make(chan domain.ExecutionResult, 1)
	go func() {
		done <- d.Execute(context.Background(), "apr-1", domain.Action{Executor: "slow", Operation: "x", Targets: []string{"a", "b", "c", "d", "e"}})
	}()

	for i := 0; i < 5; i++ {
		gate.release <- struct{}{}
	}
	res := <-done
	require.True(t, res.OverallSuccess)
	require.LessOrEqual(t, gate.peak, 2)
}
