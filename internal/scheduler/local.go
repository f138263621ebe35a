package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"support-agent/internal/domain"
)

// FireFunc receives a timer event when an in-process timer fires.
type FireFunc func(ctx context.Context, ev domain.TimerEvent)

// Local arms timers in process with time.AfterFunc. Timers do not survive a
// restart; the fire-time freshness check makes that safe to lose.
type Local struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   FireFunc
	now    func() time.Time
}

// NewLocal creates an in-process scheduler. Fired timers are dropped until
// OnFire is set.
func NewLocal() *Local {
	return &Local{timers: make(map[string]*time.Timer), now: time.Now}
}

// OnFire sets the callback invoked when a timer fires.
func (l *Local) OnFire(fn FireFunc) {
	l.mu.Lock()
	l.fire = fn
	l.mu.Unlock()
}

// Schedule arms t, replacing any timer with the same id.
func (l *Local) Schedule(_ context.Context, t domain.Timer) error {
	delay := t.FireAt.Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	ev := domain.EventFor(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.timers[t.ID]; ok {
		existing.Stop()
	}
	l.timers[t.ID] = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t.ID)
		fire := l.fire
		l.mu.Unlock()
		if fire == nil {
			slog.Warn("local timer fired with no handler", "timer_id", t.ID)
			return
		}
		fire(context.Background(), ev)
	})
	return nil
}

// Cancel stops the timer if it has not fired yet.
func (l *Local) Cancel(_ context.Context, timerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[timerID]; ok {
		t.Stop()
		delete(l.timers, timerID)
	}
	return nil
}

// Pending returns the number of armed timers.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop cancels every armed timer.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}
