package app

import (
	"context"
	"log/slog"
	"time"

	"support-agent/internal/usecase"
)

// Recoverer runs one recovery sweep.
type Recoverer interface {
	Recover(ctx context.Context) (usecase.RecoveryReport, error)
}

// RunRecovery sweeps once immediately and then every interval until ctx is
// done. The local server has no durable timers, so this is what re-drives
// approvals whose in-process timers died with a previous run.
func RunRecovery(ctx context.Context, r Recoverer, every time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = time.Minute
	}

	sweep := func() {
		report, err := r.Recover(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.ErrorContext(ctx, "recovery sweep failed", "err", err)
			}
			return
		}
		if report.Failed > 0 {
			logger.WarnContext(ctx, "recovery sweep left failures", "failed", report.Failed)
		}
	}

	sweep()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
