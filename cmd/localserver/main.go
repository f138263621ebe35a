package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"support-agent/handler"
	"support-agent/internal/app"
	"support-agent/internal/config"
	"support-agent/internal/domain"
	"support-agent/internal/integrations/executor"
	"support-agent/internal/integrations/openai"
	"support-agent/internal/integrations/paramstore"
	"support-agent/internal/repository"
	"support-agent/internal/scheduler"
	"support-agent/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init("support-agent-local", "dev", io.Discard)
	if err != nil {
		slog.Error("failed to initialise tracing", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	executorsDoc, err := os.ReadFile(cfg.ExecutorsFile)
	if err != nil {
		slog.Error("failed to read executors file", "path", cfg.ExecutorsFile, "err", err)
		os.Exit(1)
	}

	store, err := repository.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	params := paramstore.Static(cfg.Params(string(executorsDoc)))
	registry, err := executor.Load(ctx, params, cfg.ParamPrefix)
	if err != nil {
		slog.Error("failed to load executors", "err", err)
		os.Exit(1)
	}

	timers := scheduler.NewLocal()
	defer timers.Stop()

	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}

	engine, err := app.Build(ctx, &app.Collaborators{
		Store:     store,
		Params:    params,
		Executors: registry,
		Scheduler: timers,
	}, app.EngineConfig{
		ParamPrefix: cfg.ParamPrefix,
		PublicURL:   cfg.PublicURL,
		ReviewerID:  cfg.ReviewerID,
		Moderation:  cfg.Moderation,
		OpenAI:      openaiOpts,
		Timing:      cfg.Timing,
	}, logger)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	timers.OnFire(func(ctx context.Context, ev domain.TimerEvent) {
		out, err := engine.HandleTimer(ctx, ev)
		if err != nil {
			slog.Error("timer failed", "timer_id", ev.TimerID, "err", err)
			return
		}
		slog.Info("timer handled", "timer_id", ev.TimerID, "disposition", out.Disposition, "reason", out.Reason)
	})

	router, err := handler.NewRouter(engine, logger)
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	recoverCtx, stopRecovery := context.WithCancel(ctx)
	recoveryDone := make(chan struct{})
	go func() {
		defer close(recoveryDone)
		app.RunRecovery(recoverCtx, engine, cfg.RecoverInterval, logger)
	}()

	go func() {
		slog.Info("listening", "addr", srv.Addr, "db", cfg.DBPath, "executors", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopRecovery()
	<-recoveryDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}
}
