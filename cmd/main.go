package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"support-agent/handler"
	"support-agent/internal/app"
	"support-agent/internal/config"
	"support-agent/internal/tracing"
)

var version = "dev"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.LoadAWS()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	shutdown, err := tracing.Init("support-agent", version, os.Stderr)
	if err != nil {
		slog.Error("failed to initialise tracing", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(context.Background()) }()

	// ---- Clients ----
	collaborators, _, err := app.NewAWS(ctx, cfg)
	if err != nil {
		slog.Error("failed to create clients", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	engine, err := app.Build(ctx, collaborators, app.EngineConfig{
		ParamPrefix: cfg.ParamPrefix,
		PublicURL:   cfg.PublicURL,
		ReviewerID:  cfg.ReviewerID,
		Moderation:  cfg.Moderation,
		Timing:      cfg.Timing,
	}, logger)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(engine, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
