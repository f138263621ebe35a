package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"support-agent/internal/app"
	"support-agent/internal/config"
	"support-agent/internal/repository"
	"support-agent/internal/usecase"
)

type awsBackend struct {
	repository.Store
	*usecase.Engine
}

func openAWS(ctx context.Context) (backend, error) {
	cfg, err := config.LoadAWS()
	if err != nil {
		return nil, err
	}
	collaborators, _, err := app.NewAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine, err := app.Build(ctx, collaborators, app.EngineConfig{
		ParamPrefix: cfg.ParamPrefix,
		PublicURL:   cfg.PublicURL,
		ReviewerID:  cfg.ReviewerID,
		Moderation:  cfg.Moderation,
		Timing:      cfg.Timing,
	}, slog.Default())
	if err != nil {
		return nil, err
	}
	return awsBackend{Store: collaborators.Store, Engine: engine}, nil
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := newRootCmd(openAWS).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
