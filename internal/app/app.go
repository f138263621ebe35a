// Package app wires the engine to its AWS collaborators. The Lambda function
// and the admin CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsscheduler "github.com/aws/aws-sdk-go-v2/service/scheduler"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"support-agent/internal/config"
	"support-agent/internal/integrations/executor"
	"support-agent/internal/integrations/openai"
	"support-agent/internal/integrations/paramstore"
	"support-agent/internal/integrations/webhook"
	"support-agent/internal/queue"
	"support-agent/internal/repository"
	"support-agent/internal/scheduler"
	"support-agent/internal/usecase"
)

// Params is the subset of the parameter store the wiring reads.
type Params interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Collaborators are the built integrations, exposed for callers that need
// more than the engine.
type Collaborators struct {
	Store     repository.Store
	Params    Params
	Executors *executor.Registry
	Scheduler usecase.Scheduler
	Queue     usecase.WorkQueue
}

// EngineConfig carries what Build needs beyond the collaborators.
type EngineConfig struct {
	ParamPrefix string
	PublicURL   string
	ReviewerID  string
	Moderation  bool
	OpenAI      []openai.Option
	Timing      usecase.Timing
}

// NewAWS builds every AWS-backed collaborator for cfg.
func NewAWS(ctx context.Context, cfg *config.AWS) (*Collaborators, aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, awsCfg, fmt.Errorf("create SSM client: %w", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, awsCfg, fmt.Errorf("create state client: %w", err)
	}
	sched, err := scheduler.NewEventBridge(awsscheduler.NewFromConfig(awsCfg), cfg.SchedulerGroup, cfg.SchedulerTargetARN, cfg.SchedulerRoleARN)
	if err != nil {
		return nil, awsCfg, fmt.Errorf("create scheduler: %w", err)
	}

	c := &Collaborators{Store: store, Params: params, Scheduler: sched}
	if cfg.DispatchQueueURL != "" {
		q, err := queue.NewSQS(awssqs.NewFromConfig(awsCfg), cfg.DispatchQueueURL)
		if err != nil {
			return nil, awsCfg, fmt.Errorf("create dispatch queue: %w", err)
		}
		c.Queue = q
	}

	c.Executors, err = executor.Load(ctx, params, cfg.ParamPrefix)
	if err != nil {
		return nil, awsCfg, err
	}
	return c, awsCfg, nil
}

// Build assembles the engine from c.
func Build(ctx context.Context, c *Collaborators, ec EngineConfig, logger *slog.Logger) (*usecase.Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimRight(ec.ParamPrefix, "/")

	secret, err := c.Params.GetParameter(ctx, prefix+"/decision-secret")
	if err != nil {
		return nil, fmt.Errorf("fetch decision secret: %w", err)
	}
	signer, err := usecase.NewTokenSigner([]byte(secret))
	if err != nil {
		return nil, err
	}

	webhookSecret, err := c.Params.GetParameter(ctx, prefix+"/webhook-secret")
	if err != nil {
		return nil, fmt.Errorf("fetch webhook secret: %w", err)
	}
	if webhookSecret == secret {
		return nil, errors.New("webhook secret must differ from the decision secret")
	}

	classifierOpts := append([]openai.Option{
		openai.WithModeration(ec.Moderation),
		openai.WithExecutors(c.Executors.Names()...),
	}, ec.OpenAI...)
	classifier, err := openai.NewClient(c.Params, prefix, classifierOpts...)
	if err != nil {
		return nil, fmt.Errorf("create OpenAI client: %w", err)
	}

	channels, err := webhook.NewClient(c.Params, prefix,
		webhook.WithSigningSecret([]byte(webhookSecret)),
		webhook.WithDecisionBaseURL(ec.PublicURL),
		webhook.WithReviewerID(ec.ReviewerID),
	)
	if err != nil {
		return nil, fmt.Errorf("create webhook client: %w", err)
	}

	dispatcher, err := usecase.NewDispatcher(c.Executors, 0, logger)
	if err != nil {
		return nil, err
	}

	return usecase.NewEngine(usecase.Dependencies{
		Store:      c.Store,
		Classifier: classifier,
		Scheduler:  c.Scheduler,
		Reviewer:   channels,
		Users:      channels,
		Queue:      c.Queue,
		Dispatcher: dispatcher,
		Signer:     signer,
	}, usecase.WithTiming(ec.Timing), usecase.WithLogger(logger))
}
