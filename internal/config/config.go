// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"support-agent/internal/usecase"
)

// AWS holds configuration for the Lambda function and the admin CLI.
type AWS struct {
	StateTable         string
	ParamPrefix        string
	SchedulerGroup     string
	SchedulerTargetARN string
	SchedulerRoleARN   string
	DispatchQueueURL   string
	PublicURL          string
	ReviewerID         string
	Moderation         bool
	Timing             usecase.Timing
}

// Local holds configuration for the single-process development server.
type Local struct {
	Port               string
	DBPath             string
	ParamPrefix        string
	OpenAIKey          string
	OpenAIModel        string
	OpenAIBaseURL      string
	Moderation         bool
	ReviewerWebhookURL string
	UserWebhookURL     string
	DecisionSecret     string
	WebhookSecret      string
	PublicURL          string
	ReviewerID         string
	ExecutorsFile      string
	RecoverInterval    time.Duration
	Timing             usecase.Timing
}

// LoadAWS reads Lambda configuration from environment variables.
func LoadAWS() (*AWS, error) {
	cfg := &AWS{
		StateTable:         getEnv("STATE_TABLE", ""),
		ParamPrefix:        strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		SchedulerGroup:     getEnv("SCHEDULER_GROUP", "default"),
		SchedulerTargetARN: getEnv("SCHEDULER_TARGET_ARN", ""),
		SchedulerRoleARN:   getEnv("SCHEDULER_ROLE_ARN", ""),
		DispatchQueueURL:   getEnv("DISPATCH_QUEUE_URL", ""),
		PublicURL:          getEnv("PUBLIC_URL", ""),
		ReviewerID:         getEnv("REVIEWER_ID", "reviewer-channel"),
		Moderation:         getEnvBool("MODERATION_ENABLED", true),
		Timing:             loadTiming(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *AWS) Validate() error {
	if c.StateTable == "" {
		return fmt.Errorf("STATE_TABLE cannot be empty")
	}
	if c.ParamPrefix == "" {
		return fmt.Errorf("PARAM_PREFIX cannot be empty")
	}
	if c.SchedulerTargetARN == "" {
		return fmt.Errorf("SCHEDULER_TARGET_ARN cannot be empty")
	}
	if c.SchedulerRoleARN == "" {
		return fmt.Errorf("SCHEDULER_ROLE_ARN cannot be empty")
	}
	return validateTiming(c.Timing)
}

// Load reads local server configuration from environment variables.
func Load() (*Local, error) {
	cfg := &Local{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/support-agent.db"),
		ParamPrefix:        strings.TrimRight(getEnv("PARAM_PREFIX", "/support-agent/local"), "/"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		Moderation:         getEnvBool("MODERATION_ENABLED", false),
		ReviewerWebhookURL: getEnv("REVIEWER_WEBHOOK_URL", ""),
		UserWebhookURL:     getEnv("USER_WEBHOOK_URL", ""),
		DecisionSecret:     getEnv("DECISION_SECRET", ""),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),
		PublicURL:          getEnv("PUBLIC_URL", ""),
		ReviewerID:         getEnv("REVIEWER_ID", "reviewer-channel"),
		ExecutorsFile:      getEnv("EXECUTORS_FILE", "./executors.yaml"),
		RecoverInterval:    getEnvDuration("RECOVER_INTERVAL", time.Minute),
		Timing:             loadTiming(),
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Local) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OpenAIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY cannot be empty")
	}
	if len(c.DecisionSecret) < 16 {
		return fmt.Errorf("DECISION_SECRET must be at least 16 characters")
	}
	if len(c.WebhookSecret) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET must be at least 16 characters")
	}
	if c.WebhookSecret == c.DecisionSecret {
		return fmt.Errorf("WEBHOOK_SECRET must differ from DECISION_SECRET")
	}
	if c.RecoverInterval <= 0 {
		return fmt.Errorf("RECOVER_INTERVAL must be > 0")
	}
	return validateTiming(c.Timing)
}

// Params renders the values the AWS deployment keeps in the parameter store,
// keyed the same way, so local runs share the integration code.
func (c *Local) Params(executorsDoc string) map[string]string {
	params := map[string]string{
		c.ParamPrefix + "/open-ai-token":    fmt.Sprintf(`{"token":%q}`, c.OpenAIKey),
		c.ParamPrefix + "/decision-secret":  c.DecisionSecret,
		c.ParamPrefix + "/webhook-secret":   c.WebhookSecret,
		c.ParamPrefix + "/config/executors": executorsDoc,
	}
	if c.OpenAIModel != "" {
		params[c.ParamPrefix+"/config/openai_model"] = c.OpenAIModel
	}
	if c.ReviewerWebhookURL != "" {
		params[c.ParamPrefix+"/reviewer-webhook"] = c.ReviewerWebhookURL
	}
	if c.UserWebhookURL != "" {
		params[c.ParamPrefix+"/user-webhook"] = c.UserWebhookURL
	}
	return params
}

func loadTiming() usecase.Timing {
	d := usecase.DefaultTiming()
	return usecase.Timing{
		EngagementCheck1: getEnvDuration("ENGAGEMENT_CHECK_1_DELAY", d.EngagementCheck1),
		EngagementCheck2: getEnvDuration("ENGAGEMENT_CHECK_2_DELAY", d.EngagementCheck2),
		AutoResolve:      getEnvDuration("AUTO_RESOLVE_DELAY", d.AutoResolve),
		ApprovalTTL:      getEnvDuration("APPROVAL_TTL", d.ApprovalTTL),
		Grace:            getEnvDuration("TIMER_GRACE", d.Grace),
		DispatchLease:    getEnvDuration("DISPATCH_LEASE", d.DispatchLease),
		RelatedWindow:    getEnvDuration("RELATED_TOPIC_WINDOW", d.RelatedWindow),
		MessageIDLimit:   getEnvInt("MESSAGE_ID_LIMIT", d.MessageIDLimit),
	}
}

func validateTiming(t usecase.Timing) error {
	if t.EngagementCheck1 <= 0 {
		return fmt.Errorf("ENGAGEMENT_CHECK_1_DELAY must be > 0")
	}
	if t.EngagementCheck2 <= t.EngagementCheck1 {
		return fmt.Errorf("ENGAGEMENT_CHECK_2_DELAY must be greater than ENGAGEMENT_CHECK_1_DELAY")
	}
	if t.AutoResolve <= t.EngagementCheck2 {
		return fmt.Errorf("AUTO_RESOLVE_DELAY must be greater than ENGAGEMENT_CHECK_2_DELAY")
	}
	if t.ApprovalTTL <= 0 {
		return fmt.Errorf("APPROVAL_TTL must be > 0")
	}
	if t.Grace < 0 || t.Grace >= t.EngagementCheck1 {
		return fmt.Errorf("TIMER_GRACE must be >= 0 and shorter than ENGAGEMENT_CHECK_1_DELAY")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
