package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the routing and task service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	DatabaseURL string

	RoutingEngine         string
	RoutingRulesFile      string
	RoutingRequireRules   bool
	RoutingStaticDecision string

	TaskDefaultSLAHours        float64
	TaskDefaultEscalationHours float64
	TaskAssignees              []string

	EscalationAssignees  []string
	EscalationRecipients []string
	EscalationChannel    string

	NotifyMaxAttempts int
	NotifyQueueSize   int
	SlackBotToken     string

	AnthropicAPIKey string
	LLMModel        string

	SLASweepSchedule string
}

// LoadDotEnv reads path (default ".env") into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "tracerail"),
		LogLevel:              strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RoutingEngine:         strings.ToLower(envOrDefault("ROUTING_ENGINE", "rules")),
		RoutingRulesFile:      stringsTrimSpace("ROUTING_RULES_FILE"),
		RoutingStaticDecision: strings.ToLower(envOrDefault("ROUTING_STATIC_DECISION", "human")),
		EscalationChannel:     strings.ToLower(envOrDefault("ESCALATION_CHANNEL", "log")),
		SlackBotToken:         stringsTrimSpace("SLACK_BOT_TOKEN"),
		AnthropicAPIKey:       stringsTrimSpace("ANTHROPIC_API_KEY"),
		LLMModel:              stringsTrimSpace("LLM_MODEL"),
		SLASweepSchedule:      envOrDefault("SLA_SWEEP_SCHEDULE", "@every 1m"),
		TaskAssignees:         listFromEnv("TASK_ASSIGNEES"),
		EscalationAssignees:   listFromEnv("ESCALATION_ASSIGNEES"),
		EscalationRecipients:  listFromEnv("ESCALATION_RECIPIENTS"),

		ShutdownTimeout:            15 * time.Second,
		TaskDefaultSLAHours:        24,
		TaskDefaultEscalationHours: 0,
		NotifyMaxAttempts:          3,
		NotifyQueueSize:            256,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RoutingRequireRules, err = boolFromEnv("ROUTING_REQUIRE_RULES", cfg.RoutingRequireRules)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskDefaultSLAHours, err = floatFromEnv("TASK_DEFAULT_SLA_HOURS", cfg.TaskDefaultSLAHours)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskDefaultEscalationHours, err = floatFromEnv("TASK_DEFAULT_ESCALATION_HOURS", cfg.TaskDefaultEscalationHours)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyMaxAttempts, err = intFromEnv("NOTIFY_MAX_ATTEMPTS", cfg.NotifyMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyQueueSize, err = intFromEnv("NOTIFY_QUEUE_SIZE", cfg.NotifyQueueSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	switch cfg.RoutingEngine {
	case "rules", "static":
	default:
		return Config{}, fmt.Errorf("ROUTING_ENGINE must be rules or static, got %q", cfg.RoutingEngine)
	}
	switch cfg.RoutingStaticDecision {
	case "automatic", "human", "escalate", "reject":
	default:
		return Config{}, fmt.Errorf("ROUTING_STATIC_DECISION %q is not a routing decision", cfg.RoutingStaticDecision)
	}
	if cfg.TaskDefaultSLAHours <= 0 {
		return Config{}, fmt.Errorf("TASK_DEFAULT_SLA_HOURS must be positive")
	}
	if cfg.TaskDefaultEscalationHours < 0 {
		return Config{}, fmt.Errorf("TASK_DEFAULT_ESCALATION_HOURS must be >= 0")
	}
	if cfg.NotifyMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be positive")
	}
	if cfg.NotifyQueueSize <= 0 {
		return Config{}, fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive")
	}
	switch cfg.EscalationChannel {
	case "log":
	case "slack":
		if cfg.SlackBotToken == "" {
			return Config{}, fmt.Errorf("ESCALATION_CHANNEL=slack requires SLACK_BOT_TOKEN")
		}
	default:
		return Config{}, fmt.Errorf("ESCALATION_CHANNEL must be log or slack, got %q", cfg.EscalationChannel)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a comma-separated value, dropping blanks.
func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
