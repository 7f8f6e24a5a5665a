package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the join-call service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	DefaultCallType     string
	DefaultAgentName    string
	DefaultInstructions string
	Greeting            string

	// CallMaxDuration bounds a single background join. Zero leaves it unbounded.
	CallMaxDuration time.Duration
	JobRetention    time.Duration

	EdgeProvider    string
	StreamAPIKey    string
	StreamAPISecret string
	StreamBaseURL   string
	StreamTokenTTL  time.Duration

	RealtimeProvider string
	GeminiAPIKey     string
	GeminiModel      string
	RealtimeFPS      int
}

const (
	DefaultCallType     = "default"
	DefaultAgentName    = "AI Golf Coach"
	DefaultInstructions = "Read @golf_coach.md"
	DefaultGreeting     = "Hello, I am your AI coach. I'm ready to analyze your swing."
)

var logLevelPattern = regexp.MustCompile(`^(debug|info|warn|error)$`)

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", "0.0.0.0:8000"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "visionagent"),
		LogLevel:            strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		DefaultCallType:     envOrDefault("AGENT_DEFAULT_CALL_TYPE", DefaultCallType),
		DefaultAgentName:    envOrDefault("AGENT_DEFAULT_NAME", DefaultAgentName),
		DefaultInstructions: envOrDefault("AGENT_DEFAULT_INSTRUCTIONS", DefaultInstructions),
		Greeting:            envOrDefault("AGENT_GREETING", DefaultGreeting),
		EdgeProvider:        envOrDefault("EDGE_PROVIDER", "auto"),
		StreamAPIKey:        stringsTrimSpace("STREAM_API_KEY"),
		StreamAPISecret:     stringsTrimSpace("STREAM_API_SECRET"),
		StreamBaseURL:       envOrDefault("STREAM_BASE_URL", "https://video.stream-io-api.com"),
		StreamTokenTTL:      time.Hour,
		RealtimeProvider:    envOrDefault("REALTIME_PROVIDER", "auto"),
		GeminiAPIKey:        firstNonEmpty(stringsTrimSpace("GEMINI_API_KEY"), stringsTrimSpace("GOOGLE_API_KEY")),
		GeminiModel:         envOrDefault("GEMINI_REALTIME_MODEL", "gemini-2.0-flash-live-001"),
		RealtimeFPS:         3,
		ShutdownTimeout:     15 * time.Second,
		JobRetention:        30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallMaxDuration, err = durationFromEnv("AGENT_CALL_MAX_DURATION", cfg.CallMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.JobRetention, err = durationFromEnv("APP_JOB_RETENTION", cfg.JobRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamTokenTTL, err = durationFromEnv("STREAM_TOKEN_TTL", cfg.StreamTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeFPS, err = intFromEnv("REALTIME_FPS", cfg.RealtimeFPS)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.RealtimeFPS <= 0 {
		return Config{}, fmt.Errorf("REALTIME_FPS must be positive")
	}
	if cfg.CallMaxDuration < 0 {
		return Config{}, fmt.Errorf("AGENT_CALL_MAX_DURATION must be >= 0")
	}
	if cfg.StreamTokenTTL < time.Minute {
		return Config{}, fmt.Errorf("STREAM_TOKEN_TTL must be at least 1m")
	}
	if !logLevelPattern.MatchString(cfg.LogLevel) {
		return Config{}, fmt.Errorf("invalid LOG_LEVEL: %q (expected debug|info|warn|error)", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json)", cfg.LogFormat)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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
