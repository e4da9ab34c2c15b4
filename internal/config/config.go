// Package config loads the service configuration from the environment, with
// optional Vault-backed secrets for credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/arc-self/incident-service/internal/scoring"
)

// Config is the full service configuration. Durations configured in
// milliseconds arrive here as time.Duration.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	NATSURL     string

	AIProvider      string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	AIModel         string

	AggregationInterval time.Duration
	AggregationWindow   time.Duration

	SummarizationInterval   time.Duration
	SummarizationBatchSize  int
	SummarizationMaxRetries int

	SpikeWindow          time.Duration
	SpikeHistoryWindows  int
	SpikeStdDevThreshold float64
	SpikeMinDataPoints   int

	QueueMaxSize           int
	QueueBatchSize         int
	QueueBatchInterval     time.Duration
	BroadcastBatchSize     int
	BroadcastBatchInterval time.Duration

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	CriticalServices map[string]scoring.CriticalService

	OTELEndpoint string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    envString("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		NATSURL:     os.Getenv("NATS_URL"),

		AIProvider:      envString("AI_PROVIDER", "claude"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AIModel:         os.Getenv("AI_MODEL"),

		AggregationInterval: envMillis("AGGREGATION_INTERVAL_MS", 30000),
		AggregationWindow:   envMillis("AGGREGATION_WINDOW_MS", 300000),

		SummarizationInterval:   envMillis("SUMMARIZATION_INTERVAL_MS", 30000),
		SummarizationBatchSize:  envInt("SUMMARIZATION_BATCH_SIZE", 5),
		SummarizationMaxRetries: envInt("SUMMARIZATION_MAX_RETRIES", 3),

		SpikeWindow:          envMillis("SPIKE_WINDOW_MS", 300000),
		SpikeHistoryWindows:  envInt("SPIKE_HISTORY_WINDOWS", 12),
		SpikeStdDevThreshold: envFloat("SPIKE_STDDEV_THRESHOLD", 2.0),
		SpikeMinDataPoints:   envInt("SPIKE_MIN_DATA_POINTS", 3),

		QueueMaxSize:           envInt("QUEUE_MAX_SIZE", 10000),
		QueueBatchSize:         envInt("QUEUE_BATCH_SIZE", 100),
		QueueBatchInterval:     envMillis("QUEUE_BATCH_INTERVAL_MS", 1000),
		BroadcastBatchSize:     envInt("BROADCAST_BATCH_SIZE", 10),
		BroadcastBatchInterval: envMillis("BROADCAST_BATCH_INTERVAL_MS", 100),

		RateLimitWindow:      envMillis("RATE_LIMIT_WINDOW_MS", 60000),
		RateLimitMaxRequests: envInt("RATE_LIMIT_MAX_REQUESTS", 1000),

		BreakerFailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          envMillis("BREAKER_TIMEOUT_MS", 60000),

		OTELEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	critical, err := parseCriticalServices(os.Getenv("CRITICAL_SERVICES"))
	if err != nil {
		return Config{}, err
	}
	cfg.CriticalServices = critical

	return cfg, nil
}

// parseCriticalServices decodes the CRITICAL_SERVICES JSON mapping, e.g.
// {"payment-service": {"multiplier": 2.0, "alertThreshold": 5}}.
func parseCriticalServices(raw string) (map[string]scoring.CriticalService, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]scoring.CriticalService)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse CRITICAL_SERVICES: %w", err)
	}
	return out, nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envMillis(name string, fallback int) time.Duration {
	return time.Duration(envInt(name, fallback)) * time.Millisecond
}

// APIKey returns the key matching the configured provider.
func (c Config) APIKey() string {
	if c.AIProvider == "openai" {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}
