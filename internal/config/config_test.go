package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "claude", cfg.AIProvider)
	assert.Equal(t, 30*time.Second, cfg.AggregationInterval)
	assert.Equal(t, 5*time.Minute, cfg.AggregationWindow)
	assert.Equal(t, 5, cfg.SummarizationBatchSize)
	assert.Equal(t, 10000, cfg.QueueMaxSize)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 1000, cfg.RateLimitMaxRequests)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_MAX_SIZE", "500")
	t.Setenv("SPIKE_WINDOW_MS", "60000")
	t.Setenv("AI_PROVIDER", "openai")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.QueueMaxSize)
	assert.Equal(t, time.Minute, cfg.SpikeWindow)
	assert.Equal(t, "openai", cfg.AIProvider)
}

func TestParseCriticalServices(t *testing.T) {
	got, err := parseCriticalServices(`{"payment-service": {"multiplier": 2.0, "alertThreshold": 5}}`)
	require.NoError(t, err)
	require.Contains(t, got, "payment-service")
	assert.Equal(t, 2.0, got["payment-service"].Multiplier)
	assert.Equal(t, 5, got["payment-service"].AlertThreshold)
}

func TestParseCriticalServices_Empty(t *testing.T) {
	got, err := parseCriticalServices("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseCriticalServices_Invalid(t *testing.T) {
	_, err := parseCriticalServices("{not json")
	assert.Error(t, err)
}

func TestAPIKey(t *testing.T) {
	cfg := Config{AnthropicAPIKey: "ak", OpenAIAPIKey: "ok"}

	cfg.AIProvider = "claude"
	assert.Equal(t, "ak", cfg.APIKey())

	cfg.AIProvider = "openai"
	assert.Equal(t, "ok", cfg.APIKey())
}
