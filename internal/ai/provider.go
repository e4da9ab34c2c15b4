// Package ai wraps the pluggable text-in / text-out completion providers
// behind a circuit breaker with retry, and hosts the summarization worker
// that turns incident event batches into AI-authored summaries.
package ai

import (
	"context"
	"fmt"
	"time"
)

// Usage is the per-call accounting a provider reports.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// Provider is a completion backend. Complete returns the raw model text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, Usage, error)
}

// ProviderError is a transport-level provider failure carrying the HTTP
// status, used to pick retry behavior.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: status %d: %s", e.StatusCode, e.Message)
}

// Terminal reports whether retrying can never help.
func (e *ProviderError) Terminal() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// RateLimited reports whether the provider asked us to back off harder.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == 429
}
