package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/breaker"
)

// ClientConfig holds the retry and timeout knobs.
type ClientConfig struct {
	// MaxRetries is the total number of provider attempts per call.
	MaxRetries int
	// CallTimeout bounds one provider attempt.
	CallTimeout time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	return c
}

// Client guards a Provider with the circuit breaker and exponential-backoff
// retry. Every attempt, not every call, advances the breaker.
type Client struct {
	provider Provider
	breaker  *breaker.Breaker
	cfg      ClientConfig
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient wraps provider. provider may be nil when no API key is
// configured; the client then reports unavailable.
func NewClient(provider Provider, br *breaker.Breaker, cfg ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		provider: provider,
		breaker:  br,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Available reports whether a call is worth attempting: a provider is
// configured and the breaker is not rejecting.
func (c *Client) Available() bool {
	return c.provider != nil && c.breaker.State() != breaker.StateOpen
}

// Breaker exposes the underlying breaker for the admin endpoints.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// ProviderName returns the configured provider's name, or "none".
func (c *Client) ProviderName() string {
	if c.provider == nil {
		return "none"
	}
	return c.provider.Name()
}

// Complete runs one completion with retry. 401/403 are terminal, 429 backs
// off one step harder, and an open breaker stops the retry loop immediately.
func (c *Client) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	if c.provider == nil {
		return "", Usage{}, fmt.Errorf("no AI provider configured")
	}

	ctx, span := otel.Tracer("incident-service/ai").Start(ctx, "ai.complete")
	span.SetAttributes(attribute.String("ai.provider", c.provider.Name()))
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			wait := bo.NextBackOff()
			var perr *ProviderError
			if errors.As(lastErr, &perr) && perr.RateLimited() {
				// Rate limits get one extra doubling.
				wait = bo.NextBackOff()
			}
			if err := c.sleep(ctx, wait); err != nil {
				return "", Usage{}, err
			}
		}

		var text string
		var usage Usage
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			var err error
			text, usage, err = c.provider.Complete(callCtx, system, user)
			return err
		})
		if err == nil {
			c.logger.Info("completion succeeded",
				zap.String("provider", c.provider.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("latency", usage.Latency),
				zap.Int64("input_tokens", usage.InputTokens),
				zap.Int64("output_tokens", usage.OutputTokens),
			)
			return text, usage, nil
		}

		if errors.Is(err, breaker.ErrOpen) {
			return "", Usage{}, err
		}
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Terminal() {
			c.logger.Error("terminal provider error, not retrying",
				zap.Int("status", perr.StatusCode),
			)
			return "", Usage{}, err
		}

		lastErr = err
		c.logger.Warn("completion attempt failed",
			zap.String("provider", c.provider.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return "", Usage{}, fmt.Errorf("completion failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
