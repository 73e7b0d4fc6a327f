package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retry defaults: linear backoff, attempt N waits N times the base.
const (
	DefaultRetryAttempts = 10
	DefaultRetryBaseWait = 250 * time.Millisecond
)

// RetryConfig bounds the Retrying wrapper. Zero values use the defaults.
type RetryConfig struct {
	Attempts int
	BaseWait time.Duration
}

// Retrying wraps a Client with bounded linear backoff. Context cancellation
// aborts both in-flight calls and backoff waits.
type Retrying struct {
	inner    Client
	attempts int
	baseWait time.Duration
	logger   *slog.Logger
}

// NewRetrying wraps inner with retry behavior.
func NewRetrying(inner Client, cfg RetryConfig) *Retrying {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRetryAttempts
	}
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = DefaultRetryBaseWait
	}
	return &Retrying{
		inner:    inner,
		attempts: cfg.Attempts,
		baseWait: cfg.BaseWait,
		logger:   slog.Default(),
	}
}

// Generate calls the wrapped client, retrying failures until the attempt
// budget is spent.
func (r *Retrying) Generate(ctx context.Context, input *GenerateInput) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := r.inner.Generate(ctx, input)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm call aborted: %w", ctx.Err())
		}
		if attempt == r.attempts {
			break
		}

		wait := time.Duration(attempt) * r.baseWait
		r.logger.Warn("LLM call failed, retrying",
			"attempt", attempt,
			"max_attempts", r.attempts,
			"wait", wait,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llm call aborted: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", r.attempts, lastErr)
}
