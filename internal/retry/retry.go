// Package retry provides utilities for retrying operations with exponential
// backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter enables randomization of delays.
	Jitter bool
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Do executes the operation with retries. It returns the last error, or nil
// once the operation succeeds.
func Do(ctx context.Context, config Config, op func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(config, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func backoffDelay(config Config, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Factor, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		delay = delay/2 + rand.Float64()*delay/2
	}
	return time.Duration(delay)
}
