// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config bounds the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt; 0 retries forever
	MaxRetries int           `yaml:"max_retries" validate:"min=0"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetryDelay caps the doubled delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// DefaultConfig returns 5 retries from 1s doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// State tracks attempts across calls to Run.
type State struct {
	CurrentRetries int
	Total          atomic.Uint32
}

// Reset clears the consecutive-failure count.
func (s *State) Reset() {
	s.CurrentRetries = 0
}

// Func is one attempt.
type Func func(ctx context.Context) error

// Run calls fn until it succeeds, the retry budget is spent or ctx is done.
func Run(ctx context.Context, name string, fn Func, cfg Config, state *State, logger *slog.Logger) error {
	if state == nil {
		state = &State{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if state.CurrentRetries > 0 {
				logger.Info(name+": succeeded after retries", "retries", state.CurrentRetries)
			}
			state.Reset()
			return nil
		}

		state.CurrentRetries++
		state.Total.Add(1)

		if cfg.MaxRetries > 0 && state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("%s: max retries exceeded (%d attempts): %w", name, cfg.MaxRetries, err)
		}

		delay := Backoff(state.CurrentRetries, cfg)
		logger.Warn(name+": attempt failed, retrying",
			"error", err,
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
