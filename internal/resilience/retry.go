package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is an exponential backoff policy. The delay doubles after
// every failed attempt, is capped at MaxBackoff and is jittered by up to a
// quarter either way.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AttemptTimeout bounds a single attempt. An attempt that times out
	// while the caller's context is still live counts as transient.
	AttemptTimeout time.Duration

	// Retryable overrides IsTransient.
	Retryable func(err error) bool

	// OnRetry runs before each backoff sleep. attempt is 1 for the first
	// retry.
	OnRetry func(attempt int, err error)
}

const jitter = 0.25

// DefaultRetryConfig is used for layer downloads and land-cover queries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx is done. The last error is returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	delay := cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		val, err := attemptOnce(ctx, cfg.AttemptTimeout, fn)
		if err == nil || ctx.Err() != nil || !retryable(err) || attempt == cfg.MaxAttempts {
			return val, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		t := time.NewTimer(jittered(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return val, err
		case <-t.C:
		}
		delay = min(2*delay, cfg.MaxBackoff)
	}
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return val, NewTransientError(err, 0)
	}
	return val, err
}

func jittered(d time.Duration) time.Duration {
	f := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// RetryLogger returns an OnRetry hook that logs a warning per retry.
func RetryLogger(component, op string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("component", component),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
