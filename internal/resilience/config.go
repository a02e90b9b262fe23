package resilience

import (
	"time"
)

// FromSettings builds a RetryConfig from flat config values, keeping the
// default for any value that is not positive.
func FromSettings(maxAttempts int, initialBackoff, attemptTimeout time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoff > 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if attemptTimeout > 0 {
		cfg.AttemptTimeout = attemptTimeout
	}
	return cfg
}

// FromCircuitConfig builds a CircuitBreakerConfig the same way.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
