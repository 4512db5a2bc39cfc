package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(name string, failureThreshold, recoveryTimeoutSecs, halfOpenMaxCalls int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = name
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if recoveryTimeoutSecs > 0 {
		cfg.RecoveryTimeout = time.Duration(recoveryTimeoutSecs) * time.Second
	}
	if halfOpenMaxCalls > 0 {
		cfg.HalfOpenMaxCalls = halfOpenMaxCalls
	}
	return cfg
}
