package resilience

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"geoquery/internal/domain"
)

// Default values for retry configuration
const (
	DefaultMaxRetries    = 2
	DefaultBackoffBaseMs = 1000
	DefaultBackoffMaxMs  = 30000 // 30 seconds
)

// RetryConfig configuration for retry logic
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool
}

// DefaultRetryConfig returns the standard policy: two retries after the
// initial attempt, 1s base, 30s cap, no jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBaseMs * time.Millisecond,
		BackoffMax:  DefaultBackoffMaxMs * time.Millisecond,
	}
}

// RetryPolicy decides whether a failed attempt is retried and how long to wait
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBaseMs * time.Millisecond
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = DefaultBackoffMaxMs * time.Millisecond
	}
	return &RetryPolicy{config: config}
}

// MaxRetries returns the retry bound
func (p *RetryPolicy) MaxRetries() int {
	return p.config.MaxRetries
}

// ShouldRetry reports whether another attempt is warranted after failureCount
// prior retries failed with err. Content resolution failures are never retried.
func (p *RetryPolicy) ShouldRetry(failureCount int, err error) bool {
	if err == nil {
		return false
	}

	if ae, ok := domain.AsAnalysisError(err); ok {
		if ae.Kind == domain.ErrContentFetch || !ae.Retryable {
			return false
		}
	}

	if isFetchStageError(err) {
		return false
	}

	return failureCount < p.config.MaxRetries
}

// BackoffDelay returns the wait before retry number attempt (zero-based)
func (p *RetryPolicy) BackoffDelay(attempt int) time.Duration {
	return calculateBackoff(attempt, p.config.BackoffBase, p.config.BackoffMax, p.config.Jitter)
}

// calculateBackoff calculates exponential backoff with optional jitter
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Exponential backoff: base * 2^attempt, computed in float to avoid overflow
	exp := float64(base) * math.Pow(2, float64(attempt))
	backoff := max
	if exp < float64(max) {
		backoff = time.Duration(exp)
	}

	if jitter {
		// Add random jitter (±25%)
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

// isFetchStageError checks unclassified errors for text that points at the
// content fetch stage
func isFetchStageError(err error) bool {
	if _, ok := domain.AsAnalysisError(err); ok {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "failed to fetch") || strings.Contains(errStr, "fetch-content")
}
