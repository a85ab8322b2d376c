// Package resilience provides the fault tolerance applied to storage and
// broker I/O: bounded retry with exponential backoff, backed by
// github.com/cenkalti/backoff/v4, and circuit breaking, backed by
// github.com/sony/gobreaker/v2. It is a thin adapter so callers depend on
// a narrow local surface rather than the libraries directly.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// RetryConfig configures Retry's attempt count and backoff curve.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultRetryConfig caps at three attempts with a short exponential
// backoff, suitable for a Postgres ping or a bbolt file open.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry calls fn up to cfg.MaxAttempts times with exponential backoff
// between attempts. It returns nil on the first success, ctx's error if
// ctx is cancelled while waiting, or the last error fn returned once
// attempts are exhausted.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	// Attempts are bounded by MaxRetries alone, not elapsed time.
	bo.MaxElapsedTime = 0

	// The first call is not a retry.
	withMax := backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	return backoff.Retry(fn, backoff.WithContext(withMax, ctx))
}

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker
// is open or rejecting half-open probes.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name        string
	MaxFailures int           // consecutive failures before opening
	Timeout     time.Duration // time in open state before half-open
	HalfOpenMax int           // max requests allowed in half-open
}

// DefaultBreakerConfig returns the settings used for broker publishes.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker behind an Execute(fn)
// surface.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreaker builds a CircuitBreaker from cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Execute runs fn under the breaker, translating gobreaker's sentinel
// errors to ErrCircuitOpen so callers have one rejection error to check.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
