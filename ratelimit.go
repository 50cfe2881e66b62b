package edgar

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// DefaultRateLimit is the SEC fair-access ceiling (10 requests/second).
const DefaultRateLimit = 10

// RateLimiter spaces successive calls at least 1/N seconds apart.
// One instance should be shared by every component that talks to the SEC so the
// whole process stays under the fair-access ceiling.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing maxPerSecond calls per second.
// A non-positive value disables limiting.
func NewRateLimiter(maxPerSecond float64) *RateLimiter {
	if maxPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	// Burst of one: no call may ride on a token saved up while idle.
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(maxPerSecond), 1)}
}

// Wait blocks until the next call is allowed. It only fails when ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Do waits for the limiter and then runs fn.
func (r *RateLimiter) Do(ctx context.Context, fn func() error) error {
	if err := r.Wait(ctx); err != nil {
		return err
	}
	return fn()
}
