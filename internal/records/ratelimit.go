package records

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedStore throttles queries against an underlying store with a
// token bucket.
type RateLimitedStore struct {
	next    Store
	limiter *rate.Limiter
}

// NewRateLimitedStore allows qps queries per second with the given burst.
func NewRateLimitedStore(next Store, qps float64, burst int) *RateLimitedStore {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedStore{next: next, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

// Find waits for a token, then delegates.
func (s *RateLimitedStore) Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return s.next.Find(ctx, object, filter, opts)
}
