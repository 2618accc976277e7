package common

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited paces every call to the wrapped gateway through a token bucket.
type RateLimited struct {
	Gateway
	limiter *rate.Limiter
}

// WithRateLimit wraps gw so that at most rps calls per second (with burst)
// reach the venue. rps <= 0 returns gw unchanged.
func WithRateLimit(gw Gateway, rps float64, burst int) Gateway {
	if rps <= 0 || gw == nil {
		return gw
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Gateway: gw, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return OrderResult{}, fmt.Errorf("%s rate limit: %w", r.Name(), err)
	}
	return r.Gateway.SubmitOrder(ctx, req)
}

func (r *RateLimited) FetchStatus(ctx context.Context, q StatusQuery) (OrderStatus, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return StatusUnknown, fmt.Errorf("%s rate limit: %w", r.Name(), err)
	}
	return r.Gateway.FetchStatus(ctx, q)
}
