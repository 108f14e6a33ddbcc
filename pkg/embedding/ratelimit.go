package embedding

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited bounds the call rate to the wrapped embedder. Waiting honours
// ctx, so a caller's timeout also covers time spent queued.
type RateLimited struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
func NewRateLimited(next Embedder, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, wrap(err, "rate limit")
	}
	return r.next.Embed(ctx, text)
}

func (r *RateLimited) Dimensions() int { return r.next.Dimensions() }
