package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// WithRateLimit caps how many generations may start per minute. A request
// that cannot get a slot before ctx ends fails as rate_limited.
func WithRateLimit(next Generator, perMinute int) Generator {
	if perMinute <= 0 {
		return next
	}
	return &rateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (r *rateLimited) Generate(ctx context.Context, req Request) (*Stream, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, newError(KindRateLimited, err)
	}
	return r.next.Generate(ctx, req)
}
