package resilience

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/syriaqa/qapipeline/internal/fn"
)

// ErrRateLimited is returned by the non-blocking call paths when no token
// is currently available.
var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures the token bucket.
type LimiterOpts struct {
	// Rate is tokens added per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// Limiter is a token-bucket rate limiter backed by golang.org/x/time/rate,
// used by components that need a single global minimum inter-request delay;
// the LLM client uses it to back off ahead of provider quota exhaustion, and
// the fetcher uses it for the configured scrape pacing.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a Limiter starting with a full bucket.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)}
}

// Allow reports whether a token is available right now, consuming one if so.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}

// Wait blocks until a token is available or ctx is cancelled. If ctx's
// deadline would pass before a token arrives, Wait returns at once with an
// error wrapping context.DeadlineExceeded.
func (l *Limiter) Wait(ctx context.Context) error {
	err := l.rl.Wait(ctx)
	if err != nil && ctx.Err() == nil {
		if _, ok := ctx.Deadline(); ok {
			return errors.Join(context.DeadlineExceeded, err)
		}
	}
	return err
}

// Call runs f if a token is available now, else returns ErrRateLimited.
func (l *Limiter) Call(ctx context.Context, f func(context.Context) error) error {
	if !l.Allow() {
		return ErrRateLimited
	}
	return f(ctx)
}

// CallWait blocks for a token, then runs f.
func (l *Limiter) CallWait(ctx context.Context, f func(context.Context) error) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}
	return f(ctx)
}

// LimiterStage wraps a Stage with non-blocking rate limiting.
func LimiterStage[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if !l.Allow() {
			return fn.Err[Out](ErrRateLimited)
		}
		return stage(ctx, in)
	}
}

// LimiterStageWait wraps a Stage with blocking rate limiting.
func LimiterStageWait[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
