package embedder

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// Resilient wraps an Embedder with a circuit breaker and a rate limiter so
// that an outage degrades the query and write paths gracefully instead of
// cascading: the fusion layer omits the vector channel and down-weights
// accordingly, and the write path's enqueue still succeeds (spec.md §4.4).
type Resilient struct {
	inner    Embedder
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
}

// NewResilient wraps inner with a circuit breaker (tripped after 3
// consecutive failures, 30s open state) and a token-bucket rate limiter
// at ratePerSecond calls/sec, burst 1.
func NewResilient(inner Embedder, ratePerSecond float64) *Resilient {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	return &Resilient{
		inner:   inner,
		breaker: NewCircuitBreaker(),
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

// Dimensions delegates to the wrapped embedder.
func (r *Resilient) Dimensions() int { return r.inner.Dimensions() }

// Embed waits for the rate limiter then calls through the circuit breaker.
// Returns ErrUnavailable when the breaker is open or the limiter's wait is
// cancelled, and ErrShapeMismatch when the returned vector's length doesn't
// match Dimensions().
func (r *Resilient) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, ErrUnavailable
		}
		return nil, err
	}

	vec := result.([]float64)
	if len(vec) != r.inner.Dimensions() {
		return nil, ErrShapeMismatch
	}
	return vec, nil
}

// EmbedBatch embeds each text individually through Embed, honoring the same
// rate limit and breaker state. Stops and returns the first error encountered.
func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		vec, err := r.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// State returns the underlying circuit breaker's state ("closed", "open",
// "half-open"), useful for health reporting.
func (r *Resilient) State() string { return r.breaker.State() }
