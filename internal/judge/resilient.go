package judge

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/deep-research/internal/resilience"
)

// ResilientConfig controls the guard rails around judge calls.
type ResilientConfig struct {
	// Timeout bounds each attempt.
	Timeout        time.Duration
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
	RequestsPerSec float64
	Burst          int
}

// Resilient wraps a Judge with a per-attempt timeout, retries on transient
// failures, a circuit breaker and a request rate limiter.
type Resilient struct {
	next    Judge
	timeout time.Duration
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
}

// NewResilient wraps next.
func NewResilient(next Judge, cfg ResilientConfig) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Breaker.ShouldTrip == nil {
		cfg.Breaker.ShouldTrip = resilience.IsTransient
	}
	return &Resilient{
		next:    next,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		limiter: resilience.NewLimiter(cfg.RequestsPerSec, cfg.Burst),
	}
}

// Call implements Judge.
func (r *Resilient) Call(ctx context.Context, req Request) (Result, error) {
	retry := r.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("judge", req.Phase)
	}

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (Result, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return Result{}, eris.Wrap(err, "judge: rate limit wait")
		}
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (Result, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return r.next.Call(attemptCtx, req)
		})
	})
}

// BreakerState exposes the circuit state for health reporting.
func (r *Resilient) BreakerState() resilience.CircuitState {
	return r.breaker.State()
}
