package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// Result is the outcome of a fetch that did not fail hard.
// When Throttled is set, Value is the zero value.
type Result[T any] struct {
	Value     T
	Throttled bool
}

// Classifier marks errors the caller wants treated as retryable
type Classifier func(error) bool

// Fetcher wraps outbound requests to one provider. It has no backoff:
// cooldowns and retry decisions belong to the caller.
type Fetcher struct {
	provider  string
	limiter   *rate.Limiter
	retryable Classifier
	metrics   *metrics.PrometheusMetrics
	logger    *logrus.Entry
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithRateLimit spaces calls to at most rps per second. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryable installs the caller's retryable classifier
func WithRetryable(c Classifier) Option {
	return func(f *Fetcher) {
		f.retryable = c
	}
}

// WithMetrics records request outcomes
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// New creates a fetcher for the named provider
func New(provider string, opts ...Option) *Fetcher {
	f := &Fetcher{
		provider: provider,
		logger:   utils.ComponentLogger("fetcher").WithField("provider", provider),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provider returns the provider name
func (f *Fetcher) Provider() string {
	return f.provider
}

// Call performs one request through the fetcher. A rate-limit response is
// returned as a Throttled result with a nil error; errors accepted by the
// retryable classifier carry utils.KindRetryable; anything else is returned
// wrapped with the operation name.
func Call[T any](ctx context.Context, f *Fetcher, op string, fn func(context.Context) (T, error)) (Result[T], error) {
	var zero Result[T]

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	start := time.Now()
	value, err := fn(ctx)
	elapsed := time.Since(start)

	if err == nil {
		f.metrics.RecordProviderRequest(f.provider, op, "ok", elapsed)
		return Result[T]{Value: value}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		f.metrics.RecordProviderRequest(f.provider, op, "canceled", elapsed)
		return zero, ctxErr
	}

	if IsThrottle(err) {
		f.metrics.RecordProviderRequest(f.provider, op, "throttled", elapsed)
		f.metrics.RecordThrottle(f.provider, op)
		f.logger.WithField("operation", op).WithError(err).Debug("Provider signalled rate limit")
		return Result[T]{Throttled: true}, nil
	}

	f.metrics.RecordProviderRequest(f.provider, op, "error", elapsed)
	if f.retryable != nil && f.retryable(err) {
		return zero, utils.WrapError(utils.KindRetryable, utils.ErrCodeProvider,
			fmt.Sprintf("%s %s failed", f.provider, op), err)
	}
	return zero, fmt.Errorf("%s %s: %w", f.provider, op, err)
}
