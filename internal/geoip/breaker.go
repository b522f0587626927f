package geoip

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/parentshield/parentshield/internal/observability"
)

// BreakerResolver wraps a Resolver in a circuit breaker. When the breaker
// is open, lookups fail open with an empty country so a degraded geo
// dependency never blocks traffic.
type BreakerResolver struct {
	inner   Resolver
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

var _ Resolver = (*BreakerResolver)(nil)

// BreakerOption is a functional option for the BreakerResolver.
type BreakerOption func(*BreakerResolver)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) BreakerOption {
	return func(r *BreakerResolver) {
		r.logger = logger
	}
}

// NewBreakerResolver wraps inner with a circuit breaker that trips after
// five consecutive failures and probes again after thirty seconds.
func NewBreakerResolver(inner Resolver, opts ...BreakerOption) *BreakerResolver {
	r := &BreakerResolver{
		inner:  inner,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "geoip",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("geoip breaker state changed",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	return r
}

// Country implements Resolver. Unknown addresses resolve to an empty
// country without counting against the breaker; an open breaker likewise
// yields an empty country and no error.
func (r *BreakerResolver) Country(ctx context.Context, addr string) (string, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		country, err := r.inner.Country(ctx, addr)
		if err != nil && err != ErrUnknownAddress {
			return "", err
		}
		return country, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return "", nil
	}
	if err != nil {
		return "", nil
	}
	return result.(string), nil
}
