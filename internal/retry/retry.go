// Package retry runs remote calls with exponential backoff. Only errors
// classified as transient are retried.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/go-logr/logr"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
)

// Policy bounds a retry loop. Total sleep never exceeds MaxRetries*Cap.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// Jitter is the fraction of each delay that is randomised, in [0,1].
	Jitter float64
}

// DefaultPolicy mirrors the remote services' defaults: 3 retries, 200ms
// doubling up to 5s, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Base: 200 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2}
}

// OnRetry is called before each backoff sleep.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do calls fn until it succeeds, returns a non-transient error, the retry
// budget is spent, or ctx is done. The last error is returned, joined with
// ctx.Err() when ctx ended during a backoff.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, hooks ...OnRetry) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if err == nil || !domain.IsTransient(err) || attempt >= p.MaxRetries {
			return err
		}
		d := p.Delay(attempt, retryAfter(err))
		for _, h := range hooks {
			h(attempt+1, d, err)
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ctx.Err(), err)
		case <-t.C:
		}
	}
}

// Logging returns a hook that logs each retry at V(1).
func Logging(log logr.Logger, service string) OnRetry {
	return func(attempt int, delay time.Duration, err error) {
		log.V(1).Info("retrying remote call", "service", service, "attempt", attempt, "delay", delay, "error", err.Error())
	}
}

// Count returns a hook that increments the retry counter for service.
func Count(service string) OnRetry {
	c := metrics.Retries.WithLabelValues(service)
	return func(int, time.Duration, error) { c.Inc() }
}

// Delay returns the sleep before retry number attempt+1. A server supplied
// Retry-After wins over the computed delay but is still capped.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if hint > 0 {
		return p.capped(hint)
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	d = p.capped(d)
	if p.Jitter > 0 {
		j := time.Duration(float64(d) * p.Jitter * rand.Float64())
		d = d - time.Duration(float64(d)*p.Jitter/2) + j
	}
	return p.capped(d)
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

func retryAfter(err error) time.Duration {
	var t *domain.TransientServiceError
	if errors.As(err, &t) {
		return t.RetryAfter
	}
	return 0
}
