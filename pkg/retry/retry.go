package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry behaviour for downstream provider calls.
type Policy struct {
	MaxRetries        int           `yaml:"maxRetries"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	UseJitter         bool          `yaml:"useJitter"`
	RetryableStatus   []int         `yaml:"retryableStatusCodes"`
}

// DefaultPolicy mirrors the gateway defaults: 3 retries, 500ms initial delay,
// 30s cap, doubling, jittered.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
		RetryableStatus:   []int{408, 429, 500, 502, 503, 504},
	}
}

// Retryable reports whether the given HTTP status is in the retryable set.
func (p Policy) Retryable(status int) bool {
	for _, s := range p.RetryableStatus {
		if s == status {
			return true
		}
	}
	return false
}

// Delay computes the backoff delay for the given zero-based attempt.
// Jitter, when enabled, spreads the delay by +/-25%.
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.UseJitter && d > 0 {
		spread := float64(d) * 0.25
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Transient marks an error as retryable. RetryAfter, when non-zero, overrides
// the computed backoff (typically taken from a 429 Retry-After header).
type Transient struct {
	Err        error
	RetryAfter time.Duration
}

func (t *Transient) Error() string { return t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// Mark wraps err as transient.
func Mark(err error) error {
	return &Transient{Err: err}
}

// MarkAfter wraps err as transient with an explicit server-supplied delay.
func MarkAfter(err error, after time.Duration) error {
	return &Transient{Err: err, RetryAfter: after}
}

// Do runs fn until it succeeds, returns a non-transient error, or the retry
// budget is exhausted. The context bounds the total attempt, including the
// sleeps between attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var transient *Transient
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
		if attempt >= p.MaxRetries {
			return lastErr
		}

		delay := p.Delay(attempt)
		if transient.RetryAfter > 0 {
			delay = transient.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
