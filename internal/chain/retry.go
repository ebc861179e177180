package chain

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy is the explicit backoff policy applied at the adapter
// boundary. Core components never retry; transient RPC failures are absorbed
// here or surfaced to the caller's schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay randomized, 0..1
}

// DefaultRetryPolicy suits indexer/RPC providers with per-second rate limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// delay returns the backoff before attempt n (0-based), doubling from
// BaseDelay and capped at MaxDelay, with +/- Jitter applied.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// Do runs fn with the policy, sleeping between attempts. The context aborts
// both the call and the sleep.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// retryingAdapter wraps an Adapter with a RetryPolicy.
type retryingAdapter struct {
	inner  Adapter
	policy RetryPolicy
}

// WithRetry returns an Adapter that retries transient failures per the
// policy. Injected at construction so core components stay retry-free.
func WithRetry(inner Adapter, policy RetryPolicy) Adapter {
	return &retryingAdapter{inner: inner, policy: policy}
}

func (r *retryingAdapter) LatestBlock(ctx context.Context) (int64, error) {
	var number int64
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		number, err = r.inner.LatestBlock(ctx)
		return err
	})
	return number, err
}

func (r *retryingAdapter) Block(ctx context.Context, number int64) (*Block, error) {
	var block *Block
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		block, err = r.inner.Block(ctx, number)
		return err
	})
	return block, err
}

func (r *retryingAdapter) CurrentBalance(ctx context.Context, address string) ([]AssetBalance, error) {
	var balances []AssetBalance
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		balances, err = r.inner.CurrentBalance(ctx, address)
		return err
	})
	return balances, err
}
