package oauth

import (
	"context"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the caller-side retries around Refresher.Refresh.
// Terminal error types (invalid_grant, invalid_client) are never retried.
type RetryPolicy struct {
	InitialInterval     time.Duration
	RateLimitedInterval time.Duration
	MaxInterval         time.Duration
	MaxAttempts         int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Second,
		RateLimitedInterval: 5 * time.Second,
		MaxInterval:         30 * time.Second,
		MaxAttempts:         3,
	}
}

// refreshBackOff doubles the wait between attempts, capped at MaxInterval.
// Once a rate-limited failure is observed the base interval becomes
// RateLimitedInterval for the rest of the sequence.
type refreshBackOff struct {
	policy      RetryPolicy
	current     time.Duration
	rateLimited bool
}

func (b *refreshBackOff) Reset() {
	b.current = 0
}

func (b *refreshBackOff) NextBackOff() time.Duration {
	base := b.policy.InitialInterval
	if b.rateLimited {
		base = b.policy.RateLimitedInterval
	}

	if b.current == 0 {
		b.current = base
	} else {
		b.current *= 2
	}
	if b.current < base {
		b.current = base
	}
	if b.policy.MaxInterval > 0 && b.current > b.policy.MaxInterval {
		b.current = b.policy.MaxInterval
	}

	return b.current
}

// RefreshWithRetry runs the refresh under the retry policy: exponential
// backoff, doubling, capped at MaxInterval, at most MaxAttempts attempts for
// retryable failures and exactly one attempt for terminal ones. Rate-limited
// responses back off on the longer RateLimitedInterval schedule.
func RefreshWithRetry(ctx context.Context, refresher domain.TokenRefresher, instanceID string, provider domain.ProviderConfig, refreshToken string, policy RetryPolicy) (domain.RefreshResult, error) {
	bo := &refreshBackOff{policy: policy}

	operation := func() (domain.RefreshResult, error) {
		result, err := refresher.Refresh(ctx, instanceID, provider, refreshToken)
		if err == nil {
			return result, nil
		}

		errType := domain.ClassifyRefreshError(err)
		if !errType.Retryable() {
			return domain.RefreshResult{}, backoff.Permanent(err)
		}

		if errType == domain.RefreshErrorRateLimited {
			bo.rateLimited = true
		}

		return domain.RefreshResult{}, err
	}

	maxRetries := uint64(0)
	if policy.MaxAttempts > 1 {
		maxRetries = uint64(policy.MaxAttempts - 1)
	}

	return backoff.RetryWithData(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}
