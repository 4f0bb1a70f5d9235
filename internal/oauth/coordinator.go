package oauth

import (
	"context"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	refreshLockTTL       = 30 * time.Second
	refreshLockWait      = 2 * time.Second
	refreshLockPollEvery = 100 * time.Millisecond
)

// RefreshCoordinator gives refreshes at-most-once semantics per instance.
// Concurrent in-process callers share one in-flight refresh via singleflight;
// an optional Redis lock extends the guarantee across replicas.
//
// The lock is best effort: if it cannot be acquired in time the refresh
// proceeds anyway, since refresh tokens are not single-use for the providers
// in scope and a duplicate refresh is wasteful but harmless.
type RefreshCoordinator struct {
	group singleflight.Group
	redis *redis.Client
}

// NewRefreshCoordinator creates a coordinator. redisClient may be nil for
// single-replica deployments.
func NewRefreshCoordinator(redisClient *redis.Client) *RefreshCoordinator {
	return &RefreshCoordinator{redis: redisClient}
}

// Do runs fn for the given instance, collapsing concurrent callers onto the
// same in-flight call. Every caller receives the same result.
func (c *RefreshCoordinator) Do(ctx context.Context, instanceID string, fn func() (domain.RefreshResult, error)) (domain.RefreshResult, error) {
	value, err, shared := c.group.Do(instanceID, func() (interface{}, error) {
		release := c.acquireDistributedLock(ctx, instanceID)
		defer release()

		return fn()
	})
	if err != nil {
		return domain.RefreshResult{}, err
	}

	if shared {
		log.Debug().Str("instance_id", instanceID).Msg("Joined in-flight token refresh")
	}

	return value.(domain.RefreshResult), nil
}

// acquireDistributedLock takes the per-instance Redis lock, waiting briefly
// for a holder in another replica. Returns a release func; on timeout the
// caller proceeds without the lock.
func (c *RefreshCoordinator) acquireDistributedLock(ctx context.Context, instanceID string) func() {
	if c.redis == nil {
		return func() {}
	}

	key := "toolgate:refresh-lock:" + instanceID
	deadline := time.Now().Add(refreshLockWait)

	for {
		acquired, err := c.redis.SetNX(ctx, key, "1", refreshLockTTL).Result()
		if err != nil {
			log.Warn().Err(err).Str("instance_id", instanceID).Msg("Refresh lock unavailable, proceeding without it")
			return func() {}
		}

		if acquired {
			return func() {
				if err := c.redis.Del(context.WithoutCancel(ctx), key).Err(); err != nil {
					log.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to release refresh lock")
				}
			}
		}

		if time.Now().After(deadline) {
			log.Warn().Str("instance_id", instanceID).Msg("Refresh lock held elsewhere, proceeding anyway")
			return func() {}
		}

		select {
		case <-ctx.Done():
			return func() {}
		case <-time.After(refreshLockPollEvery):
		}
	}
}
