package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolgate/toolgate/internal/credcache"
	"github.com/toolgate/toolgate/internal/domain"

	"github.com/rs/zerolog/log"
)

// Outcome says which side of the cache/durable-store pair was written.
type Outcome string

const (
	// OutcomeOrphanRemoved means the durable row is gone and the cache entry
	// was deleted. Not reconciled.
	OutcomeOrphanRemoved Outcome = "orphan_removed"
	// OutcomeCacheUpdated means the durable store was newer (or the cache
	// was cold) and the cache was overwritten from it.
	OutcomeCacheUpdated Outcome = "cache_updated"
	// OutcomeDatabaseUpdated means the cache was newer and its token fields
	// were written back to the durable store.
	OutcomeDatabaseUpdated Outcome = "database_updated"
	// OutcomeInSync means neither side was written.
	OutcomeInSync Outcome = "in_sync"
)

// Reconciled reports whether the instance ended up consistent on both sides.
func (o Outcome) Reconciled() bool {
	return o != OutcomeOrphanRemoved
}

type Options struct {
	// ForceRefresh overwrites the cache from the durable store regardless of
	// timestamps.
	ForceRefresh bool
	// UpdateDatabase allows writing cache token fields back to the durable
	// store when the cache is strictly newer.
	UpdateDatabase bool
}

// Reconciler resolves divergence between the in-memory cache and the durable
// store for one instance at a time. The cache is ephemeral, the durable store
// authoritative, yet a refresh can land in the cache before its durable write
// commits, so staleness is resolved in both directions.
type Reconciler struct {
	cache *credcache.Store
	repo  domain.CredentialRepository
}

func NewReconciler(cache *credcache.Store, repo domain.CredentialRepository) *Reconciler {
	return &Reconciler{cache: cache, repo: repo}
}

// Reconcile synchronizes one instance. Expected divergence is resolved and
// reported through the Outcome; only I/O problems surface as errors.
func (r *Reconciler) Reconcile(ctx context.Context, instanceID string, opts Options) (Outcome, error) {
	cached, hasCached := r.cache.Peek(instanceID)

	row, err := r.repo.GetInstanceCredential(ctx, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			if r.cache.Remove(instanceID) {
				log.Info().Str("instance_id", instanceID).Msg("Removed orphaned cache entry for deleted instance")
			}
			return OutcomeOrphanRemoved, nil
		}
		return "", fmt.Errorf("failed to load durable credential: %w", err)
	}

	// Cold cache or explicit force: the durable store wins.
	if !hasCached || opts.ForceRefresh {
		r.warmFromRow(row)
		return OutcomeCacheUpdated, nil
	}

	// Same token material on both sides: the pair is consistent no matter
	// which write landed last. Timestamps are not compared, since a refresh
	// persists durably first and caches a moment later, leaving CachedAt
	// slightly ahead of CompletedAt on every fresh token. Only the usage
	// timestamp may still need to flow down.
	if cached.AccessToken == row.AccessToken && cached.RefreshToken == row.RefreshToken {
		if opts.UpdateDatabase && cached.LastUsedAt.After(row.LastUsedAt) {
			if err := r.repo.UpdateLastUsed(ctx, instanceID, cached.LastUsedAt); err != nil {
				return "", fmt.Errorf("failed to push last-used timestamp to durable store: %w", err)
			}
		}
		return OutcomeInSync, nil
	}

	// Durable row strictly newer than what we cached: overwrite the cache.
	if row.CompletedAt.After(cached.CachedAt) {
		r.warmFromRow(row)
		return OutcomeCacheUpdated, nil
	}

	// Cache raced ahead of the durable write: push the newer tokens down so
	// a restart cannot silently drop a live token.
	if opts.UpdateDatabase && cached.CachedAt.After(row.CompletedAt) {
		update := domain.OAuthFieldsUpdate{
			AccessToken:     cached.AccessToken,
			RefreshToken:    cached.RefreshToken,
			ExpiresAt:       cached.ExpiresAt,
			Status:          cached.Status,
			ExpectedVersion: row.Version,
		}

		if err := r.repo.UpdateOAuthFields(ctx, instanceID, update); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Someone else persisted in between; their write is newer.
				log.Debug().Str("instance_id", instanceID).Msg("Durable row changed during reconciliation, skipping write-back")
				return OutcomeInSync, nil
			}
			return "", fmt.Errorf("failed to write cache tokens to durable store: %w", err)
		}

		log.Debug().Str("instance_id", instanceID).Msg("Durable store updated from cache")

		return OutcomeDatabaseUpdated, nil
	}

	return OutcomeInSync, nil
}

func (r *Reconciler) warmFromRow(row domain.InstanceCredential) {
	r.cache.Set(domain.CachedCredential{
		InstanceID:   row.InstanceID,
		OwnerID:      row.OwnerID,
		Provider:     row.Provider,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
		Status:       row.Status,
	})

	log.Debug().Str("instance_id", row.InstanceID).Msg("Cache overwritten from durable store")
}
