package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/credcache"
	"github.com/toolgate/toolgate/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	rows      map[string]domain.InstanceCredential
	updates   []domain.OAuthFieldsUpdate
	lastUsed  []time.Time
	updateErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]domain.InstanceCredential)}
}

func (r *fakeRepo) GetInstanceCredential(_ context.Context, instanceID string) (domain.InstanceCredential, error) {
	row, ok := r.rows[instanceID]
	if !ok {
		return domain.InstanceCredential{}, domain.ErrInstanceNotFound
	}
	return row, nil
}

func (r *fakeRepo) UpdateOAuthFields(_ context.Context, instanceID string, update domain.OAuthFieldsUpdate) error {
	if r.updateErr != nil {
		return r.updateErr
	}

	r.updates = append(r.updates, update)

	row := r.rows[instanceID]
	row.AccessToken = update.AccessToken
	row.RefreshToken = update.RefreshToken
	row.ExpiresAt = update.ExpiresAt
	row.Status = update.Status
	row.Version++
	r.rows[instanceID] = row

	return nil
}

func (r *fakeRepo) UpdateLastUsed(_ context.Context, instanceID string, usedAt time.Time) error {
	r.lastUsed = append(r.lastUsed, usedAt)

	row := r.rows[instanceID]
	row.LastUsedAt = usedAt
	r.rows[instanceID] = row

	return nil
}

func setup(t *testing.T) (*Reconciler, *credcache.Store, *fakeRepo, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cache := credcache.NewStore(clock)
	repo := newFakeRepo()

	return NewReconciler(cache, repo), cache, repo, clock
}

func durableRow(instanceID string, completedAt time.Time) domain.InstanceCredential {
	return domain.InstanceCredential{
		InstanceID:   instanceID,
		OwnerID:      "owner-1",
		Provider:     "figma",
		AccessToken:  "db-access",
		RefreshToken: "db-refresh",
		ExpiresAt:    completedAt.Add(time.Hour),
		Status:       domain.CredentialStatusCompleted,
		CompletedAt:  completedAt,
		Version:      3,
	}
}

func TestReconcile_OrphanCleanup(t *testing.T) {
	reconciler, cache, _, clock := setup(t)

	cache.Set(domain.CachedCredential{
		InstanceID:  "inst-1",
		AccessToken: "stale",
		ExpiresAt:   clock.Now().Add(time.Hour),
	})

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeOrphanRemoved, outcome)
	assert.False(t, outcome.Reconciled())

	_, ok := cache.Peek("inst-1")
	assert.False(t, ok)
}

func TestReconcile_DurableNewerOverwritesCache(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	cache.Set(domain.CachedCredential{
		InstanceID:  "inst-1",
		AccessToken: "cache-access",
		ExpiresAt:   clock.Now().Add(time.Hour),
	})

	// Durable write completed after the cache entry was created.
	clock.Advance(time.Minute)
	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheUpdated, outcome)

	got, ok := cache.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, "db-access", got.AccessToken)
	assert.Equal(t, "db-refresh", got.RefreshToken)
}

func TestReconcile_ColdCacheWarm(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	repo.rows["inst-1"] = durableRow("inst-1", clock.Now().Add(-time.Hour))

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheUpdated, outcome)

	got, ok := cache.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, "db-access", got.AccessToken)
	assert.Equal(t, "owner-1", got.OwnerID)
}

func TestReconcile_FreshlyRefreshedInstanceIsInSync(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	// Refresh write order: durable first, cache a moment later, with the same
	// tokens on both sides.
	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())
	clock.Advance(time.Second)
	cache.Set(domain.CachedCredential{
		InstanceID:   "inst-1",
		OwnerID:      "owner-1",
		Provider:     "figma",
		AccessToken:  "db-access",
		RefreshToken: "db-refresh",
		ExpiresAt:    clock.Now().Add(time.Hour),
		Status:       domain.CredentialStatusCompleted,
	})

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{UpdateDatabase: true})
	require.NoError(t, err)

	assert.Equal(t, OutcomeInSync, outcome)
	assert.Empty(t, repo.updates, "matching tokens must not churn the durable row")

	cached, ok := cache.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, "db-access", cached.AccessToken, "matching tokens must not rewrite the cache entry")
}

func TestReconcile_MatchingTokensPushLastUsedDown(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())
	cache.Set(domain.CachedCredential{
		InstanceID:   "inst-1",
		AccessToken:  "db-access",
		RefreshToken: "db-refresh",
		ExpiresAt:    clock.Now().Add(2 * time.Hour),
	})

	clock.Advance(10 * time.Minute)
	_, ok := cache.Get("inst-1")
	require.True(t, ok)

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{UpdateDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, outcome)

	require.Len(t, repo.lastUsed, 1)
	assert.Equal(t, clock.Now(), repo.lastUsed[0])
	assert.Empty(t, repo.updates)

	// The next cycle has nothing left to push.
	outcome, err = reconciler.Reconcile(t.Context(), "inst-1", Options{UpdateDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, outcome)
	assert.Len(t, repo.lastUsed, 1)
}

func TestReconcile_CacheNewerWritesBack(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())

	// Cache entry written after the durable completion timestamp.
	clock.Advance(time.Minute)
	cache.Set(domain.CachedCredential{
		InstanceID:   "inst-1",
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    clock.Now().Add(time.Hour),
		Status:       domain.CredentialStatusCompleted,
	})

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{UpdateDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDatabaseUpdated, outcome)

	require.Len(t, repo.updates, 1)
	assert.Equal(t, "fresh-access", repo.updates[0].AccessToken)
	assert.Equal(t, int64(3), repo.updates[0].ExpectedVersion)
}

func TestReconcile_CacheNewerWithoutUpdateDatabaseIsNoop(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())

	clock.Advance(time.Minute)
	cache.Set(domain.CachedCredential{
		InstanceID:  "inst-1",
		AccessToken: "fresh-access",
		ExpiresAt:   clock.Now().Add(time.Hour),
	})

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeInSync, outcome)
	assert.Empty(t, repo.updates)
}

func TestReconcile_ForceRefreshWinsOverNewerCache(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())

	clock.Advance(time.Minute)
	cache.Set(domain.CachedCredential{
		InstanceID:  "inst-1",
		AccessToken: "fresh-access",
		ExpiresAt:   clock.Now().Add(time.Hour),
	})

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheUpdated, outcome)

	got, _ := cache.Peek("inst-1")
	assert.Equal(t, "db-access", got.AccessToken)
}

func TestReconcile_VersionConflictIsNotAnError(t *testing.T) {
	reconciler, cache, repo, clock := setup(t)

	repo.rows["inst-1"] = durableRow("inst-1", clock.Now())
	repo.updateErr = domain.ErrVersionConflict

	clock.Advance(time.Minute)
	cache.Set(domain.CachedCredential{
		InstanceID:  "inst-1",
		AccessToken: "fresh-access",
		ExpiresAt:   clock.Now().Add(time.Hour),
	})

	outcome, err := reconciler.Reconcile(t.Context(), "inst-1", Options{UpdateDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInSync, outcome)
}
