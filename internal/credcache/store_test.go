package credcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	return NewStore(clock), clock
}

func testCredential(clock clockwork.Clock, instanceID string, ttl time.Duration) domain.CachedCredential {
	return domain.CachedCredential{
		InstanceID:   instanceID,
		OwnerID:      "owner-1",
		AccessToken:  "access-" + instanceID,
		RefreshToken: "refresh-" + instanceID,
		ExpiresAt:    clock.Now().Add(ttl),
		Status:       domain.CredentialStatusCompleted,
	}
}

func TestStore_GetLazyExpiry(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "inst-1", time.Hour))

	got, ok := store.Get("inst-1")
	require.True(t, ok)
	assert.Equal(t, "access-inst-1", got.AccessToken)

	// Past expiry: Get evicts even though the watcher never ran.
	clock.Advance(2 * time.Hour)

	_, ok = store.Get("inst-1")
	assert.False(t, ok)

	// The lazy delete is real, not just a filtered read.
	_, ok = store.Peek("inst-1")
	assert.False(t, ok)
}

func TestStore_PeekDoesNotPerturb(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "inst-1", time.Hour))
	setTime := clock.Now()

	clock.Advance(2 * time.Hour)

	// Peek still returns the stale entry and must not touch LastUsedAt.
	got, ok := store.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, setTime, got.LastUsedAt)

	got, ok = store.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, setTime, got.LastUsedAt)
}

func TestStore_GetTouchesLastUsed(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "inst-1", time.Hour))

	clock.Advance(10 * time.Minute)

	_, ok := store.Get("inst-1")
	require.True(t, ok)

	got, ok := store.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.LastUsedAt)
}

func TestStore_SetResetsBookkeeping(t *testing.T) {
	store, clock := newTestStore(t)

	cred := testCredential(clock, "inst-1", time.Hour)
	cred.RefreshAttempts = 4
	store.Set(cred)

	clock.Advance(time.Minute)

	// Overwrite without an explicit attempt count resets it.
	store.Set(testCredential(clock, "inst-1", time.Hour))

	got, ok := store.Peek("inst-1")
	require.True(t, ok)
	assert.Equal(t, 0, got.RefreshAttempts)
	assert.Equal(t, clock.Now(), got.CachedAt)
}

func TestStore_RemoveIdempotent(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "inst-1", time.Hour))

	assert.True(t, store.Remove("inst-1"))
	assert.False(t, store.Remove("inst-1"))
}

func TestStore_UpdateMetadataMergesOnlyGivenFields(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "inst-1", time.Hour))
	before, _ := store.Peek("inst-1")

	clock.Advance(time.Minute)

	failed := domain.CredentialStatusFailed
	ok := store.UpdateMetadata("inst-1", domain.CredentialPatch{Status: &failed})
	require.True(t, ok)

	after, _ := store.Peek("inst-1")
	assert.Equal(t, domain.CredentialStatusFailed, after.Status)
	assert.Equal(t, clock.Now(), after.LastModifiedAt)

	// Tokens and expiry are untouched.
	assert.Equal(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, before.RefreshToken, after.RefreshToken)
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt)

	assert.False(t, store.UpdateMetadata("missing", domain.CredentialPatch{Status: &failed}))
}

func TestStore_IncrementRefreshAttempts(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "inst-1", time.Hour))

	assert.Equal(t, 1, store.IncrementRefreshAttempts("inst-1"))
	assert.Equal(t, 2, store.IncrementRefreshAttempts("inst-1"))
	assert.Equal(t, 0, store.IncrementRefreshAttempts("missing"))
}

func TestStore_Statistics(t *testing.T) {
	store, clock := newTestStore(t)

	store.Set(testCredential(clock, "fresh", time.Hour))
	store.Set(testCredential(clock, "short", 10*time.Minute))

	clock.Advance(30 * time.Minute)

	// "fresh" still valid, "short" expired but not yet evicted.
	stats := store.Statistics()
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.ExpiredEntries)
	assert.Equal(t, 2, stats.RecentlyUsed)
	assert.Greater(t, stats.EstimatedMemoryB, int64(0))
}

func TestStore_Clear(t *testing.T) {
	store, clock := newTestStore(t)

	for i := 0; i < 5; i++ {
		store.Set(testCredential(clock, fmt.Sprintf("inst-%d", i), time.Hour))
	}
	require.Equal(t, 5, store.Len())

	store.Clear()
	assert.Equal(t, 0, store.Len())
}
