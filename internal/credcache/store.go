package credcache

import (
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/jonboulle/clockwork"
)

// Store is the process-wide in-memory credential cache, one entry per
// integration instance. It does no I/O; the durable store stays authoritative.
type Store struct {
	mu      sync.Mutex
	entries map[string]*domain.CachedCredential
	clock   clockwork.Clock
}

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{
		entries: make(map[string]*domain.CachedCredential),
		clock:   clock,
	}
}

// Get returns the cached credential for an instance and touches LastUsedAt.
// An entry whose ExpiresAt has passed is deleted on the spot and reported as
// absent, independent of the background watcher.
func (s *Store) Get(instanceID string) (domain.CachedCredential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[instanceID]
	if !ok {
		return domain.CachedCredential{}, false
	}

	now := s.clock.Now()
	if !entry.ExpiresAt.After(now) {
		delete(s.entries, instanceID)
		return domain.CachedCredential{}, false
	}

	entry.LastUsedAt = now

	return *entry, true
}

// Peek returns the entry without touching usage timestamps or evicting expired
// entries. Watcher and monitoring code uses it so observation does not perturb
// LRU ordering.
func (s *Store) Peek(instanceID string) (domain.CachedCredential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[instanceID]
	if !ok {
		return domain.CachedCredential{}, false
	}

	return *entry, true
}

// Set inserts or overwrites the entry for an instance. CachedAt is always
// reset to now; RefreshAttempts resets to zero unless the caller provided a
// non-zero value.
func (s *Store) Set(credential domain.CachedCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	credential.CachedAt = now
	credential.LastModifiedAt = now
	if credential.LastUsedAt.IsZero() {
		credential.LastUsedAt = now
	}

	s.entries[credential.InstanceID] = &credential
}

// Remove deletes the entry if present. Idempotent; reports whether an entry
// existed.
func (s *Store) Remove(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[instanceID]
	delete(s.entries, instanceID)

	return ok
}

// UpdateMetadata merges a partial patch into an existing entry, leaving
// unrelated fields untouched. Returns false if the instance is not cached.
func (s *Store) UpdateMetadata(instanceID string, patch domain.CredentialPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[instanceID]
	if !ok {
		return false
	}

	if patch.AccessToken != nil {
		entry.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		entry.RefreshToken = *patch.RefreshToken
	}
	if patch.ExpiresAt != nil {
		entry.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Status != nil {
		entry.Status = *patch.Status
	}
	if patch.RefreshAttempts != nil {
		entry.RefreshAttempts = *patch.RefreshAttempts
	}

	entry.LastModifiedAt = s.clock.Now()

	return true
}

// IncrementRefreshAttempts bumps the attempt counter for an instance and
// returns the new value, or 0 if the instance is not cached.
func (s *Store) IncrementRefreshAttempts(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[instanceID]
	if !ok {
		return 0
	}

	entry.RefreshAttempts++
	entry.LastModifiedAt = s.clock.Now()

	return entry.RefreshAttempts
}

// Snapshot returns a copy of every entry, for sweep passes over the cache.
func (s *Store) Snapshot() []domain.CachedCredential {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]domain.CachedCredential, 0, len(s.entries))
	for _, entry := range s.entries {
		snapshot = append(snapshot, *entry)
	}

	return snapshot
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Clear empties the cache. Used on graceful shutdown and in tests.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*domain.CachedCredential)
}

// Statistics returns advisory counters for monitoring endpoints. The memory
// estimate is a coarse per-entry cost, not a measurement.
func (s *Store) Statistics() domain.CacheStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	stats := domain.CacheStatistics{TotalEntries: len(s.entries)}

	for _, entry := range s.entries {
		if !entry.ExpiresAt.After(now) {
			stats.ExpiredEntries++
		}
		if now.Sub(entry.LastUsedAt) <= time.Hour {
			stats.RecentlyUsed++
		}

		stats.EstimatedMemoryB += int64(len(entry.InstanceID) + len(entry.OwnerID) +
			len(entry.AccessToken) + len(entry.RefreshToken) + entryOverheadBytes)
	}

	return stats
}

// entryOverheadBytes approximates the fixed cost of one cache entry (struct,
// timestamps, map bucket share).
const entryOverheadBytes = 160
