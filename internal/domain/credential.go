package domain

import "time"

type CredentialStatus string

const (
	CredentialStatusPending   CredentialStatus = "pending"
	CredentialStatusCompleted CredentialStatus = "completed"
	CredentialStatusFailed    CredentialStatus = "failed"
	CredentialStatusExpired   CredentialStatus = "expired"
	CredentialStatusInactive  CredentialStatus = "inactive"
)

// CachedCredential is the in-memory view of one integration instance's OAuth
// credential. The durable store is authoritative; this copy is lost on restart.
type CachedCredential struct {
	InstanceID   string
	OwnerID      string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	CachedAt       time.Time
	LastUsedAt     time.Time
	LastModifiedAt time.Time

	RefreshAttempts int
	Status          CredentialStatus
}

// Expired reports whether the access token is unusable, with a tolerance so a
// token that would expire mid-request is treated as already expired.
func (c CachedCredential) Expired(tolerance time.Duration) bool {
	return time.Until(c.ExpiresAt) <= tolerance
}

// CredentialPatch is a partial update applied to a cached credential. Nil
// fields are left untouched.
type CredentialPatch struct {
	AccessToken     *string
	RefreshToken    *string
	ExpiresAt       *time.Time
	Status          *CredentialStatus
	RefreshAttempts *int
}

// CacheStatistics is advisory observability data, no correctness depends on it.
type CacheStatistics struct {
	TotalEntries     int   `json:"total_entries"`
	ExpiredEntries   int   `json:"expired_entries"`
	RecentlyUsed     int   `json:"recently_used"`
	EstimatedMemoryB int64 `json:"estimated_memory_bytes"`
}
