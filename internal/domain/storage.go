package domain

import (
	"context"
	"errors"
	"time"
)

// ErrInstanceNotFound is returned when no durable row exists for an instance,
// typically because the integration instance was deleted.
var ErrInstanceNotFound = errors.New("integration instance not found")

// ErrVersionConflict is returned by optimistic-locking updates when the row
// changed underneath the writer.
var ErrVersionConflict = errors.New("credential row version conflict")

// InstanceCredential is the durable-store row for one integration instance.
// Column naming is normalized to this struct at the repository boundary.
type InstanceCredential struct {
	InstanceID   string
	OwnerID      string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Status       CredentialStatus

	// CompletedAt is when the OAuth flow (or the last persisted refresh)
	// finished. The reconciler compares it against the cache's CachedAt.
	CompletedAt time.Time

	// LastUsedAt is the durable usage timestamp, pushed down from the cache
	// during reconciliation.
	LastUsedAt time.Time
	Version    int64
}

// OAuthFieldsUpdate is the subset of columns a token refresh rewrites.
type OAuthFieldsUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Status       CredentialStatus

	// ExpectedVersion, when non-zero, makes the update conditional on the
	// row's current version (optimistic locking).
	ExpectedVersion int64
}

// CredentialRepository is the durable store. Authoritative across restarts.
type CredentialRepository interface {
	GetInstanceCredential(ctx context.Context, instanceID string) (InstanceCredential, error)
	UpdateOAuthFields(ctx context.Context, instanceID string, update OAuthFieldsUpdate) error
	UpdateLastUsed(ctx context.Context, instanceID string, usedAt time.Time) error
}

// AuditEntry records one credential operation for later diagnosis.
type AuditEntry struct {
	ID         string
	InstanceID string
	Operation  string
	Status     string
	ErrorType  string
	Method     string
	OccurredAt time.Time
}

// AuditRecorder persists audit entries. Implementations must not fail the
// calling operation; audit write errors are logged and swallowed.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}
