package middlewares

import (
	"context"
	"errors"
	"time"

	"github.com/toolgate/toolgate/internal/credcache"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/oauth"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// AuthFailure is the structured outcome of a failed credential resolution.
// ClearAuth tells the caller to discard any locally stored auth state.
type AuthFailure struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	ClearAuth  bool   `json:"-"`
}

const (
	failureCodeNotFound        = "not_found"
	failureCodeReauthRequired  = "reauthorization_required"
	failureCodeForbidden       = "forbidden"
	failureCodeTemporarilyDown = "temporarily_unavailable"
	failureCodeInternal        = "internal"
)

type CredentialResolverDeps struct {
	Cache       *credcache.Store
	Repository  domain.CredentialRepository
	Refresher   domain.TokenRefresher
	Coordinator *oauth.RefreshCoordinator
	Providers   map[string]domain.ProviderConfig
	RetryPolicy oauth.RetryPolicy

	// ExpiryTolerance treats tokens expiring within this window as already
	// expired, so a token cannot die mid-request.
	ExpiryTolerance time.Duration
}

// CredentialResolver resolves a usable bearer token for an instance:
// cache first, durable store second, refresh last. A successful refresh
// lands in both the durable store and the cache before the request proceeds.
type CredentialResolver struct {
	deps CredentialResolverDeps
}

func NewCredentialResolver(deps CredentialResolverDeps) *CredentialResolver {
	if deps.ExpiryTolerance == 0 {
		deps.ExpiryTolerance = 30 * time.Second
	}
	if deps.RetryPolicy.MaxAttempts == 0 {
		deps.RetryPolicy = oauth.DefaultRetryPolicy()
	}

	return &CredentialResolver{deps: deps}
}

// Resolve runs the auth state machine for one request.
func (r *CredentialResolver) Resolve(ctx context.Context, instanceID, ownerID string) (domain.CachedCredential, *AuthFailure) {
	// Fast path: cache hit with a token that outlives the request.
	if cached, ok := r.deps.Cache.Get(instanceID); ok && !cached.Expired(r.deps.ExpiryTolerance) {
		if failure := r.checkOwner(cached.OwnerID, ownerID, instanceID); failure != nil {
			return domain.CachedCredential{}, failure
		}
		return cached, nil
	}

	row, err := r.deps.Repository.GetInstanceCredential(ctx, instanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			r.deps.Cache.Remove(instanceID)
			return domain.CachedCredential{}, &AuthFailure{
				StatusCode: fiber.StatusUnauthorized,
				Code:       failureCodeNotFound,
				Message:    "integration instance not found",
				ClearAuth:  true,
			}
		}

		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to load credential from durable store")

		return domain.CachedCredential{}, &AuthFailure{
			StatusCode: fiber.StatusInternalServerError,
			Code:       failureCodeInternal,
			Message:    "failed to load credentials",
		}
	}

	if failure := r.checkOwner(row.OwnerID, ownerID, instanceID); failure != nil {
		return domain.CachedCredential{}, failure
	}

	// Durable row carries a still-valid token: warm the cache and serve
	// without touching the network.
	if row.AccessToken != "" && time.Until(row.ExpiresAt) > r.deps.ExpiryTolerance {
		cached := cachedFromRow(row)
		r.deps.Cache.Set(cached)

		warmed, _ := r.deps.Cache.Get(instanceID)
		return warmed, nil
	}

	return r.refresh(ctx, instanceID, row)
}

// refresh exchanges the refresh token, persists the result to the durable
// store and the cache, and returns the fresh credential. Concurrent requests
// for the same instance collapse onto one in-flight refresh.
func (r *CredentialResolver) refresh(ctx context.Context, instanceID string, row domain.InstanceCredential) (domain.CachedCredential, *AuthFailure) {
	provider, ok := r.deps.Providers[row.Provider]
	if !ok {
		log.Error().Str("instance_id", instanceID).Str("provider", row.Provider).Msg("No OAuth client configured for provider")

		return domain.CachedCredential{}, &AuthFailure{
			StatusCode: fiber.StatusInternalServerError,
			Code:       failureCodeInternal,
			Message:    "provider is not configured",
		}
	}

	// The attempt counter and failure status live on the cache entry, so a
	// cold cache gets seeded from the durable row before the exchange.
	if _, ok := r.deps.Cache.Peek(instanceID); !ok {
		r.deps.Cache.Set(cachedFromRow(row))
	}
	r.deps.Cache.IncrementRefreshAttempts(instanceID)

	result, err := r.deps.Coordinator.Do(ctx, instanceID, func() (domain.RefreshResult, error) {
		return oauth.RefreshWithRetry(ctx, r.deps.Refresher, instanceID, provider, row.RefreshToken, r.deps.RetryPolicy)
	})
	if err != nil {
		return domain.CachedCredential{}, r.refreshFailure(instanceID, err)
	}

	now := time.Now()
	update := domain.OAuthFieldsUpdate{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresAt:    result.Tokens.ExpiresAt(now),
		Status:       domain.CredentialStatusCompleted,
	}

	// Durable store first, then cache: both must hold the new token before
	// the request proceeds, or a concurrent request would refresh again.
	if err := r.deps.Repository.UpdateOAuthFields(ctx, instanceID, update); err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to persist refreshed token")

		return domain.CachedCredential{}, &AuthFailure{
			StatusCode: fiber.StatusInternalServerError,
			Code:       failureCodeInternal,
			Message:    "failed to persist refreshed credentials",
		}
	}

	cached := domain.CachedCredential{
		InstanceID:   instanceID,
		OwnerID:      row.OwnerID,
		Provider:     row.Provider,
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresAt:    update.ExpiresAt,
		Status:       domain.CredentialStatusCompleted,
	}
	r.deps.Cache.Set(cached)

	warmed, _ := r.deps.Cache.Get(instanceID)
	return warmed, nil
}

func (r *CredentialResolver) refreshFailure(instanceID string, err error) *AuthFailure {
	failed := domain.CredentialStatusFailed
	r.deps.Cache.UpdateMetadata(instanceID, domain.CredentialPatch{Status: &failed})

	switch domain.ClassifyRefreshError(err) {
	case domain.RefreshErrorInvalidGrant:
		return &AuthFailure{
			StatusCode: fiber.StatusUnauthorized,
			Code:       failureCodeReauthRequired,
			Message:    "authorization expired, please reconnect the integration",
			ClearAuth:  true,
		}
	case domain.RefreshErrorInvalidClient:
		return &AuthFailure{
			StatusCode: fiber.StatusUnauthorized,
			Code:       failureCodeReauthRequired,
			Message:    "integration credentials are misconfigured",
		}
	default:
		return &AuthFailure{
			StatusCode: fiber.StatusServiceUnavailable,
			Code:       failureCodeTemporarilyDown,
			Message:    "credential refresh temporarily unavailable, try again shortly",
		}
	}
}

// checkOwner enforces that the request's owner matches the credential's
// owner. An empty request owner skips the check (internal callers).
func (r *CredentialResolver) checkOwner(credentialOwner, requestOwner, instanceID string) *AuthFailure {
	if requestOwner == "" || credentialOwner == requestOwner {
		return nil
	}

	log.Warn().
		Str("instance_id", instanceID).
		Str("owner_id", requestOwner).
		Msg("Owner mismatch on credential access")

	return &AuthFailure{
		StatusCode: fiber.StatusForbidden,
		Code:       failureCodeForbidden,
		Message:    "instance belongs to a different account",
	}
}

func cachedFromRow(row domain.InstanceCredential) domain.CachedCredential {
	return domain.CachedCredential{
		InstanceID:   row.InstanceID,
		OwnerID:      row.OwnerID,
		Provider:     row.Provider,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
		Status:       row.Status,
	}
}
