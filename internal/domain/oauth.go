package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type RefreshErrorType string

const (
	RefreshErrorInvalidGrant  RefreshErrorType = "invalid_grant"
	RefreshErrorInvalidClient RefreshErrorType = "invalid_client"
	RefreshErrorTransient     RefreshErrorType = "transient"
	RefreshErrorRateLimited   RefreshErrorType = "rate_limited"
)

// Retryable reports whether a refresh failure of this type may be retried.
// invalid_grant means the refresh token is revoked or expired and the user has
// to re-authorize; invalid_client is an operator misconfiguration.
func (t RefreshErrorType) Retryable() bool {
	return t == RefreshErrorTransient || t == RefreshErrorRateLimited
}

type RefreshMethod string

const (
	RefreshMethodBroker RefreshMethod = "broker"
	RefreshMethodDirect RefreshMethod = "direct"
)

// TokenSet is the result of a successful token exchange.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// ExpiresAt converts the relative expires_in to an absolute timestamp.
func (t TokenSet) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// RefreshResult carries the new tokens and which path produced them.
type RefreshResult struct {
	Tokens TokenSet
	Method RefreshMethod
}

// RefreshError is an expected refresh failure, classified so callers can pick
// a retry policy without inspecting provider-specific payloads.
type RefreshError struct {
	Type       RefreshErrorType
	Method     RefreshMethod
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s via %s): %v", e.Type, e.Method, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// ClassifyRefreshError extracts the RefreshError from an error chain. Errors
// that are not RefreshErrors are treated as transient.
func ClassifyRefreshError(err error) RefreshErrorType {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Type
	}
	return RefreshErrorTransient
}

// ProviderConfig holds the OAuth client registration for one upstream provider.
type ProviderConfig struct {
	Name         string `mapstructure:"name"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
	APIBaseURL   string `mapstructure:"api_base_url"`
}

// TokenRefresher exchanges a refresh token for a new token set. The instance
// ID is carried for audit and metrics only; the exchange itself is stateless.
type TokenRefresher interface {
	Refresh(ctx context.Context, instanceID string, provider ProviderConfig, refreshToken string) (RefreshResult, error)
}
