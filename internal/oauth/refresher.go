package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// DefaultProviderTimeout bounds every outbound call to an OAuth endpoint.
const DefaultProviderTimeout = 30 * time.Second

type RefresherDeps struct {
	// Broker is the internal OAuth broker client. Optional; when nil every
	// refresh goes straight to the provider's token endpoint.
	Broker *BrokerClient

	// HTTPClient is used for direct token-endpoint calls. Defaults to a
	// client with DefaultProviderTimeout.
	HTTPClient *http.Client

	Metrics *metrics.RefreshMetrics
	Audit   domain.AuditRecorder
}

// Refresher obtains fresh tokens, preferring the internal broker and falling
// back to the upstream provider's token endpoint when the broker is down.
// Direct calls are the ground truth; the broker is a convenience.
type Refresher struct {
	broker     *BrokerClient
	httpClient *http.Client
	metrics    *metrics.RefreshMetrics
	audit      domain.AuditRecorder
}

func NewRefresher(deps RefresherDeps) *Refresher {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultProviderTimeout}
	}

	return &Refresher{
		broker:     deps.Broker,
		httpClient: httpClient,
		metrics:    deps.Metrics,
		audit:      deps.Audit,
	}
}

// Refresh performs a single refresh attempt: broker first when configured,
// direct on broker unavailability. Terminal broker answers (invalid_grant,
// invalid_client) are returned as-is since the provider would say the same.
func (r *Refresher) Refresh(ctx context.Context, instanceID string, provider domain.ProviderConfig, refreshToken string) (domain.RefreshResult, error) {
	started := time.Now()
	r.metrics.ObserveAttempt(provider.Name)

	if refreshToken == "" {
		err := &domain.RefreshError{
			Type:   domain.RefreshErrorInvalidGrant,
			Method: domain.RefreshMethodDirect,
			Err:    errors.New("no refresh token available"),
		}
		r.recordOutcome(ctx, instanceID, provider.Name, domain.RefreshMethodDirect, err)
		return domain.RefreshResult{}, err
	}

	if r.broker != nil {
		tokens, err := r.broker.ExchangeRefreshToken(ctx, provider, refreshToken)
		if err == nil {
			result := domain.RefreshResult{Tokens: tokens, Method: domain.RefreshMethodBroker}
			r.metrics.ObserveSuccess(provider.Name, string(domain.RefreshMethodBroker), time.Since(started))
			r.recordOutcome(ctx, instanceID, provider.Name, domain.RefreshMethodBroker, nil)
			return result, nil
		}

		errType := domain.ClassifyRefreshError(err)
		if !errType.Retryable() {
			r.recordOutcome(ctx, instanceID, provider.Name, domain.RefreshMethodBroker, err)
			return domain.RefreshResult{}, err
		}

		log.Warn().
			Err(err).
			Str("instance_id", instanceID).
			Str("provider", provider.Name).
			Msg("OAuth broker unavailable, falling back to direct token endpoint")
	}

	result, err := r.refreshDirect(ctx, provider, refreshToken)
	if err != nil {
		r.recordOutcome(ctx, instanceID, provider.Name, domain.RefreshMethodDirect, err)
		return domain.RefreshResult{}, err
	}

	r.metrics.ObserveSuccess(provider.Name, string(domain.RefreshMethodDirect), time.Since(started))
	r.recordOutcome(ctx, instanceID, provider.Name, domain.RefreshMethodDirect, nil)

	return result, nil
}

// refreshDirect performs the standard OAuth2 grant_type=refresh_token exchange
// against the provider's token endpoint.
func (r *Refresher) refreshDirect(ctx context.Context, provider domain.ProviderConfig, refreshToken string) (domain.RefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: provider.TokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return domain.RefreshResult{}, classifyDirectError(err)
	}

	tokens := domain.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}

	// Providers that rotate refresh tokens return a new one; the rest keep
	// the old one valid.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if !token.Expiry.IsZero() {
		tokens.ExpiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}

	return domain.RefreshResult{Tokens: tokens, Method: domain.RefreshMethodDirect}, nil
}

func classifyDirectError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		errType := domain.RefreshErrorTransient
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}

		switch retrieveErr.ErrorCode {
		case "invalid_grant":
			errType = domain.RefreshErrorInvalidGrant
		case "invalid_client", "unauthorized_client":
			errType = domain.RefreshErrorInvalidClient
		default:
			errType = classifyHTTPFailure(statusCode, retrieveErr.Body)
		}

		return &domain.RefreshError{
			Type:       errType,
			Method:     domain.RefreshMethodDirect,
			StatusCode: statusCode,
			Err:        err,
		}
	}

	// Network failures and timeouts: retryable.
	return &domain.RefreshError{
		Type:   domain.RefreshErrorTransient,
		Method: domain.RefreshMethodDirect,
		Err:    err,
	}
}

// recordOutcome observes the failure metric and writes the audit entry for one
// refresh attempt. Audit failures never fail the refresh.
func (r *Refresher) recordOutcome(ctx context.Context, instanceID, provider string, method domain.RefreshMethod, refreshErr error) {
	status := "success"
	errorType := ""
	if refreshErr != nil {
		status = "failure"
		errorType = string(domain.ClassifyRefreshError(refreshErr))
		r.metrics.ObserveFailure(provider, errorType)
	}

	if r.audit == nil {
		return
	}

	r.audit.Record(ctx, domain.AuditEntry{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Operation:  "refresh",
		Status:     status,
		ErrorType:  errorType,
		Method:     string(method),
		OccurredAt: time.Now().UTC(),
	})
}
