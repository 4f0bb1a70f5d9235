package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
)

// BrokerClient talks to the internal OAuth broker service that centralizes
// token exchange across providers. The broker is optional; callers fall back
// to the provider's token endpoint when it is unreachable.
type BrokerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewBrokerClient(baseURL string, timeout time.Duration) *BrokerClient {
	return &BrokerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type brokerExchangeRequest struct {
	Provider     string `json:"provider"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type brokerExchangeResponse struct {
	Tokens domain.TokenSet `json:"tokens"`
}

// ExchangeRefreshToken exchanges a refresh token for a new token set through
// the broker.
func (c *BrokerClient) ExchangeRefreshToken(ctx context.Context, provider domain.ProviderConfig, refreshToken string) (domain.TokenSet, error) {
	return c.exchange(ctx, "/exchange-refresh-token", brokerExchangeRequest{
		Provider:     provider.Name,
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RefreshToken: refreshToken,
	})
}

// ExchangeCredentials performs a client-credentials exchange through the
// broker, for providers that mint machine tokens without a refresh token.
func (c *BrokerClient) ExchangeCredentials(ctx context.Context, provider domain.ProviderConfig) (domain.TokenSet, error) {
	return c.exchange(ctx, "/exchange-credentials", brokerExchangeRequest{
		Provider:     provider.Name,
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
	})
}

func (c *BrokerClient) exchange(ctx context.Context, path string, reqBody brokerExchangeRequest) (domain.TokenSet, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("failed to marshal broker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("failed to build broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.TokenSet{}, &domain.RefreshError{
			Type:   domain.RefreshErrorTransient,
			Method: domain.RefreshMethodBroker,
			Err:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TokenSet{}, &domain.RefreshError{
			Type:   domain.RefreshErrorTransient,
			Method: domain.RefreshMethodBroker,
			Err:    err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return domain.TokenSet{}, &domain.RefreshError{
			Type:       classifyHTTPFailure(resp.StatusCode, body),
			Method:     domain.RefreshMethodBroker,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("broker returned status %d", resp.StatusCode),
		}
	}

	var exchangeResp brokerExchangeResponse
	if err := json.Unmarshal(body, &exchangeResp); err != nil {
		return domain.TokenSet{}, fmt.Errorf("failed to decode broker response: %w", err)
	}

	if exchangeResp.Tokens.AccessToken == "" {
		return domain.TokenSet{}, fmt.Errorf("broker response contained no access token")
	}

	return exchangeResp.Tokens, nil
}

// classifyHTTPFailure maps an HTTP failure to the refresh error taxonomy.
// OAuth error codes embedded in the body take priority over the status code.
func classifyHTTPFailure(statusCode int, body []byte) domain.RefreshErrorType {
	lower := strings.ToLower(string(body))

	switch {
	case strings.Contains(lower, "invalid_grant"):
		return domain.RefreshErrorInvalidGrant
	case strings.Contains(lower, "invalid_client"), strings.Contains(lower, "unauthorized_client"):
		return domain.RefreshErrorInvalidClient
	case statusCode == http.StatusTooManyRequests:
		return domain.RefreshErrorRateLimited
	case statusCode >= 500:
		return domain.RefreshErrorTransient
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnauthorized:
		// Token endpoints signal grant problems as 400/401; without a
		// recognizable error code assume the grant is gone.
		return domain.RefreshErrorInvalidGrant
	default:
		return domain.RefreshErrorTransient
	}
}
