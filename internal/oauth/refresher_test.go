package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *capturingAudit) Record(_ context.Context, entry domain.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *capturingAudit) last(t *testing.T) domain.AuditEntry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.entries)
	return a.entries[len(a.entries)-1]
}

func testProvider(tokenURL string) domain.ProviderConfig {
	return domain.ProviderConfig{
		Name:         "notion",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     tokenURL,
	}
}

func TestRefresher_DirectRefreshSuccess(t *testing.T) {
	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "old-refresh", r.FormValue("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600,"scope":"files.read"}`))
	}))
	defer tokenEndpoint.Close()

	audit := &capturingAudit{}
	refresher := NewRefresher(RefresherDeps{Audit: audit})

	result, err := refresher.Refresh(t.Context(), "inst-1", testProvider(tokenEndpoint.URL), "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, domain.RefreshMethodDirect, result.Method)
	assert.Equal(t, "new-access", result.Tokens.AccessToken)
	assert.Equal(t, "new-refresh", result.Tokens.RefreshToken)
	assert.InDelta(t, 3600, result.Tokens.ExpiresIn, 5)

	entry := audit.last(t)
	assert.Equal(t, "refresh", entry.Operation)
	assert.Equal(t, "success", entry.Status)
}

func TestRefresher_DirectKeepsOldRefreshToken(t *testing.T) {
	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenEndpoint.Close()

	refresher := NewRefresher(RefresherDeps{})

	result, err := refresher.Refresh(t.Context(), "inst-1", testProvider(tokenEndpoint.URL), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "old-refresh", result.Tokens.RefreshToken)
}

func TestRefresher_BrokerSuccess(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchange-refresh-token", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tokens":{"access_token":"broker-access","refresh_token":"broker-refresh","expires_in":7200,"token_type":"Bearer"}}`))
	}))
	defer broker.Close()

	refresher := NewRefresher(RefresherDeps{
		Broker: NewBrokerClient(broker.URL, time.Second),
	})

	result, err := refresher.Refresh(t.Context(), "inst-1", testProvider("http://unused.invalid/token"), "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, domain.RefreshMethodBroker, result.Method)
	assert.Equal(t, "broker-access", result.Tokens.AccessToken)
}

func TestRefresher_BrokerDownFallsBackToDirect(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broker.Close()

	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"direct-access","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenEndpoint.Close()

	refresher := NewRefresher(RefresherDeps{
		Broker: NewBrokerClient(broker.URL, time.Second),
	})

	result, err := refresher.Refresh(t.Context(), "inst-1", testProvider(tokenEndpoint.URL), "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, domain.RefreshMethodDirect, result.Method)
	assert.Equal(t, "direct-access", result.Tokens.AccessToken)
}

func TestRefresher_BrokerInvalidGrantDoesNotFallBack(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer broker.Close()

	var directCalls atomic.Int32
	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer tokenEndpoint.Close()

	audit := &capturingAudit{}
	refresher := NewRefresher(RefresherDeps{
		Broker: NewBrokerClient(broker.URL, time.Second),
		Audit:  audit,
	})

	_, err := refresher.Refresh(t.Context(), "inst-1", testProvider(tokenEndpoint.URL), "old-refresh")
	require.Error(t, err)

	assert.Equal(t, domain.RefreshErrorInvalidGrant, domain.ClassifyRefreshError(err))
	assert.Equal(t, int32(0), directCalls.Load(), "terminal broker answers must not trigger the direct fallback")

	entry := audit.last(t)
	assert.Equal(t, "failure", entry.Status)
	assert.Equal(t, "invalid_grant", entry.ErrorType)
}

func TestRefresher_DirectErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		expected   domain.RefreshErrorType
	}{
		{
			name:       "invalid grant",
			statusCode: http.StatusBadRequest,
			body:       `{"error":"invalid_grant","error_description":"Token has been revoked."}`,
			expected:   domain.RefreshErrorInvalidGrant,
		},
		{
			name:       "invalid client",
			statusCode: http.StatusUnauthorized,
			body:       `{"error":"invalid_client"}`,
			expected:   domain.RefreshErrorInvalidClient,
		},
		{
			name:       "rate limited",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error":"temporarily_unavailable"}`,
			expected:   domain.RefreshErrorRateLimited,
		},
		{
			name:       "server error",
			statusCode: http.StatusServiceUnavailable,
			body:       `upstream unavailable`,
			expected:   domain.RefreshErrorTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer tokenEndpoint.Close()

			refresher := NewRefresher(RefresherDeps{})

			_, err := refresher.Refresh(t.Context(), "inst-1", testProvider(tokenEndpoint.URL), "old-refresh")
			require.Error(t, err)
			assert.Equal(t, tt.expected, domain.ClassifyRefreshError(err))
		})
	}
}

func TestRefresher_FailureMetricRecordedWithoutAuditRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	refresher := NewRefresher(RefresherDeps{Metrics: metrics.NewRefreshMetrics(registry)})

	_, err := refresher.Refresh(t.Context(), "inst-1", testProvider("http://unused.invalid/token"), "")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(registry, "toolgate_token_refresh_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "failure metrics must not depend on audit configuration")
}

func TestRefresher_MissingRefreshToken(t *testing.T) {
	refresher := NewRefresher(RefresherDeps{})

	_, err := refresher.Refresh(t.Context(), "inst-1", testProvider("http://unused.invalid/token"), "")
	require.Error(t, err)
	assert.Equal(t, domain.RefreshErrorInvalidGrant, domain.ClassifyRefreshError(err))
}
