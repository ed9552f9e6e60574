package qqbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// tokenServer answers the credential exchange with the given JSON body.
func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "app-1", req["appId"])
		assert.Equal(t, "secret-1", req["clientSecret"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testCreds() Credentials {
	return Credentials{AppID: "app-1", AppSecret: "secret-1"}
}

func TestNextRefreshDelay(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		expiry time.Time
		want   time.Duration
	}{
		{"long lived", now.Add(7200 * time.Second), 7110 * time.Second},
		{"clamped to floor", now.Add(60 * time.Second), 30 * time.Second},
		{"already expired", now.Add(-time.Minute), 30 * time.Second},
		{"exactly at floor", now.Add(120 * time.Second), 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRefreshDelay(tt.expiry, now))
		})
	}
}

func TestTokenManager_RefreshStringExpiry(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, `{"access_token":"tok-a","expires_in":"7200"}`)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))
	m.now = func() time.Time { return now }

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-a", tok.AccessToken)
	assert.Equal(t, TokenType, tok.TokenType)
	assert.Equal(t, now.Add(2*time.Hour), tok.Expiry)
}

func TestTokenManager_RefreshNumericExpiry(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, `{"access_token":"tok-b","expires_in":300}`)
	m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-b", tok.AccessToken)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), tok.Expiry, 5*time.Second)
}

func TestTokenManager_RefreshErrors(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		srv, _ := tokenServer(t, http.StatusBadRequest, `{"code":100016,"message":"invalid appid"}`)
		m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))

		_, err := m.Refresh(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, 100016, apiErr.Code)
		assert.Nil(t, m.Current())
	})

	t.Run("non-json error body", func(t *testing.T) {
		srv, _ := tokenServer(t, http.StatusBadGateway, `upstream down`)
		m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))

		_, err := m.Refresh(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	})

	t.Run("missing token", func(t *testing.T) {
		srv, _ := tokenServer(t, http.StatusOK, `{"expires_in":"7200"}`)
		m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))

		_, err := m.Refresh(context.Background())
		assert.Error(t, err)
	})
}

func TestTokenManager_TokenCachesAndNotifies(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"tok-c","expires_in":"7200"}`)
	m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))

	var seen []string
	m.OnRefresh(func(tok *oauth2.Token) { seen = append(seen, tok.AccessToken) })

	for i := 0; i < 3; i++ {
		tok, err := m.Token()
		require.NoError(t, err)
		assert.Equal(t, "tok-c", tok.AccessToken)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"tok-c"}, seen)
}

func TestTokenManager_RunRefreshesAheadOfExpiry(t *testing.T) {
	bodies := []struct {
		status int
		body   string
	}{
		{http.StatusInternalServerError, `{"code":500,"message":"busy"}`},
		{http.StatusOK, `{"access_token":"tok-1","expires_in":"7200"}`},
		{http.StatusOK, `{"access_token":"tok-2","expires_in":"60"}`},
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(bodies[i].status)
		_, _ = w.Write([]byte(bodies[i].body))
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))
	m.now = func() time.Time { return now }

	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return len(delays) < 5
	}

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, []time.Duration{
		0,                  // no token yet
		30 * time.Second,   // retry after the failed exchange
		0,                  // still no token
		7110 * time.Second, // expiry minus 90s
		30 * time.Second,   // short-lived token clamped to the floor
	}, delays)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "tok-2", m.Current().AccessToken)
}

func TestTokenManager_RunStopsOnCancel(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"tok","expires_in":"7200"}`)
	m := NewTokenManager(testCreds(), WithTokenURL(srv.URL))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run ignored cancellation")
	}
	assert.Equal(t, int32(1), calls.Load())
}
