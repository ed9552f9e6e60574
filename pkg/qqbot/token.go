package qqbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/qqgate/pkg/logger"
)

const (
	DefaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

	// TokenType is the Authorization scheme QQ expects for app access tokens.
	TokenType = "QQBot"

	refreshLead     = 90 * time.Second
	minRefreshDelay = 30 * time.Second
)

type Credentials struct {
	AppID     string
	AppSecret string
}

// TokenManager owns the app access token. It implements oauth2.TokenSource
// and refreshes proactively in Run, independent of gateway connectivity.
type TokenManager struct {
	creds Credentials
	url   string
	http  *resty.Client
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu        sync.RWMutex
	token     *oauth2.Token
	listeners []func(*oauth2.Token)

	refreshMu sync.Mutex
}

var _ oauth2.TokenSource = (*TokenManager)(nil)

type TokenOption func(*TokenManager)

func WithTokenURL(url string) TokenOption {
	return func(m *TokenManager) {
		if url != "" {
			m.url = url
		}
	}
}

func WithTokenHTTPClient(c *resty.Client) TokenOption {
	return func(m *TokenManager) { m.http = c }
}

func NewTokenManager(creds Credentials, opts ...TokenOption) *TokenManager {
	m := &TokenManager{
		creds: creds,
		url:   DefaultTokenURL,
		http:  resty.New().SetTimeout(10 * time.Second),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRefresh registers fn to run after every successful refresh.
func (m *TokenManager) OnRefresh(fn func(*oauth2.Token)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Current returns the cached token without refreshing, or nil.
func (m *TokenManager) Current() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil
	}
	t := *m.token
	return &t
}

// Token returns the cached token, fetching a new one when none is held or the
// held one is about to expire.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	if t := m.Current(); t != nil && t.Expiry.After(m.now().Add(10*time.Second)) {
		return t, nil
	}
	return m.Refresh(context.Background())
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	Code        int         `json:"code"`
	Message     string      `json:"message"`
}

// Refresh performs the credential exchange unconditionally.
func (m *TokenManager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	resp, err := m.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"appId":        m.creds.AppID,
			"clientSecret": m.creds.AppSecret,
		}).
		Post(m.url)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}

	var out tokenResponse
	decodeErr := json.Unmarshal(resp.Body(), &out)
	if decodeErr != nil && !resp.IsError() {
		return nil, fmt.Errorf("token response: %w", decodeErr)
	}
	if resp.IsError() || out.AccessToken == "" {
		return nil, &APIError{Status: resp.StatusCode(), Code: out.Code, Message: out.Message}
	}
	secs, err := out.ExpiresIn.Int64()
	if err != nil || secs <= 0 {
		return nil, errors.New("token response: invalid expires_in")
	}

	tok := &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   TokenType,
		Expiry:      m.now().Add(time.Duration(secs) * time.Second),
	}

	m.mu.Lock()
	m.token = tok
	listeners := append([]func(*oauth2.Token){}, m.listeners...)
	m.mu.Unlock()

	logger.InfoCF("qqbot", "Access token refreshed", map[string]any{
		"expires_at": tok.Expiry.Format(time.RFC3339),
	})
	for _, fn := range listeners {
		t := *tok
		fn(&t)
	}
	return tok, nil
}

// NextRefreshDelay schedules the next refresh 90s before expiry, but never
// sooner than 30s from now.
func NextRefreshDelay(expiry, now time.Time) time.Duration {
	target := expiry.Add(-refreshLead)
	if floor := now.Add(minRefreshDelay); target.Before(floor) {
		target = floor
	}
	return target.Sub(now)
}

// Run refreshes the token ahead of expiry until ctx is done. A failed refresh
// is retried after minRefreshDelay.
func (m *TokenManager) Run(ctx context.Context) {
	for {
		var delay time.Duration
		if t := m.Current(); t != nil {
			delay = NextRefreshDelay(t.Expiry, m.now())
		}
		if !m.sleep(ctx, delay) {
			return
		}

		if _, err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCF("qqbot", "Access token refresh failed", map[string]any{"error": err.Error()})
			if !m.sleep(ctx, minRefreshDelay) {
				return
			}
		}
	}
}
