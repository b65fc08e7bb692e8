// Package credentials keeps a Strava access token valid.
//
// A Manager holds the client credentials and the current token. Token returns
// the access token, refreshing it first when it is missing or close to expiry.
// ForceRefresh is used after the API rejects a token. Refreshes are coalesced:
// concurrent callers share the outcome of a single call to the token endpoint.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lildude/stravasync/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// TokenURL is Strava's OAuth token endpoint.
	TokenURL = "https://www.strava.com/oauth/token"
	// AuthURL is Strava's OAuth authorization page.
	AuthURL = "https://www.strava.com/oauth/authorize"

	// DefaultRefreshMargin is how long before expiry a token is refreshed.
	DefaultRefreshMargin = 5 * time.Minute
)

// Credential is the client registration plus the current token.
type Credential struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
}

// AuthError means no valid token could be obtained. It is not recoverable
// without a new refresh token.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("strava auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Manager hands out bearer tokens. It is safe for concurrent use.
type Manager struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	refresh    RefreshFunc
	store      TokenStore
	margin     time.Duration
	policy     retry.Policy
	now        func() time.Time
	log        logrus.FieldLogger

	mu    sync.RWMutex
	token *oauth2.Token

	group     singleflight.Group
	refreshes atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenURL points refreshes at a different token endpoint.
func WithTokenURL(u string) Option {
	return func(m *Manager) {
		if u != "" {
			m.oauth.Endpoint.TokenURL = u
		}
	}
}

// WithHTTPClient sets the client used to talk to the token endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) { m.httpClient = hc }
}

// WithRefreshFunc replaces the OAuth refresh, typically with a fake in tests.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(m *Manager) { m.refresh = fn }
}

// WithStore persists refreshed tokens and supplies a previously rotated one on Load.
func WithStore(s TokenStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithRefreshMargin sets how long before expiry a token counts as stale.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.margin = d
		}
	}
}

// WithRetryPolicy sets the policy for transient refresh failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager seeded with c.
func NewManager(c Credential, opts ...Option) *Manager {
	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   AuthURL,
				TokenURL:  TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"read,activity:read_all,profile:read_all"},
		},
		margin: DefaultRefreshMargin,
		policy: retry.DefaultPolicy(),
		now:    time.Now,
		log:    logrus.StandardLogger(),
		token: &oauth2.Token{
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       c.ExpiresAt,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.refresh == nil {
		m.refresh = m.oauthRefresh
	}
	if m.policy.Retryable == nil {
		m.policy.Retryable = retryableRefreshError
	}
	return m
}

// Load replaces the seeded token with the one in the store, if any. A rotated
// refresh token from a previous run supersedes the configured one.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	tok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading stored token: %w", err)
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	m.log.WithField("expires_at", tok.Expiry).Debug("loaded stored strava token")
	return nil
}

// Token returns a bearer token valid for at least the refresh margin.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if m.fresh(tok) {
		return tok.AccessToken, nil
	}

	tok, err := m.doRefresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// ForceRefresh refreshes the token after the API rejected stale. If another
// caller already replaced stale, the current token is returned without a
// new refresh.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if tok != nil && tok.AccessToken != "" && tok.AccessToken != stale && m.fresh(tok) {
		return tok.AccessToken, nil
	}

	tok, err := m.doRefresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Current returns a copy of the credential as it stands.
func (m *Manager) Current() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Credential{
		ClientID:     m.oauth.ClientID,
		ClientSecret: m.oauth.ClientSecret,
		RefreshToken: m.token.RefreshToken,
		AccessToken:  m.token.AccessToken,
		ExpiresAt:    m.token.Expiry,
	}
}

// Refreshes reports how many refreshes have completed successfully.
func (m *Manager) Refreshes() int64 {
	return m.refreshes.Load()
}

func (m *Manager) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" || tok.Expiry.IsZero() {
		return false
	}
	return m.now().Add(m.margin).Before(tok.Expiry)
}

func (m *Manager) doRefresh(ctx context.Context) (*oauth2.Token, error) {
	v, err, shared := m.group.Do("refresh", func() (any, error) {
		m.mu.RLock()
		rt := m.token.RefreshToken
		m.mu.RUnlock()

		if rt == "" {
			return nil, &AuthError{Op: "refresh", Err: errors.New("no refresh token configured")}
		}

		var tok *oauth2.Token
		err := m.policy.Do(ctx, func(ctx context.Context) error {
			t, err := m.refresh(ctx, rt)
			if err != nil {
				return err
			}
			tok = t
			return nil
		})
		if err != nil {
			return nil, &AuthError{Op: "refresh", Err: err}
		}
		if tok.AccessToken == "" {
			return nil, &AuthError{Op: "refresh", Err: errors.New("token endpoint returned no access token")}
		}
		// Strava may rotate the refresh token; keep the old one if it did not.
		if tok.RefreshToken == "" {
			tok.RefreshToken = rt
		}

		m.mu.Lock()
		m.token = tok
		m.mu.Unlock()
		m.refreshes.Add(1)

		m.log.WithField("expires_at", tok.Expiry).Info("refreshed strava token")
		if m.store != nil {
			if err := m.store.Save(ctx, tok); err != nil {
				m.log.WithError(err).Warn("unable to persist refreshed token")
			}
		}
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.Debug("joined in-flight token refresh")
	}
	return v.(*oauth2.Token), nil
}

func (m *Manager) oauthRefresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	// A token holding only the refresh token is always refreshed by the source.
	return m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// retryableRefreshError retries transport failures, throttling and server errors.
// A rejected grant is final.
func retryableRefreshError(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// AuthCodeURL returns the Strava page where the athlete grants access.
func (m *Manager) AuthCodeURL(state, redirectURL string) string {
	cfg := *m.oauth
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "force"))
}

// Exchange trades an authorization code for a token, adopts it and persists it
// to the store. It returns the id of the athlete who granted access.
func (m *Manager) Exchange(ctx context.Context, code, redirectURL string) (*oauth2.Token, int64, error) {
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	cfg := *m.oauth
	cfg.RedirectURL = redirectURL

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, 0, &AuthError{Op: "exchange", Err: err}
	}

	var athleteID int64
	if athlete, ok := tok.Extra("athlete").(map[string]any); ok {
		if id, ok := athlete["id"].(float64); ok {
			athleteID = int64(id)
		}
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	m.log.WithField("athlete_id", athleteID).Info("exchanged strava authorization code")
	if m.store != nil {
		if err := m.store.Save(ctx, tok); err != nil {
			return tok, athleteID, fmt.Errorf("storing token: %w", err)
		}
	}
	return tok, athleteID, nil
}
