// Package auth maps typed session calls onto a GoTrue-style auth endpoint
// and broadcasts auth state changes to subscribers.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pgbatch/internal/codec"
)

// Config for creating a new Client
type Config struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Source         Source // remote auth events, optional
	EventBuffer    int
	Logger         zerolog.Logger
}

// Client talks to <URL>/auth/v1 and holds the current session
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	users      codec.Codec[User]
	sessions   codec.Codec[Session]
	feed       *Feed
	userGroup  singleflight.Group
	logger     zerolog.Logger

	mu      sync.RWMutex
	session *Session
}

// NewClient creates a new Client
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: scheme and host are required", cfg.URL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		users:      codec.JSON[User](),
		sessions:   codec.JSON[Session](),
		feed:       NewFeed(cfg.Source, cfg.EventBuffer, cfg.Logger),
		logger:     cfg.Logger.With().Str("component", "auth").Logger(),
	}, nil
}

// SignUp creates a user. When the endpoint signs the user in immediately the
// result carries a session and SIGNED_IN is emitted; otherwise only the
// pending user is returned.
func (c *Client) SignUp(ctx context.Context, creds Credentials) (SignUpResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/signup", nil, "", creds)
	if err != nil {
		return SignUpResult{}, err
	}

	var shape struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return SignUpResult{}, fmt.Errorf("decode sign-up response: %w", err)
	}

	if shape.AccessToken == "" {
		user, err := c.users.Decode(body)
		if err != nil {
			return SignUpResult{}, fmt.Errorf("decode user: %w", err)
		}
		return SignUpResult{User: &user}, nil
	}

	session, err := c.sessions.Decode(body)
	if err != nil {
		return SignUpResult{}, fmt.Errorf("decode session: %w", err)
	}
	c.store(&session, EventSignedIn)
	return SignUpResult{User: &session.User, Session: &session}, nil
}

// SignInWithPassword exchanges credentials for a session
func (c *Client) SignInWithPassword(ctx context.Context, creds Credentials) (Session, error) {
	query := url.Values{"grant_type": {"password"}}
	body, err := c.do(ctx, http.MethodPost, "/token", query, "", creds)
	if err != nil {
		return Session{}, err
	}

	session, err := c.sessions.Decode(body)
	if err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	c.store(&session, EventSignedIn)
	return session, nil
}

// SignInWithOAuth returns the URL the user must visit to sign in with provider
func (c *Client) SignInWithOAuth(provider string, opts OAuthOptions) (string, error) {
	if provider == "" {
		return "", errors.New("auth: provider is required")
	}

	query := url.Values{"provider": {provider}}
	if opts.RedirectTo != "" {
		query.Set("redirect_to", opts.RedirectTo)
	}
	if opts.Scopes != "" {
		query.Set("scopes", opts.Scopes)
	}
	for k, v := range opts.QueryParams {
		query.Set(k, v)
	}
	return c.baseURL + "/authorize?" + query.Encode(), nil
}

// SignOut revokes the current session and emits SIGNED_OUT. A session the
// endpoint no longer knows is still cleared locally.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return nil
	}

	_, err := c.do(ctx, http.MethodPost, "/logout", nil, session.AccessToken, nil)
	if err != nil {
		var authErr *Error
		if !errors.As(err, &authErr) || !authErr.SessionGone() {
			return err
		}
		c.logger.Debug().Int("status", authErr.Status).Msg("session already gone on sign-out")
	}

	c.store(nil, EventSignedOut)
	return nil
}

// GetSession returns the current session, if any
func (c *Client) GetSession() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// AccessToken returns the current access token or "". It matches
// postgrest.TokenSource so table queries run as the signed-in user.
func (c *Client) AccessToken(context.Context) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// GetUser fetches the user behind the current session. It reports false
// without a request when nobody is signed in. Concurrent calls for the same
// token share one request.
func (c *Client) GetUser(ctx context.Context) (User, bool, error) {
	token := c.AccessToken(ctx)
	if token == "" {
		return User{}, false, nil
	}

	ch := c.userGroup.DoChan(token, func() (any, error) {
		return c.fetchUser(context.WithoutCancel(ctx), token)
	})
	select {
	case <-ctx.Done():
		return User{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return User{}, false, res.Err
		}
		return res.Val.(User), true, nil
	}
}

// SetSession adopts an externally obtained token pair. The access token is
// checked against the endpoint before it is stored.
func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (Session, error) {
	if accessToken == "" || refreshToken == "" {
		return Session{}, errors.New("auth: access and refresh tokens are required")
	}

	user, err := c.fetchUser(ctx, accessToken)
	if err != nil {
		return Session{}, err
	}

	session := Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		User:         user,
	}
	if exp, ok := tokenExpiry(accessToken); ok {
		session.ExpiresAt = exp
		session.ExpiresIn = max(exp-time.Now().Unix(), 0)
	}

	event := EventSignedIn
	c.mu.RLock()
	if c.session != nil && c.session.User.ID == user.ID {
		event = EventTokenRefreshed
	}
	c.mu.RUnlock()

	c.store(&session, event)
	return session, nil
}

// UpdateUser changes the signed-in user's attributes and emits USER_UPDATED
func (c *Client) UpdateUser(ctx context.Context, attrs UserAttributes) (User, error) {
	token := c.AccessToken(ctx)
	if token == "" {
		return User{}, ErrNoSession
	}

	body, err := c.do(ctx, http.MethodPut, "/user", nil, token, attrs)
	if err != nil {
		return User{}, err
	}
	user, err := c.users.Decode(body)
	if err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}

	c.mu.Lock()
	if c.session == nil || c.session.AccessToken != token {
		c.mu.Unlock()
		return user, nil
	}
	updated := *c.session
	updated.User = user
	c.session = &updated
	c.mu.Unlock()

	c.feed.Publish(StateChange{Event: EventUserUpdated, Session: &updated})
	return user, nil
}

// ResetPasswordForEmail sends a recovery link. Following it signs the user in
// with a PASSWORD_RECOVERY event delivered by the event source.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	_, err := c.do(ctx, http.MethodPost, "/recover", query, "", map[string]string{"email": email})
	return err
}

// OnAuthStateChange subscribes to auth state changes. The first event is
// INITIAL_SESSION with the current session. The channel is closed after the
// returned function is called or ctx ends.
func (c *Client) OnAuthStateChange(ctx context.Context) (<-chan StateChange, func(), error) {
	initial := StateChange{Event: EventInitialSession}
	if s, ok := c.GetSession(); ok {
		initial.Session = &s
	}
	return c.feed.Subscribe(ctx, &initial)
}

// Feed returns the state change feed
func (c *Client) Feed() *Feed {
	return c.feed
}

// Close ends every subscription and releases idle connections
func (c *Client) Close() {
	c.feed.Close()
	c.httpClient.CloseIdleConnections()
}

func (c *Client) fetchUser(ctx context.Context, token string) (User, error) {
	body, err := c.do(ctx, http.MethodGet, "/user", nil, token, nil)
	if err != nil {
		return User{}, err
	}
	user, err := c.users.Decode(body)
	if err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return user, nil
}

// store replaces the current session and broadcasts event
func (c *Client) store(session *Session, event EventKind) {
	var published *Session
	c.mu.Lock()
	if session == nil {
		c.session = nil
	} else {
		s := *session
		c.session = &s
		published = &s
	}
	c.mu.Unlock()

	c.logger.Debug().Str("event", string(event)).Msg("auth state changed")
	c.feed.Publish(StateChange{Event: event, Session: published})
}

// do sends one request and returns the body of a 2xx response. token, when
// set, replaces the API key as bearer.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, payload any) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("auth request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp.StatusCode, body)
	}
	return body, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it
func tokenExpiry(token string) (int64, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return 0, false
	}
	return claims.Exp, true
}
