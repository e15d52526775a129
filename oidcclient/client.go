package oidcclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/authmw/authmw"
	"github.com/bluesky-social/authmw/store"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	defaultStateTTL = 10 * time.Minute
	httpTimeout     = 15 * time.Second
)

var (
	ErrUnknownState   = errors.New("unknown or already used state parameter")
	ErrStateExpired   = errors.New("authorization attempt expired")
	ErrNoSession      = errors.New("no oauth session for subject")
	ErrSessionExpired = errors.New("oauth session expired and can't be refreshed")
)

type Config struct {
	// OpenID provider issuer URL; discovery is fetched from {Issuer}/.well-known/openid-configuration
	Issuer string

	// Overrides the client_id from the middleware's client metadata, for providers with pre-registered clients.
	ClientID     string
	ClientSecret string

	HTTPClient *http.Client

	// How long a started login may take to come back through the callback.
	StateTTL time.Duration
}

// Client runs the authorization code flow (with PKCE) against an OpenID provider, persisting its state and sessions in the middleware's tables.
type Client struct {
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	logger     *slog.Logger

	clientID     string
	clientSecret string
	redirectURL  string
	endpoint     oauth2.Endpoint
	metadata     authmw.ClientMetadata

	// as advertised by discovery
	issuer        string
	revocationURL string

	stateTTL         time.Duration
	states, sessions *store.Table
	lock             *store.Lock
}

type discoveryClaims struct {
	Issuer             string `json:"issuer"`
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// Factory adapts New to authmw.Config.ClientFactory.
func Factory(cfg Config) authmw.ClientFactory {
	return func(ctx context.Context, params authmw.ClientParams) (authmw.OAuthClient, error) {
		return New(ctx, cfg, params)
	}
}

// New fetches provider discovery and returns a ready client.
func New(ctx context.Context, cfg Config, params authmw.ClientParams) (*Client, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidcclient: issuer is required")
	}
	if params.States == nil || params.Sessions == nil || params.Lock == nil {
		return nil, fmt.Errorf("oidcclient: state table, session table and lock are required")
	}
	if len(params.Metadata.RedirectURIs) == 0 {
		return nil, fmt.Errorf("oidcclient: client metadata has no redirect URI")
	}
	if slices.Contains(strings.Fields(params.Metadata.Scope), "atproto") {
		return nil, fmt.Errorf("oidcclient: scope %q is an atproto scope, use the atprotoclient engine", params.Metadata.Scope)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(logger)
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}

	// the provider keeps this context for later JWKS fetches
	provider, err := oidc.NewProvider(oidc.ClientContext(context.Background(), httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}
	var disco discoveryClaims
	if err := provider.Claims(&disco); err != nil {
		return nil, fmt.Errorf("parse provider discovery: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = params.Metadata.ClientID
	}

	endpoint := provider.Endpoint()
	metadata := params.Metadata
	metadata.ClientID = clientID
	// plain bearer tokens: no DPoP proofs are sent
	metadata.DPoPBoundAccessTokens = false
	if cfg.ClientSecret == "" {
		// public client: client_id goes in the form body, there is nothing to authenticate with
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		metadata.TokenEndpointAuthMethod = "client_secret_basic"
	}

	return &Client{
		provider:      provider,
		verifier:      provider.Verifier(&oidc.Config{ClientID: clientID}),
		httpClient:    httpClient,
		logger:        logger.With("component", "oidcclient"),
		clientID:      clientID,
		clientSecret:  cfg.ClientSecret,
		redirectURL:   params.Metadata.RedirectURIs[0],
		endpoint:      endpoint,
		metadata:      metadata,
		issuer:        disco.Issuer,
		revocationURL: disco.RevocationEndpoint,
		stateTTL:      stateTTL,
		states:        params.States,
		sessions:      params.Sessions,
		lock:          params.Lock,
	}, nil
}

func (c *Client) oauth2Config(scope string) *oauth2.Config {
	scopes := strings.Fields(scope)
	hasOpenID := false
	for _, s := range scopes {
		if s == oidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     c.endpoint,
		RedirectURL:  c.redirectURL,
		Scopes:       scopes,
	}
}

func (c *Client) httpContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, c.httpClient)
}

func (c *Client) ClientMetadata() any {
	return c.metadata
}

// Authorize persists PKCE state for a new attempt and returns the provider's authorization URL. The handle is passed along as login_hint.
func (c *Client) Authorize(ctx context.Context, handle string, opts authmw.AuthorizeOptions) (string, error) {
	state, err := randomString(32)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	blob, err := json.Marshal(stateBlob{
		Verifier:  verifier,
		AppState:  opts.State,
		LoginHint: handle,
		Scope:     opts.Scope,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := c.states.Set(ctx, state, blob); err != nil {
		return "", fmt.Errorf("saving authorization state: %w", err)
	}

	authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if handle != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", handle))
	}
	return c.oauth2Config(opts.Scope).AuthCodeURL(state, authOpts...), nil
}

// Callback completes an authorization attempt. Each state parameter is accepted at most once.
func (c *Client) Callback(ctx context.Context, params url.Values) (*authmw.CallbackResult, error) {
	if e := params.Get("error"); e != "" {
		return nil, fmt.Errorf("authorization server returned %q: %s", e, params.Get("error_description"))
	}

	state := params.Get("state")
	if state == "" {
		return nil, ErrUnknownState
	}
	raw, err := c.states.Take(ctx, state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, err
	}

	var sb stateBlob
	if err := json.Unmarshal(raw, &sb); err != nil {
		return nil, fmt.Errorf("parse authorization state: %w", err)
	}
	if time.Since(sb.CreatedAt) > c.stateTTL {
		return nil, ErrStateExpired
	}

	code := params.Get("code")
	if code == "" {
		return nil, errors.New("code is required")
	}

	hctx := c.httpContext(ctx)
	token, err := c.oauth2Config(sb.Scope).Exchange(hctx, code, oauth2.VerifierOption(sb.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("id_token not found in OAuth2 token response")
	}
	idToken, err := c.verifier.Verify(hctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}

	now := time.Now().UTC()
	sess := sessionBlob{
		Issuer:    idToken.Issuer,
		Subject:   idToken.Subject,
		Scope:     sb.Scope,
		Token:     token,
		Claims:    claims,
		CreatedAt: now,
	}
	if err := c.saveSession(ctx, &sess); err != nil {
		return nil, err
	}

	c.logger.Info("oauth session created", "subject", sess.Subject, "issuer", sess.Issuer)
	return &authmw.CallbackResult{
		Session: &Session{client: c, blob: sess},
		State:   sb.AppState,
	}, nil
}

func (c *Client) saveSession(ctx context.Context, sess *sessionBlob) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := c.sessions.Set(ctx, sess.Subject, raw); err != nil {
		return fmt.Errorf("saving oauth session: %w", err)
	}
	return nil
}

func (c *Client) loadSession(ctx context.Context, subject string) (*sessionBlob, error) {
	raw, err := c.sessions.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	var sess sessionBlob
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parse oauth session: %w", err)
	}
	if sess.Token == nil {
		return nil, fmt.Errorf("oauth session for %s has no token", subject)
	}
	return &sess, nil
}

// Restore loads the subject's session, refreshing the access token if it has expired.
//
// Refresh runs under the cooperative lock for the subject, so concurrent requests (in this process or another sharing the database) never spend the same refresh token twice. A session which can't be refreshed is deleted.
func (c *Client) Restore(ctx context.Context, subject string) (authmw.OAuthSession, error) {
	sess, err := store.RunExclusive(ctx, c.lock, "oauth-session:"+subject, func(ctx context.Context) (*sessionBlob, error) {
		return c.refreshIfNeeded(ctx, subject)
	})
	if err != nil {
		return nil, err
	}
	return &Session{client: c, blob: *sess}, nil
}

// must hold the subject's lock
func (c *Client) refreshIfNeeded(ctx context.Context, subject string) (*sessionBlob, error) {
	sess, err := c.loadSession(ctx, subject)
	if errors.Is(err, ErrNoSession) {
		return nil, err
	}
	if err != nil {
		c.discardSession(ctx, subject, err)
		return nil, err
	}

	if sess.Token.Valid() {
		return sess, nil
	}
	if sess.Token.RefreshToken == "" {
		c.discardSession(ctx, subject, ErrSessionExpired)
		return nil, ErrSessionExpired
	}

	fresh, err := c.oauth2Config(sess.Scope).TokenSource(c.httpContext(ctx), sess.Token).Token()
	if err != nil {
		err = fmt.Errorf("refresh token: %w", err)
		// an abandoned request says nothing about the session itself
		if ctx.Err() == nil {
			c.discardSession(ctx, subject, err)
		}
		return nil, err
	}

	sess.Token = fresh
	sess.RefreshedAt = time.Now().UTC()
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	c.logger.Debug("refreshed oauth session", "subject", subject)
	return sess, nil
}

func (c *Client) discardSession(ctx context.Context, subject string, reason error) {
	c.logger.Warn("deleting unusable oauth session", "subject", subject, "reason", reason)
	if err := c.sessions.Delete(ctx, subject); err != nil {
		c.logger.Error("failed to delete oauth session", "subject", subject, "err", err)
	}
}

// Revoke deletes the subject's session. If the provider advertises a revocation endpoint, the refresh token is revoked there too (best effort).
func (c *Client) Revoke(ctx context.Context, subject string) error {
	return c.lock.Run(ctx, "oauth-session:"+subject, func(ctx context.Context) error {
		sess, err := c.loadSession(ctx, subject)
		if err == nil && c.revocationURL != "" {
			if err := c.revokeToken(ctx, sess.Token); err != nil {
				c.logger.Warn("token revocation failed", "subject", subject, "err", err)
			}
		}
		return c.sessions.Delete(ctx, subject)
	})
}

// RFC 7009
func (c *Client) revokeToken(ctx context.Context, token *oauth2.Token) error {
	form := url.Values{}
	if token.RefreshToken != "" {
		form.Set("token", token.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", token.AccessToken)
		form.Set("token_type_hint", "access_token")
	}
	if c.clientSecret == "" {
		form.Set("client_id", c.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func randomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random string: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
