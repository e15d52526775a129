package atprotoclient

import (
	"context"
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

	"github.com/bluesky-social/indigo/atproto/auth/oauth"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultStateTTL  = 10 * time.Minute
	defaultIssuerTTL = 10 * time.Minute
	httpTimeout      = 15 * time.Second
)

var (
	ErrUnknownState = errors.New("unknown or already used state parameter")
	ErrStateExpired = errors.New("authorization attempt expired")
	ErrNoSession    = errors.New("no oauth session for account")
)

type Config struct {
	// Handle and DID lookups. Defaults to identity.DefaultDirectory().
	Directory identity.Directory

	// Used for auth server requests. Requests carry single-use DPoP nonces, so this client must not retry on its own.
	HTTPClient *http.Client

	// How long a started login may take to come back through the callback.
	StateTTL time.Duration

	// How long an authorization server's advertised issuer is trusted before being fetched again.
	IssuerCacheTTL time.Duration
}

// Client runs atproto OAuth through indigo's ClientApp, persisting requests and sessions in the middleware's tables.
type Client struct {
	app      *oauth.ClientApp
	dir      identity.Directory
	store    *authStore
	lock     *store.Lock
	logger   *slog.Logger
	metadata authmw.ClientMetadata
	loopback bool

	issuers *expirable.LRU[string, string]
	// fetches the issuer advertised in the auth server's metadata document
	fetchIssuer func(ctx context.Context, serverURL string) (string, error)
}

// Factory adapts New to authmw.Config.ClientFactory.
func Factory(cfg Config) authmw.ClientFactory {
	return func(ctx context.Context, params authmw.ClientParams) (authmw.OAuthClient, error) {
		return New(ctx, cfg, params)
	}
}

func New(ctx context.Context, cfg Config, params authmw.ClientParams) (*Client, error) {
	if params.States == nil || params.Sessions == nil || params.Lock == nil {
		return nil, fmt.Errorf("atprotoclient: state table, session table and lock are required")
	}
	if len(params.Metadata.RedirectURIs) == 0 {
		return nil, fmt.Errorf("atprotoclient: client metadata has no redirect URI")
	}
	scopes := strings.Fields(params.Metadata.Scope)
	if !slices.Contains(scopes, "atproto") {
		return nil, fmt.Errorf("atprotoclient: scope %q does not include atproto", params.Metadata.Scope)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.Directory
	if dir == nil {
		dir = identity.DefaultDirectory()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(cleanhttp.DefaultPooledTransport()),
		}
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}
	issuerTTL := cfg.IssuerCacheTTL
	if issuerTTL <= 0 {
		issuerTTL = defaultIssuerTTL
	}

	callbackURL := params.Metadata.RedirectURIs[0]
	loopback := strings.HasPrefix(params.Metadata.ClientID, "http://localhost")
	var config oauth.ClientConfig
	if loopback {
		config = oauth.NewLocalhostConfig(callbackURL, scopes)
	} else {
		config = oauth.NewPublicConfig(params.Metadata.ClientID, callbackURL, scopes)
	}

	st := &authStore{states: params.States, sessions: params.Sessions, stateTTL: stateTTL}
	app := oauth.NewClientApp(&config, st)
	app.Dir = dir
	app.Client = httpClient

	c := &Client{
		app:      app,
		dir:      dir,
		store:    st,
		lock:     params.Lock,
		logger:   logger.With("component", "atprotoclient"),
		metadata: params.Metadata,
		loopback: loopback,
		issuers:  expirable.NewLRU[string, string](256, nil, issuerTTL),
	}
	c.fetchIssuer = func(ctx context.Context, serverURL string) (string, error) {
		meta, err := app.Resolver.ResolveAuthServerMetadata(ctx, serverURL)
		if err != nil {
			return "", err
		}
		return meta.Issuer, nil
	}
	return c, nil
}

// ClientMetadata is the document authorization servers fetch from the client_id URL.
func (c *Client) ClientMetadata() any {
	meta := c.app.Config.ClientMetadata()
	if name := c.metadata.ClientName; name != "" {
		meta.ClientName = &name
	}
	// client_uri must share the client_id's host, which a loopback client doesn't have
	if uri := c.metadata.ClientURI; uri != "" && !c.loopback {
		meta.ClientURI = &uri
	}
	return meta
}

func lockName(did syntax.DID) string {
	return "oauth-session:" + did.String()
}

// resolves the login identifier up front, so resolution failures are reported as such rather than as a generic auth flow error
func (c *Client) lookup(ctx context.Context, raw string) (*identity.Identity, error) {
	if strings.HasPrefix(raw, "did:") {
		did, err := syntax.ParseDID(raw)
		if err != nil {
			return nil, err
		}
		return c.dir.LookupDID(ctx, did)
	}
	handle, err := syntax.ParseHandle(raw)
	if err != nil {
		return nil, err
	}
	return c.dir.LookupHandle(ctx, handle)
}

// Authorize resolves the handle (or DID) to its PDS and authorization server, sends a pushed authorization request, and returns the authorization URL.
func (c *Client) Authorize(ctx context.Context, handle string, opts authmw.AuthorizeOptions) (string, error) {
	ident, err := c.lookup(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("%w: couldn't resolve %s: %s", authmw.ErrIdentityResolution, handle, err)
	}
	if ident.PDSEndpoint() == "" {
		return "", fmt.Errorf("%w: %s has no PDS", authmw.ErrIdentityResolution, handle)
	}
	if opts.Scope != "" && opts.Scope != c.metadata.Scope {
		c.logger.Warn("ignoring per-login scope, the client metadata scope is used", "scope", opts.Scope)
	}

	redirectURL, err := c.app.StartAuthFlow(withAppState(ctx, opts.State), handle)
	if err != nil {
		return "", fmt.Errorf("start auth flow: %w", err)
	}
	return redirectURL, nil
}

// Callback completes an authorization attempt. Each state parameter is accepted at most once.
func (c *Client) Callback(ctx context.Context, params url.Values) (*authmw.CallbackResult, error) {
	if e := params.Get("error"); e != "" {
		return nil, fmt.Errorf("authorization server returned %q: %s", e, params.Get("error_description"))
	}

	// taking the row here makes concurrent replays of one callback lose before any token request is sent
	row, err := c.store.takeRequest(ctx, params.Get("state"))
	if err != nil {
		return nil, err
	}

	data, err := c.app.ProcessCallback(withTakenRequest(ctx, row), params)
	if err != nil {
		return nil, fmt.Errorf("process callback: %w", err)
	}

	c.logger.Info("oauth session created", "did", data.AccountDID, "authServer", data.AuthServerURL)
	return &authmw.CallbackResult{
		Session: &Session{client: c, data: *data, serverIssuer: data.AuthServerURL},
		State:   row.AppState,
	}, nil
}

func (c *Client) serverIssuer(ctx context.Context, serverURL string) (string, error) {
	if iss, ok := c.issuers.Get(serverURL); ok {
		return iss, nil
	}
	iss, err := c.fetchIssuer(ctx, serverURL)
	if err != nil {
		return "", fmt.Errorf("fetch auth server metadata: %w", err)
	}
	c.issuers.Add(serverURL, iss)
	return iss, nil
}

// Restore loads the account's session. Tokens are refreshed on use, see [Session.WithAPIClient].
func (c *Client) Restore(ctx context.Context, subject string) (authmw.OAuthSession, error) {
	did, err := syntax.ParseDID(subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a DID", ErrNoSession, subject)
	}

	data, err := store.RunExclusive(ctx, c.lock, lockName(did), func(ctx context.Context) (*oauth.ClientSessionData, error) {
		return c.store.GetSession(ctx, did, "")
	})
	if err != nil {
		return nil, err
	}

	iss, err := c.serverIssuer(ctx, data.AuthServerURL)
	if err != nil {
		return nil, err
	}
	return &Session{client: c, data: *data, serverIssuer: iss}, nil
}

// Revoke deletes the account's session.
func (c *Client) Revoke(ctx context.Context, subject string) error {
	did, err := syntax.ParseDID(subject)
	if err != nil {
		// nothing is ever stored under a non-DID subject
		return nil
	}
	return c.lock.Run(ctx, lockName(did), func(ctx context.Context) error {
		return c.app.Store.DeleteSession(ctx, did, "")
	})
}
