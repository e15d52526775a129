package authmw

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/bluesky-social/authmw/store"
)

// Wrapped by OAuth engines when a login can't start because the account identifier didn't resolve. The message of such errors is safe to show to the user.
var ErrIdentityResolution = errors.New("identity resolution failed")

type AuthorizeOptions struct {
	Scope string
	// Opaque application state, handed back unchanged by [OAuthClient.Callback].
	State string
}

type CallbackResult struct {
	Session OAuthSession
	State   string
}

// The OAuth protocol engine. It owns token exchange, refresh and proof generation; the middleware only routes requests to it.
type OAuthClient interface {
	// Returns the authorization server URL the user should be redirected to.
	Authorize(ctx context.Context, handle string, opts AuthorizeOptions) (string, error)
	// Completes the flow from the redirect query parameters.
	Callback(ctx context.Context, params url.Values) (*CallbackResult, error)
	// Loads the subject's session, refreshing tokens if needed.
	Restore(ctx context.Context, subject string) (OAuthSession, error)
	// Drops any server-side session state for the subject.
	Revoke(ctx context.Context, subject string) error
	// Document served at /oauth-client-metadata.json.
	ClientMetadata() any
}

type OAuthSession interface {
	Subject() string
	// Issuer recorded for the account's authorization server when the session was created.
	Issuer() string
	// Issuer currently advertised by the authorization server's metadata.
	ServerIssuer() string
	Profile(ctx context.Context) (*Profile, error)
}

type Profile struct {
	DisplayName string
	Avatar      string
}

type IdentityResolver interface {
	ResolveSubjectToHandle(ctx context.Context, subject string) (string, error)
}

// Everything an OAuth engine needs from the middleware. The tables and lock are the engine's persistence and concurrency back-end; their values are never interpreted by the middleware.
type ClientParams struct {
	Metadata ClientMetadata
	States   *store.Table
	Sessions *store.Table
	Lock     *store.Lock
	Logger   *slog.Logger
}

type ClientFactory func(ctx context.Context, params ClientParams) (OAuthClient, error)

type ResolverParams struct {
	Sessions *store.Table
	Logger   *slog.Logger
}

type ResolverFactory func(params ResolverParams) (IdentityResolver, error)

// OAuth client metadata document, as registered with authorization servers.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ApplicationType         string   `json:"application_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	DPoPBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
}

// Builds the metadata document for the resolved URLs.
//
// With no public URL the client is a loopback ("development") client, whose client_id carries the redirect URI and scope as query parameters instead of pointing at a hosted document.
func buildClientMetadata(clientName, publicURL, baseURL, basePath, scope string) ClientMetadata {
	redirectURI := basePath + "/callback"

	var clientID string
	if publicURL != "" {
		clientID = baseURL + "/oauth-client-metadata.json"
	} else {
		clientID = "http://localhost?redirect_uri=" + queryEscape(redirectURI) + "&scope=" + queryEscape(scope)
	}

	return ClientMetadata{
		ClientID:                clientID,
		ClientName:              clientName,
		ClientURI:               baseURL,
		RedirectURIs:            []string{redirectURI},
		Scope:                   scope,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ApplicationType:         "web",
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
	}
}

type subjectResolver struct{}

func (subjectResolver) ResolveSubjectToHandle(ctx context.Context, subject string) (string, error) {
	return subject, nil
}

func defaultResolverFactory(params ResolverParams) (IdentityResolver, error) {
	return subjectResolver{}, nil
}

// spaces as %20 rather than '+'
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
