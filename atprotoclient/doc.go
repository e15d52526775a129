// Package atprotoclient is the authmw OAuth engine for atproto accounts.
//
// The protocol exchange (PAR, PKCE, DPoP-bound tokens, token refresh) is run by indigo's oauth.ClientApp. This package backs the app's ClientAuthStore with the middleware's oauth_state and oauth_session tables, resolves handles and DIDs through an identity.Directory, and serializes every authenticated call for an account under the middleware's cooperative lock, so a token refresh triggered by one request is never raced by another.
package atprotoclient
