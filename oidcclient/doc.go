// Package oidcclient is an authmw OAuth engine for OpenID Connect providers.
//
// Discovery, ID token verification and userinfo come from go-oidc; the authorization code flow with PKCE and token refresh from golang.org/x/oauth2. Authorization state and sessions are stored as JSON in the middleware's oauth_state and oauth_session tables, and token refresh is serialized per subject with the middleware's cooperative lock.
package oidcclient
