package oidcclient

import (
	"context"
	"fmt"

	"github.com/bluesky-social/authmw/authmw"

	"golang.org/x/oauth2"
)

// Session is a restored OAuth session. Implements authmw.OAuthSession.
type Session struct {
	client *Client
	blob   sessionBlob
}

func (s *Session) Subject() string {
	return s.blob.Subject
}

func (s *Session) Issuer() string {
	return s.blob.Issuer
}

func (s *Session) ServerIssuer() string {
	return s.client.issuer
}

// Token returns the current access token, eg for calling the provider's APIs.
func (s *Session) Token() *oauth2.Token {
	return s.blob.Token
}

// Profile fetches name and picture from the userinfo endpoint, falling back to the ID token claims captured at login.
func (s *Session) Profile(ctx context.Context) (*authmw.Profile, error) {
	info, err := s.client.provider.UserInfo(s.client.httpContext(ctx), oauth2.StaticTokenSource(s.blob.Token))
	if err != nil {
		if s.blob.Claims.Name != "" || s.blob.Claims.Picture != "" {
			return &authmw.Profile{DisplayName: s.blob.Claims.Name, Avatar: s.blob.Claims.Picture}, nil
		}
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}

	var claims idClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse userinfo claims: %w", err)
	}
	return &authmw.Profile{DisplayName: claims.Name, Avatar: claims.Picture}, nil
}
