package atprotoclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bluesky-social/authmw/authmw"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/auth/oauth"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

const profileCollection = "app.bsky.actor.profile"

// Session is a restored atproto OAuth session. Implements authmw.OAuthSession.
type Session struct {
	client       *Client
	data         oauth.ClientSessionData
	serverIssuer string
}

func (s *Session) Subject() string {
	return s.data.AccountDID.String()
}

func (s *Session) Issuer() string {
	return s.data.AuthServerURL
}

func (s *Session) ServerIssuer() string {
	return s.serverIssuer
}

// Host is the account's PDS, which authenticated calls go to.
func (s *Session) Host() string {
	return s.data.HostURL
}

// WithAPIClient runs fn with an API client authenticated as the account.
//
// fn runs under the account's lock against the latest stored tokens. If the client refreshes its tokens while fn runs, the new tokens are stored before the lock is released.
func (s *Session) WithAPIClient(ctx context.Context, fn func(ctx context.Context, c *atclient.APIClient) error) error {
	did := s.data.AccountDID
	return s.client.lock.Run(ctx, lockName(did), func(ctx context.Context) error {
		sess, err := s.client.app.ResumeSession(ctx, did, s.data.SessionID)
		if err != nil {
			return fmt.Errorf("resume oauth session: %w", err)
		}
		before := *sess.Data

		fnErr := fn(ctx, sess.APIClient())
		if err := s.persistIfChanged(ctx, before, sess.Data); err != nil {
			return err
		}
		return fnErr
	})
}

// Refresh exchanges the refresh token for new tokens. A session the auth server refuses to refresh is deleted.
func (s *Session) Refresh(ctx context.Context) error {
	did := s.data.AccountDID
	return s.client.lock.Run(ctx, lockName(did), func(ctx context.Context) error {
		sess, err := s.client.app.ResumeSession(ctx, did, s.data.SessionID)
		if err != nil {
			return fmt.Errorf("resume oauth session: %w", err)
		}
		if _, err := sess.RefreshTokens(ctx); err != nil {
			// an abandoned request says nothing about the session itself
			if ctx.Err() == nil {
				s.client.logger.Warn("deleting unusable oauth session", "did", did, "reason", err)
				if derr := s.client.app.Store.DeleteSession(ctx, did, s.data.SessionID); derr != nil {
					s.client.logger.Error("failed to delete oauth session", "did", did, "err", derr)
				}
			}
			return fmt.Errorf("refresh tokens: %w", err)
		}
		if err := s.client.app.Store.SaveSession(ctx, *sess.Data); err != nil {
			return err
		}
		s.data = *sess.Data
		s.client.logger.Debug("refreshed oauth session", "did", did)
		return nil
	})
}

func (s *Session) persistIfChanged(ctx context.Context, before oauth.ClientSessionData, after *oauth.ClientSessionData) error {
	if after.AccessToken == before.AccessToken && after.RefreshToken == before.RefreshToken {
		return nil
	}
	if err := s.client.app.Store.SaveSession(ctx, *after); err != nil {
		return fmt.Errorf("saving refreshed oauth session: %w", err)
	}
	s.data = *after
	s.client.logger.Debug("refreshed oauth session", "did", after.AccountDID)
	return nil
}

// subset of app.bsky.actor.profile
type profileRecord struct {
	DisplayName string `json:"displayName"`
	Avatar      *struct {
		Ref struct {
			Link string `json:"$link"`
		} `json:"ref"`
		MimeType string `json:"mimeType"`
	} `json:"avatar"`
}

type getRecordOutput struct {
	URI   string        `json:"uri"`
	CID   string        `json:"cid"`
	Value profileRecord `json:"value"`
}

// Profile reads the account's app.bsky.actor.profile record from its PDS. The avatar is a getBlob URL on the same PDS.
func (s *Session) Profile(ctx context.Context) (*authmw.Profile, error) {
	var out getRecordOutput
	err := s.WithAPIClient(ctx, func(ctx context.Context, c *atclient.APIClient) error {
		return c.Get(ctx, syntax.NSID("com.atproto.repo.getRecord"), map[string]any{
			"repo":       s.data.AccountDID.String(),
			"collection": profileCollection,
			"rkey":       "self",
		}, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch profile record: %w", err)
	}

	profile := &authmw.Profile{DisplayName: out.Value.DisplayName}
	if av := out.Value.Avatar; av != nil && av.Ref.Link != "" {
		profile.Avatar = s.data.HostURL + "/xrpc/com.atproto.sync.getBlob?" + url.Values{
			"did": {s.data.AccountDID.String()},
			"cid": {av.Ref.Link},
		}.Encode()
	}
	return profile, nil
}
