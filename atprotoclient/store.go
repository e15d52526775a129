package atprotoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/authmw/store"

	"github.com/bluesky-social/indigo/atproto/auth/oauth"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// persisted in oauth_state, keyed by the PAR state parameter
type requestRow struct {
	Request   oauth.AuthRequestData `json:"request"`
	AppState  string                `json:"app_state,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

type appStateKey struct{}
type takenRequestKey struct{}

// the application state SaveAuthRequestInfo stores next to the request
func withAppState(ctx context.Context, state string) context.Context {
	return context.WithValue(ctx, appStateKey{}, state)
}

// a request row already removed from oauth_state, handed to GetAuthRequestInfo instead of a second read
func withTakenRequest(ctx context.Context, row *requestRow) context.Context {
	return context.WithValue(ctx, takenRequestKey{}, row)
}

// authStore implements oauth.ClientAuthStore over the middleware's tables.
//
// Sessions are keyed by account DID alone, so each account has at most one session; the session ID is checked on read.
type authStore struct {
	states   *store.Table
	sessions *store.Table
	stateTTL time.Duration
}

var _ oauth.ClientAuthStore = (*authStore)(nil)

func (s *authStore) GetSession(ctx context.Context, did syntax.DID, sessionID string) (*oauth.ClientSessionData, error) {
	raw, err := s.sessions.Get(ctx, did.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, did)
	}
	if err != nil {
		return nil, err
	}
	var data oauth.ClientSessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse oauth session: %w", err)
	}
	if sessionID != "" && data.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s (session %s replaced)", ErrNoSession, did, sessionID)
	}
	return &data, nil
}

func (s *authStore) SaveSession(ctx context.Context, sess oauth.ClientSessionData) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.sessions.Set(ctx, sess.AccountDID.String(), raw); err != nil {
		return fmt.Errorf("saving oauth session: %w", err)
	}
	return nil
}

func (s *authStore) DeleteSession(ctx context.Context, did syntax.DID, sessionID string) error {
	return s.sessions.Delete(ctx, did.String())
}

// GetAuthRequestInfo consumes the request: a state is handed out at most once.
func (s *authStore) GetAuthRequestInfo(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	if row, ok := ctx.Value(takenRequestKey{}).(*requestRow); ok && row.Request.State == state {
		return &row.Request, nil
	}
	row, err := s.takeRequest(ctx, state)
	if err != nil {
		return nil, err
	}
	return &row.Request, nil
}

func (s *authStore) SaveAuthRequestInfo(ctx context.Context, info oauth.AuthRequestData) error {
	appState, _ := ctx.Value(appStateKey{}).(string)
	raw, err := json.Marshal(requestRow{
		Request:   info,
		AppState:  appState,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.states.Set(ctx, info.State, raw); err != nil {
		return fmt.Errorf("saving authorization state: %w", err)
	}
	return nil
}

func (s *authStore) DeleteAuthRequestInfo(ctx context.Context, state string) error {
	return s.states.Delete(ctx, state)
}

func (s *authStore) takeRequest(ctx context.Context, state string) (*requestRow, error) {
	if state == "" {
		return nil, ErrUnknownState
	}
	raw, err := s.states.Take(ctx, state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, err
	}
	var row requestRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("parse authorization state: %w", err)
	}
	if time.Since(row.CreatedAt) > s.stateTTL {
		return nil, ErrStateExpired
	}
	return &row, nil
}
