package authmw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/authmw/store"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSession struct {
	subject      string
	issuer       string
	serverIssuer string
	profile      *Profile
	profileErr   error
}

func (s *fakeSession) Subject() string      { return s.subject }
func (s *fakeSession) Issuer() string       { return s.issuer }
func (s *fakeSession) ServerIssuer() string { return s.serverIssuer }

func (s *fakeSession) Profile(ctx context.Context) (*Profile, error) {
	return s.profile, s.profileErr
}

type fakeClient struct {
	params ClientParams

	mu           sync.Mutex
	authorizeErr error
	authorized   []AuthorizeOptions
	callbackRes  *CallbackResult
	callbackErr  error
	sessions     map[string]*fakeSession
	restoreErr   error
	revoked      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{sessions: map[string]*fakeSession{}}
}

func (c *fakeClient) Authorize(ctx context.Context, handle string, opts AuthorizeOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authorizeErr != nil {
		return "", c.authorizeErr
	}
	c.authorized = append(c.authorized, opts)
	return "https://auth.example.com/authorize?login_hint=" + url.QueryEscape(handle), nil
}

func (c *fakeClient) Callback(ctx context.Context, params url.Values) (*CallbackResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbackErr != nil {
		return nil, c.callbackErr
	}
	if params.Get("code") == "" {
		return nil, errors.New("missing code")
	}
	return c.callbackRes, nil
}

func (c *fakeClient) Restore(ctx context.Context, subject string) (OAuthSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restoreErr != nil {
		return nil, c.restoreErr
	}
	sess, ok := c.sessions[subject]
	if !ok {
		return nil, fmt.Errorf("no session for %s", subject)
	}
	return sess, nil
}

func (c *fakeClient) Revoke(ctx context.Context, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked = append(c.revoked, subject)
	delete(c.sessions, subject)
	return nil
}

func (c *fakeClient) ClientMetadata() any {
	return c.params.Metadata
}

type testEnv struct {
	mw        *Middleware
	client    *fakeClient
	factories atomic.Int32
	handler   http.Handler
	// subject seen by the wrapped handler on the last pass-through
	lastSubject atomic.Value
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg Config, openStore func(ctx context.Context, path string, logger *slog.Logger) (*gorm.DB, error)) *testEnv {
	t.Helper()
	env := &testEnv{client: newFakeClient()}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "authmw.sqlite")
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = func(ctx context.Context, params ClientParams) (OAuthClient, error) {
			env.factories.Add(1)
			env.client.params = params
			return env.client, nil
		}
	}

	mw, err := newMiddleware(cfg, openStore)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mw.Close() })
	env.mw = mw

	env.handler = mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, _ := SubjectFromContext(r.Context())
		env.lastSubject.Store(sub)
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprintf(w, "app: %s", r.URL.Path)
	}))
	return env
}

func (env *testEnv) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-env.mw.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("middleware never finished bootstrapping")
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "localhost:3000"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return env.do(req)
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// opens the real store, but only once release is closed
func gatedStore(release <-chan struct{}) func(ctx context.Context, path string, logger *slog.Logger) (*gorm.DB, error) {
	return func(ctx context.Context, path string, logger *slog.Logger) (*gorm.DB, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return store.Open(path, logger)
	}
}
