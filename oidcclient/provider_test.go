package oidcclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/authmw/authmw"
	"github.com/bluesky-social/authmw/store"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

const testSubject = "user-123"

// minimal OpenID provider: discovery, JWKS, token (code + refresh), userinfo and revocation
type fakeProvider struct {
	t      *testing.T
	srv    *httptest.Server
	signer jose.Signer
	jwks   jose.JSONWebKeySet

	mu          sync.Mutex
	codes       map[string]string
	accessTTL   int
	refreshTTL  int
	refreshes   int
	failRefresh bool
	noUserinfo  bool
	accessToken string
	revoked     []string
	issued      int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: "test-key", Algorithm: string(jose.RS256)}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	p := &fakeProvider{
		t:      t,
		signer: signer,
		jwks: jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "test-key", Algorithm: string(jose.RS256), Use: "sig"},
		}},
		codes:      map[string]string{},
		accessTTL:  3600,
		refreshTTL: 3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserinfo)
	mux.HandleFunc("/revoke", p.handleRevoke)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// registers a code the way the authorization endpoint would after the user consents
func (p *fakeProvider) issueCode(challenge string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued++
	code := fmt.Sprintf("code-%d", p.issued)
	p.codes[code] = challenge
	return code
}

func (p *fakeProvider) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	require.NoError(p.t, json.NewEncoder(w).Encode(v))
}

func (p *fakeProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := p.srv.URL
	p.writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"userinfo_endpoint":                     base + "/userinfo",
		"revocation_endpoint":                   base + "/revoke",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *fakeProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.writeJSON(w, http.StatusOK, p.jwks)
}

func (p *fakeProvider) idToken(clientID string) string {
	now := time.Now()
	claims, err := json.Marshal(map[string]any{
		"iss":                p.srv.URL,
		"sub":                testSubject,
		"aud":                clientID,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": "alice",
		"name":               "Alice Example",
		"email":              "alice@example.com",
	})
	require.NoError(p.t, err)
	obj, err := p.signer.Sign(claims)
	require.NoError(p.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(p.t, err)
	return raw
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	p.mu.Lock()
	defer p.mu.Unlock()

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		challenge, ok := p.codes[r.Form.Get("code")]
		delete(p.codes, r.Form.Get("code"))
		if !ok {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE mismatch"})
			return
		}
		p.accessToken = fmt.Sprintf("access-%d", p.issued)
		p.writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  p.accessToken,
			"token_type":    "Bearer",
			"refresh_token": "refresh-0",
			"expires_in":    p.accessTTL,
			"id_token":      p.idToken(r.Form.Get("client_id")),
		})
	case "refresh_token":
		p.refreshes++
		if p.failRefresh {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		p.accessToken = fmt.Sprintf("access-refreshed-%d", p.refreshes)
		p.writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  p.accessToken,
			"token_type":    "Bearer",
			"refresh_token": fmt.Sprintf("refresh-%d", p.refreshes),
			"expires_in":    p.refreshTTL,
		})
	default:
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *fakeProvider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noUserinfo || r.Header.Get("Authorization") != "Bearer "+p.accessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.writeJSON(w, http.StatusOK, map[string]any{
		"sub":     testSubject,
		"name":    "Alice From Userinfo",
		"picture": "https://cdn.example.com/alice.png",
	})
}

func (p *fakeProvider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, r.Form.Get("token"))
	w.WriteHeader(http.StatusOK)
}

func (p *fakeProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

func testParams(t *testing.T) authmw.ClientParams {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "oidc.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })
	require.NoError(t, store.MigrateToLatest(context.Background(), db))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return authmw.ClientParams{
		Metadata: authmw.ClientMetadata{
			ClientID:     "http://localhost?redirect_uri=http%3A%2F%2F127.0.0.1%3A3000%2Fclient%2Fcallback&scope=openid%20profile",
			RedirectURIs: []string{"http://127.0.0.1:3000/client/callback"},
		},
		States:   store.StateTable(db),
		Sessions: store.SessionTable(db),
		Lock:     store.NewLock(db, store.LockOptions{RetryInterval: 5 * time.Millisecond, Logger: logger}),
		Logger:   logger,
	}
}

// runs Authorize, plays the provider's consent step, and returns the callback query
func startLogin(t *testing.T, p *fakeProvider, c *Client, appState string) url.Values {
	t.Helper()
	authURL, err := c.Authorize(context.Background(), "alice.test", authmw.AuthorizeOptions{Scope: "openid profile", State: appState})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(authURL, p.srv.URL+"/authorize?"))

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "S256", q.Get("code_challenge_method"))

	return url.Values{
		"code":  {p.issueCode(q.Get("code_challenge"))},
		"state": {q.Get("state")},
	}
}
