package atprotoclient

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluesky-social/authmw/authmw"
	"github.com/bluesky-social/authmw/store"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/require"
)

const (
	testDID    = syntax.DID("did:plc:alice123")
	testHandle = syntax.Handle("alice.test")
	testIssuer = "https://auth.example.com"
)

func testParams(t *testing.T, clientID string) authmw.ClientParams {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "atproto.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })
	require.NoError(t, store.MigrateToLatest(context.Background(), db))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return authmw.ClientParams{
		Metadata: authmw.ClientMetadata{
			ClientID:     clientID,
			ClientName:   "Test App",
			ClientURI:    "https://app.example.com",
			RedirectURIs: []string{"https://app.example.com/client/callback"},
			Scope:        authmw.DefaultScope,
		},
		States:   store.StateTable(db),
		Sessions: store.SessionTable(db),
		Lock:     store.NewLock(db, store.LockOptions{RetryInterval: 5 * time.Millisecond, Logger: logger}),
		Logger:   logger,
	}
}

// client with an in-memory identity directory and a counted issuer lookup
func newTestClient(t *testing.T) (*Client, *identity.MockDirectory, *int) {
	t.Helper()
	dir := identity.NewMockDirectory()
	c, err := New(context.Background(), Config{Directory: dir}, testParams(t, "https://app.example.com/oauth-client-metadata.json"))
	require.NoError(t, err)

	fetches := 0
	c.fetchIssuer = func(ctx context.Context, serverURL string) (string, error) {
		fetches++
		return testIssuer, nil
	}
	return c, dir, &fetches
}
