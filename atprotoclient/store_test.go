package atprotoclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/auth/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthRequestSingleUse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	c, _, _ := newTestClient(t)
	st := c.store

	info := oauth.AuthRequestData{
		State:         "state-1",
		AuthServerURL: testIssuer,
		Scopes:        []string{"atproto"},
		PKCEVerifier:  "verifier",
	}
	require.NoError(st.SaveAuthRequestInfo(withAppState(ctx, `{"loginRedirect":"/home"}`), info))

	row, err := st.takeRequest(ctx, "state-1")
	require.NoError(err)
	assert.Equal(info.PKCEVerifier, row.Request.PKCEVerifier)
	assert.Equal(`{"loginRedirect":"/home"}`, row.AppState)

	_, err = st.GetAuthRequestInfo(ctx, "state-1")
	assert.ErrorIs(err, ErrUnknownState)
	_, err = st.GetAuthRequestInfo(ctx, "")
	assert.ErrorIs(err, ErrUnknownState)

	// a request taken by the callback is handed over without touching the table
	got, err := st.GetAuthRequestInfo(withTakenRequest(ctx, row), "state-1")
	require.NoError(err)
	assert.Equal("verifier", got.PKCEVerifier)

	require.NoError(st.DeleteAuthRequestInfo(ctx, "state-1"))
}

func TestAuthRequestExpired(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c, _, _ := newTestClient(t)

	raw, err := json.Marshal(requestRow{
		Request:   oauth.AuthRequestData{State: "old"},
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(err)
	require.NoError(c.store.states.Set(ctx, "old", raw))

	_, err = c.store.GetAuthRequestInfo(ctx, "old")
	require.ErrorIs(err, ErrStateExpired)
}

func TestSessionStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	c, _, _ := newTestClient(t)
	st := c.store

	_, err := st.GetSession(ctx, testDID, "")
	assert.ErrorIs(err, ErrNoSession)

	data := oauth.ClientSessionData{
		AccountDID:    testDID,
		SessionID:     "sess-1",
		HostURL:       "https://pds.example.com",
		AuthServerURL: testIssuer,
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
	}
	require.NoError(st.SaveSession(ctx, data))

	got, err := st.GetSession(ctx, testDID, "sess-1")
	require.NoError(err)
	assert.Equal("access-1", got.AccessToken)

	// one session per account: a new login replaces the old one
	data.SessionID = "sess-2"
	require.NoError(st.SaveSession(ctx, data))
	_, err = st.GetSession(ctx, testDID, "sess-1")
	assert.ErrorIs(err, ErrNoSession)

	raw, err := c.store.sessions.Get(ctx, testDID.String())
	require.NoError(err)
	assert.Contains(string(raw), "sess-2")

	require.NoError(st.DeleteSession(ctx, testDID, "sess-2"))
	_, err = st.GetSession(ctx, testDID, "")
	assert.ErrorIs(err, ErrNoSession)
	require.NoError(st.DeleteSession(ctx, testDID, "sess-2"))
}
