package authmw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

type invalidHandleResponse struct {
	Handle string `json:"handle"`
	Error  string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type UserInfo struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type userInfoResponse struct {
	User  *UserInfo `json:"user"`
	Error string    `json:"error,omitempty"`
}

// application state round-tripped through the OAuth engine
type loginState struct {
	LoginRedirect string `json:"loginRedirect"`
}

var routeMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

func (m *Middleware) registerRoutes(prefix string) {
	m.route("/oauth-client-metadata.json", m.handleClientMetadata, http.MethodGet)
	m.route(prefix+"/login", m.handleLogin, http.MethodGet)
	m.route(prefix+"/callback", m.handleCallback, http.MethodGet)
	m.route(prefix+"/userinfo", m.handleUserInfo, http.MethodGet)
	m.route(prefix+"/logout", m.handleLogout, http.MethodGet, http.MethodPost)
}

// registers h for the given methods; every other method on the same path goes to the wrapped handler
func (m *Middleware) route(path string, h echo.HandlerFunc, methods ...string) {
	m.echo.Match(methods, path, h)

	var others []string
	for _, method := range routeMethods {
		handled := false
		for _, hm := range methods {
			if hm == method {
				handled = true
				break
			}
		}
		if !handled {
			others = append(others, method)
		}
	}
	m.echo.Match(others, path, m.passThrough)
}

func stateFrom(c echo.Context) *resolvedState {
	return c.Get(stateKey).(*resolvedState)
}

func jsonResponse(c echo.Context, code int, v any) error {
	return c.JSONPretty(code, v, "  ")
}

// Anything which isn't one of our routes is handed to the wrapped handler, with the logged in subject attached.
func (m *Middleware) passThrough(c echo.Context) error {
	r := c.Request()
	next := nextFromContext(r.Context())
	if next == nil {
		return echo.ErrNotFound
	}

	st := stateFrom(c)
	sess := loadCookieSession(st.cookies, c.Response(), r)
	if sub := sess.Subject(); sub != "" {
		r = r.WithContext(withSubject(r.Context(), sub))
	}
	next.ServeHTTP(c.Response(), r)
	return nil
}

func (m *Middleware) handleClientMetadata(c echo.Context) error {
	return jsonResponse(c, http.StatusOK, stateFrom(c).client.ClientMetadata())
}

func (m *Middleware) handleLogin(c echo.Context) error {
	ctx := c.Request().Context()
	st := stateFrom(c)

	handle := c.QueryParam("handle")
	if !IsValidHandle(handle) {
		return jsonResponse(c, http.StatusBadRequest, invalidHandleResponse{Handle: handle, Error: "invalid handle"})
	}

	// browsers speculatively loading the link must not start a flow
	if isSpeculative(c.Request()) {
		return c.NoContent(http.StatusNoContent)
	}

	appState, err := json.Marshal(loginState{LoginRedirect: st.loginRedirect})
	if err != nil {
		return err
	}

	redirect, err := st.client.Authorize(ctx, handle, AuthorizeOptions{
		Scope: m.cfg.Scope,
		State: string(appState),
	})
	if err != nil {
		m.logger.Error("oauth authorize failed", "handle", handle, "err", err)
		if errors.Is(err, ErrIdentityResolution) {
			return jsonResponse(c, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return jsonResponse(c, http.StatusInternalServerError, errorResponse{Error: "couldn't initiate login"})
	}

	loginsStarted.Inc()
	return c.Redirect(http.StatusFound, redirect)
}

func isSpeculative(r *http.Request) bool {
	purpose := r.Header.Get("Sec-Purpose")
	if purpose == "" {
		purpose = r.Header.Get("Purpose")
	}
	parts := strings.FieldsFunc(purpose, func(r rune) bool { return r == ';' || r == ',' })
	for _, p := range parts {
		switch strings.TrimSpace(p) {
		case "prefetch", "prerender":
			return true
		}
	}
	return false
}

func (m *Middleware) handleCallback(c echo.Context) error {
	ctx := c.Request().Context()
	st := stateFrom(c)

	res, err := st.client.Callback(ctx, c.QueryParams())
	if err != nil {
		m.logger.Error("oauth callback failed", "err", err)
		callbacksCompleted.WithLabelValues("error").Inc()
		return c.Redirect(http.StatusFound, "/?error")
	}

	sess := loadCookieSession(st.cookies, c.Response(), c.Request())
	sess.SetSubject(res.Session.Subject())
	if err := sess.Save(); err != nil {
		m.logger.Error("failed to save session cookie", "err", err)
		callbacksCompleted.WithLabelValues("error").Inc()
		return c.Redirect(http.StatusFound, "/?error")
	}
	callbacksCompleted.WithLabelValues("ok").Inc()

	redirect := "/"
	if res.State != "" {
		var ls loginState
		if err := json.Unmarshal([]byte(res.State), &ls); err != nil {
			m.logger.Warn("discarding unparseable login state from oauth callback", "err", err)
		} else {
			redirect = sanitizeRedirect(ls.LoginRedirect)
		}
	}
	return c.Redirect(http.StatusFound, redirect)
}

func (m *Middleware) handleUserInfo(c echo.Context) error {
	ctx := c.Request().Context()
	st := stateFrom(c)

	sess := loadCookieSession(st.cookies, c.Response(), c.Request())
	subject := sess.Subject()
	if subject == "" {
		return jsonResponse(c, http.StatusOK, userInfoResponse{})
	}

	oauthSess, err := st.client.Restore(ctx, subject)
	if err != nil {
		m.logger.Warn("oauth restore failed", "subject", subject, "err", err)
		if err := sess.Destroy(); err != nil {
			m.logger.Warn("failed to clear session cookie", "err", err)
		}
		return jsonResponse(c, http.StatusOK, userInfoResponse{Error: "oauth restore failed"})
	}

	if iss := oauthSess.Issuer(); iss == "" || iss != oauthSess.ServerIssuer() {
		return jsonResponse(c, http.StatusOK, userInfoResponse{Error: "invalid issuer"})
	}

	info, err := m.userInfo(ctx, oauthSess)
	if err != nil {
		return err
	}
	return jsonResponse(c, http.StatusOK, userInfoResponse{User: info})
}

// handle and profile are fetched concurrently; a missing profile is not an error
func (m *Middleware) userInfo(ctx context.Context, sess OAuthSession) (*UserInfo, error) {
	info := &UserInfo{DID: sess.Subject()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		handle, err := m.resolver.ResolveSubjectToHandle(gctx, info.DID)
		if err != nil {
			return fmt.Errorf("resolving handle for %s: %w", info.DID, err)
		}
		info.Handle = handle
		return nil
	})
	var profile *Profile
	g.Go(func() error {
		p, err := sess.Profile(gctx)
		if err != nil {
			m.logger.Debug("profile fetch failed", "subject", info.DID, "err", err)
			return nil
		}
		profile = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if profile != nil {
		info.DisplayName = profile.DisplayName
		info.Avatar = profile.Avatar
	}
	return info, nil
}

func (m *Middleware) handleLogout(c echo.Context) error {
	ctx := c.Request().Context()
	st := stateFrom(c)

	sess := loadCookieSession(st.cookies, c.Response(), c.Request())
	if sub := sess.Subject(); sub != "" {
		if err := st.client.Revoke(ctx, sub); err != nil {
			m.logger.Warn("failed to revoke oauth session", "subject", sub, "err", err)
		}
	}
	if err := sess.Destroy(); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, "/")
}
