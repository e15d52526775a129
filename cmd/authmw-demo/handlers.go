package main

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/bluesky-social/authmw/authmw"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type WhoamiResponse struct {
	LoggedIn bool   `json:"loggedIn"`
	Subject  string `json:"subject,omitempty"`
}

var homeTmpl = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>authmw demo</title></head>
<body>
{{if .Subject}}
<p>Logged in as <code>{{.Subject}}</code></p>
<p><a href="{{.MountPath}}/userinfo">userinfo</a></p>
<form method="post" action="{{.MountPath}}/logout"><button type="submit">Log out</button></form>
{{else}}
<form method="get" action="{{.MountPath}}/login">
<input name="handle" placeholder="alice.example.com">
<button type="submit">Log in</button>
</form>
{{end}}
</body>
</html>
`))

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		slog.Warn("authmw-demo-http-internal-error", "err", err)
	}
	if err := c.JSON(code, GenericStatus{Status: "error", Daemon: "authmw-demo", Message: errorMessage}); err != nil {
		slog.Warn("failed to write error response", "err", err)
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "authmw-demo"})
}

// subject of the logged in account, also recorded on the request span
func requestSubject(c echo.Context) string {
	ctx := c.Request().Context()
	sub, ok := authmw.SubjectFromContext(ctx)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("authmw.logged_in", ok))
	return sub
}

func (srv *Server) HandleHome(c echo.Context) error {
	var buf bytes.Buffer
	err := homeTmpl.Execute(&buf, map[string]string{
		"Subject":   requestSubject(c),
		"MountPath": srv.mountPath,
	})
	if err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (srv *Server) HandleWhoami(c echo.Context) error {
	sub := requestSubject(c)
	return c.JSON(http.StatusOK, WhoamiResponse{LoggedIn: sub != "", Subject: sub})
}
