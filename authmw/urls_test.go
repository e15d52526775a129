package authmw

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssertPath(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"   ", ""},
		{"foo", "/foo"},
		{"/foo", "/foo"},
		{"/foo/", "/foo"},
		{" /foo/bar/ ", "/foo/bar"},
		{"/", "/"},
	}
	for _, f := range fixtures {
		assert.Equal(f.out, AssertPath(f.in), "input: %q", f.in)
	}
}

func TestAssertPublicURL(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		in  string
		out string
	}{
		{"", ""},
		{"https://example.com/", "https://example.com"},
		{"https://Example.COM", "https://example.com"},
		{" https://example.com:8443/app/ ", "https://example.com:8443/app"},
		{"http://localhost:3000", ""},
		{"http://app.localhost", ""},
		{"http://127.0.0.1:8080", ""},
		{"http://10.1.2.3", ""},
		{"http://192.168.0.10", ""},
		{"http://172.16.0.1", ""},
		{"http://172.31.255.1", ""},
		{"http://172.32.0.1", "http://172.32.0.1"},
		{"http://[::1]:3000", ""},
		{"http://[fd00::1]", ""},
		{"http://8.8.8.8", "http://8.8.8.8"},
		{"ftp://x.com", InvalidPublicURL},
		{"example.com", InvalidPublicURL},
		{"http://", InvalidPublicURL},
		{"http://exa mple.com", InvalidPublicURL},
	}
	for _, f := range fixtures {
		assert.Equal(f.out, AssertPublicURL(f.in), "input: %q", f.in)
	}
}

func TestLocalBaseURL(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("http://127.0.0.1:3000", localBaseURL("localhost:3000"))
	assert.Equal("http://127.0.0.1", localBaseURL("localhost:80"))
	assert.Equal("http://127.0.0.1", localBaseURL("localhost"))
	assert.Equal("http://127.0.0.1:8080", localBaseURL("[::1]:8080"))
}

func TestSanitizeRedirect(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("/", sanitizeRedirect(""))
	assert.Equal("/dashboard", sanitizeRedirect("/dashboard"))
	assert.Equal("/a?b=c", sanitizeRedirect("/a?b=c"))
	assert.Equal("/", sanitizeRedirect("https://evil.example.com"))
	assert.Equal("/", sanitizeRedirect("//evil.example.com"))
	assert.Equal("/", sanitizeRedirect("/\\evil.example.com"))
}

func TestMountPrefix(t *testing.T) {
	assert := assert.New(t)

	req := httptest.NewRequest("GET", "/client/login?handle=a.test", nil)
	assert.Equal("", mountPrefix(req))

	req = httptest.NewRequest("GET", "/app/client/login", nil)
	req.URL.Path = "/client/login"
	assert.Equal("/app", mountPrefix(req))

	req = httptest.NewRequest("GET", "/a%20b/x", nil)
	assert.Equal("", mountPrefix(req))
}

func TestRequestOrigin(t *testing.T) {
	assert := assert.New(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "app.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "public.example.com, proxy.internal")

	assert.Equal("http", requestScheme(req, false))
	assert.Equal("app.example.com", requestHost(req, false))
	assert.Equal("https", requestScheme(req, true))
	assert.Equal("public.example.com", requestHost(req, true))
}
