package authmw

import (
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Marker returned by [AssertPublicURL] for input that can never be a usable public URL.
const InvalidPublicURL = "invalid"

var private172 = regexp.MustCompile(`^172\.(1[6-9]|2\d|3[0-1])\.`)

// Normalizes a URL path: leading slash added, single trailing slash removed. Blank input stays blank.
func AssertPath(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// Normalizes a configured (or detected) public URL.
//
// The result is lowercased with no trailing slash. A locally scoped host yields "", the same as blank input, and anything that isn't an http(s) URL yields [InvalidPublicURL].
func AssertPublicURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}

	u = strings.ToLower(u)
	u = strings.TrimSuffix(u, "/")
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return InvalidPublicURL
	}

	parsed, err := url.Parse(u)
	if err != nil || parsed.Hostname() == "" {
		return InvalidPublicURL
	}
	if isLocalHostname(parsed.Hostname()) {
		return ""
	}
	return u
}

// hosts only reachable from this machine or a private network
func isLocalHostname(hostname string) bool {
	host := strings.ToLower(hostname)

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	if ip.To4() != nil && !strings.Contains(host, ":") {
		return strings.HasPrefix(host, "127.") ||
			strings.HasPrefix(host, "10.") ||
			strings.HasPrefix(host, "192.168.") ||
			private172.MatchString(host)
	}

	return host == "::1" ||
		strings.HasPrefix(host, "fc") ||
		strings.HasPrefix(host, "fd")
}

// Base URL used when no public URL is known: loopback, keeping the request's port unless it is 80.
func localBaseURL(host string) string {
	port := ""
	if _, p, err := net.SplitHostPort(host); err == nil {
		port = p
	}
	if port == "" || port == "80" {
		return "http://127.0.0.1"
	}
	return "http://127.0.0.1:" + port
}

// Only same-origin absolute paths are allowed as post-login redirects.
func sanitizeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}
