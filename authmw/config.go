package authmw

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	DefaultMountPath  = "/client"
	DefaultScope      = "atproto transition:generic"
	DefaultClientName = "AT Protocol App"
)

type Config struct {
	// Location of the sqlite database file. Defaults to ~/.authmw/db/<binary>-authmw.sqlite
	DBPath string

	// Secret used to derive the session cookie keys. If empty, one is generated on first start and persisted in the database.
	CookieSecret string

	// Externally reachable base URL, eg "https://app.example.com". If empty, it is detected from the first request; a locally scoped host leaves the middleware in loopback client mode.
	PublicURL string

	// Path prefix for the login, callback, userinfo and logout routes. Defaults to DefaultMountPath.
	MountPath string

	// Local path users land on after a successful login.
	LoginRedirect string

	// Trust X-Forwarded-Proto and X-Forwarded-Host when detecting the public URL.
	TrustProxy bool

	// Development mode: logins without an explicit LoginRedirect land on the userinfo route.
	DevMode bool

	// OAuth scope requested at login. Defaults to DefaultScope.
	Scope string

	ClientName string

	// Required. Called once, on the first request after the public URL and paths are known.
	ClientFactory ClientFactory

	// Optional. Defaults to a resolver which reports the subject itself as the handle.
	ResolverFactory ResolverFactory

	// Bounds for the OAuth engine's cooperative lock. Zero means no timeout and no stale lock reclaim.
	LockTimeout    time.Duration
	LockStaleAfter time.Duration

	Logger *slog.Logger
}

var whitespace = regexp.MustCompile(`\s+`)

// DefaultDBPath returns the database location used when Config.DBPath is empty.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	name := "authmw.sqlite"
	if exe, err := os.Executable(); err == nil {
		name = filepath.Base(exe) + "-" + name
	}
	name = whitespace.ReplaceAllString(name, "-")
	return filepath.Join(home, ".authmw", "db", name), nil
}

func (c *Config) withDefaults() error {
	if c.ClientFactory == nil {
		return fmt.Errorf("authmw: ClientFactory is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ResolverFactory == nil {
		c.ResolverFactory = defaultResolverFactory
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.DBPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.DBPath = p
	}
	c.PublicURL = AssertPublicURL(c.PublicURL)
	c.MountPath = AssertPath(c.MountPath)
	return nil
}
