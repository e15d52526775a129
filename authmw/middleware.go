package authmw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/authmw/store"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"
)

var (
	ErrNotMountedAtRoot = errors.New("authmw must be mounted at the application root")
	ErrInvalidPublicURL = errors.New("invalid public URL")
)

const invalidPublicURLMessage = "Invalid publicUrl provided! Valid example: https://example.com"

// Middleware is an HTTP middleware which handles OAuth login for a wrapped application.
//
// Construction returns immediately; the database is opened, migrated and the cookie secret provisioned in the background. Until that completes requests get a 503. Anything that depends on the public URL (routes, the OAuth client and its metadata document) is set up by the first request which gets through the gate.
type Middleware struct {
	cfg    Config
	logger *slog.Logger
	echo   *echo.Echo

	// closed when the eager bootstrap phase finishes; the fields below it are written only before the close
	booted   chan struct{}
	initErr  error
	db       *gorm.DB
	keys     *cookieKeys
	resolver IdentityResolver
	lock     *store.Lock
	cancel   context.CancelFunc

	// set exactly once, after request-triggered resolution has fully completed
	state atomic.Pointer[resolvedState]

	// guards the lazy resolution fields
	mu         sync.Mutex
	urlErr     error
	publicURL  string
	baseURL    string
	prefix     string
	basePath   string
	registered bool
	client     OAuthClient

	closeOnce sync.Once
	closeErr  error

	// overridden in tests
	openStore func(ctx context.Context, path string, logger *slog.Logger) (*gorm.DB, error)
}

// Outcome of request-triggered resolution. Immutable once published.
type resolvedState struct {
	publicURL     string
	baseURL       string
	prefix        string
	basePath      string
	loginRedirect string
	client        OAuthClient
	cookies       *sessions.CookieStore
}

const stateKey = "authmw.state"

func New(cfg Config) (*Middleware, error) {
	return newMiddleware(cfg, nil)
}

func newMiddleware(cfg Config, openStore func(ctx context.Context, path string, logger *slog.Logger) (*gorm.DB, error)) (*Middleware, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	if openStore == nil {
		openStore = func(ctx context.Context, path string, logger *slog.Logger) (*gorm.DB, error) {
			return store.Open(path, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Middleware{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "authmw"),
		booted:    make(chan struct{}),
		cancel:    cancel,
		openStore: openStore,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = m.errorHandler
	e.Pre(m.gate)
	e.Use(middleware.Recover())
	e.RouteNotFound("/*", m.passThrough)
	m.echo = e

	go m.bootstrap(ctx)

	return m, nil
}

// eager phase: runs once, concurrently with early requests
func (m *Middleware) bootstrap(ctx context.Context) {
	start := time.Now()
	err := m.initialize(ctx)
	if err != nil {
		m.initErr = err
		m.logger.Error("authmw initialization failed", "err", err)
		bootstrapDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
	} else {
		m.logger.Info("authmw initialized", "db", m.cfg.DBPath, "duration", time.Since(start))
		bootstrapDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	}
	close(m.booted)
}

func (m *Middleware) initialize(ctx context.Context) error {
	db, err := m.openStore(ctx, m.cfg.DBPath, m.logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	m.db = db

	if err := store.MigrateToLatest(ctx, db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	secret := m.cfg.CookieSecret
	if secret == "" {
		secret, err = store.GetOrCreateSecret(ctx, db)
		if err != nil {
			return fmt.Errorf("provisioning cookie secret: %w", err)
		}
	}
	keys, err := deriveCookieKeys(secret)
	if err != nil {
		return fmt.Errorf("deriving cookie keys: %w", err)
	}
	m.keys = keys

	m.lock = store.NewLock(db, store.LockOptions{
		Timeout:    m.cfg.LockTimeout,
		StaleAfter: m.cfg.LockStaleAfter,
		Logger:     m.logger,
	})

	resolver, err := m.cfg.ResolverFactory(ResolverParams{
		Sessions: store.SessionTable(db),
		Logger:   m.logger,
	})
	if err != nil {
		return fmt.Errorf("constructing identity resolver: %w", err)
	}
	m.resolver = resolver
	return nil
}

// Handler wraps next. Requests for the middleware's own routes are answered directly; everything else is passed to next, with the logged in subject (if any) available through [SubjectFromContext].
//
// This can be used with `echo.WrapMiddleware` (part of the echo web framework)
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), nextHandlerKey{}, next)
		m.echo.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Ready is closed once the eager bootstrap phase has finished, successfully or not.
func (m *Middleware) Ready() <-chan struct{} {
	return m.booted
}

// Err returns the initialization error, if bootstrap has finished and failed.
func (m *Middleware) Err() error {
	select {
	case <-m.booted:
		return m.initErr
	default:
		return nil
	}
}

// Close waits for bootstrap to finish, then closes the database.
func (m *Middleware) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.booted
		if m.db != nil {
			m.closeErr = store.Close(m.db)
		}
	})
	return m.closeErr
}

// the single serialized gate every request passes through before routing
func (m *Middleware) gate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case <-m.booted:
			if m.initErr != nil {
				gateRejections.WithLabelValues("init_failed").Inc()
				return m.initErr
			}
		default:
			gateRejections.WithLabelValues("initializing").Inc()
			return c.String(http.StatusServiceUnavailable, "Service initializing")
		}

		st, err := m.resolve(c.Request())
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidPublicURL):
				gateRejections.WithLabelValues("invalid_public_url").Inc()
				return c.String(http.StatusServiceUnavailable, invalidPublicURLMessage)
			case errors.Is(err, ErrNotMountedAtRoot):
				gateRejections.WithLabelValues("not_mounted_at_root").Inc()
			default:
				gateRejections.WithLabelValues("resolve_failed").Inc()
			}
			return err
		}

		c.Set(stateKey, st)
		return next(c)
	}
}

// Request-triggered resolution of everything which depends on the public URL. Only one request performs it; concurrent requests wait on the mutex and then observe the published state.
func (m *Middleware) resolve(r *http.Request) (*resolvedState, error) {
	if st := m.state.Load(); st != nil {
		return st, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.state.Load(); st != nil {
		return st, nil
	}
	if m.urlErr != nil {
		return nil, m.urlErr
	}

	if m.baseURL == "" {
		publicURL := m.cfg.PublicURL
		host := requestHost(r, m.cfg.TrustProxy)
		if publicURL == "" {
			if host == "" {
				return nil, echo.NewHTTPError(http.StatusBadRequest, "missing Host header")
			}
			publicURL = AssertPublicURL(requestScheme(r, m.cfg.TrustProxy) + "://" + host)
		}
		if publicURL == InvalidPublicURL {
			m.urlErr = ErrInvalidPublicURL
			m.logger.Error("public URL is invalid; restart with a corrected configuration", "configured", m.cfg.PublicURL != "")
			return nil, m.urlErr
		}

		m.publicURL = publicURL
		if publicURL != "" {
			m.baseURL = publicURL
		} else {
			m.baseURL = localBaseURL(host)
		}
	}

	if m.basePath == "" {
		if mounted := mountPrefix(r); mounted != "" {
			return nil, fmt.Errorf("%w, not at %q", ErrNotMountedAtRoot, mounted)
		}
		m.prefix = m.cfg.MountPath
		if m.prefix == "" {
			m.prefix = DefaultMountPath
		}
		m.basePath = m.baseURL + m.prefix
	}

	if !m.registered {
		m.registerRoutes(m.prefix)
		m.registered = true
	}

	metadata := buildClientMetadata(m.cfg.ClientName, m.publicURL, m.baseURL, m.basePath, m.cfg.Scope)
	if m.client == nil {
		client, err := m.cfg.ClientFactory(r.Context(), ClientParams{
			Metadata: metadata,
			States:   store.StateTable(m.db),
			Sessions: store.SessionTable(m.db),
			Lock:     m.lock,
			Logger:   m.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing oauth client: %w", err)
		}
		m.client = client
	}

	st := &resolvedState{
		publicURL:     m.publicURL,
		baseURL:       m.baseURL,
		prefix:        m.prefix,
		basePath:      m.basePath,
		loginRedirect: m.loginRedirect(m.prefix),
		client:        m.client,
		cookies:       m.keys.newStore(strings.HasPrefix(m.baseURL, "https://")),
	}
	m.state.Store(st)
	m.logger.Info("authmw ready", "baseURL", st.baseURL, "basePath", st.basePath, "loopbackClient", st.publicURL == "")
	return st, nil
}

func (m *Middleware) loginRedirect(prefix string) string {
	if p := AssertPath(m.cfg.LoginRedirect); p != "" {
		return p
	}
	if m.cfg.DevMode {
		return prefix + "/userinfo"
	}
	return "/"
}

func requestScheme(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			return strings.TrimSpace(strings.Split(proto, ",")[0])
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestHost(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if host := r.Header.Get("X-Forwarded-Host"); host != "" {
			return strings.TrimSpace(strings.Split(host, ",")[0])
		}
	}
	return r.Host
}

// Returns the path prefix stripped from the request before it reached us (eg, by http.StripPrefix), or "" when mounted at root.
func mountPrefix(r *http.Request) string {
	if r.RequestURI == "" {
		return ""
	}
	orig, err := url.ParseRequestURI(r.RequestURI)
	if err != nil || orig.Path == r.URL.Path {
		return ""
	}
	if strings.HasSuffix(orig.Path, r.URL.Path) {
		return strings.TrimSuffix(orig.Path, r.URL.Path)
	}
	return orig.Path
}

func (m *Middleware) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if code >= 500 {
		m.logger.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "err", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.String(code, msg)
	}
	if err != nil {
		m.logger.Warn("failed to write error response", "err", err)
	}
}
