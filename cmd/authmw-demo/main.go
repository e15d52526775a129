package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bluesky-social/authmw/atprotoclient"
	"github.com/bluesky-social/authmw/authmw"
	"github.com/bluesky-social/authmw/oidcclient"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

const defaultOIDCScope = "openid profile email"

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "authmw-demo",
		Usage:   "example web app with OAuth login middleware",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"AUTHMW_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
		dbPathCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the demo web server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "Specify the local IP/port to bind to",
			Value:   ":3000",
			EnvVars: []string{"AUTHMW_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"AUTHMW_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "location of the sqlite database file (defaults to a per-binary file under ~/.authmw/db)",
			EnvVars: []string{"AUTHMW_DB_PATH"},
		},
		&cli.StringFlag{
			Name:    "cookie-secret",
			Usage:   "secret for session cookie keys; generated and persisted in the database if empty",
			EnvVars: []string{"AUTHMW_COOKIE_SECRET"},
		},
		&cli.StringFlag{
			Name:    "public-url",
			Usage:   "externally reachable base URL (eg: https://app.example.com); detected from requests if empty",
			EnvVars: []string{"AUTHMW_PUBLIC_URL"},
		},
		&cli.StringFlag{
			Name:    "mount-path",
			Usage:   "path prefix for the login routes",
			Value:   authmw.DefaultMountPath,
			EnvVars: []string{"AUTHMW_MOUNT_PATH"},
		},
		&cli.StringFlag{
			Name:    "login-redirect",
			Usage:   "local path to send users to after logging in",
			EnvVars: []string{"AUTHMW_LOGIN_REDIRECT"},
		},
		&cli.StringFlag{
			Name:    "scope",
			Usage:   "OAuth scope requested at login (defaults to \"" + authmw.DefaultScope + "\" for atproto, \"" + defaultOIDCScope + "\" with --oidc-issuer)",
			EnvVars: []string{"AUTHMW_SCOPE"},
		},
		&cli.StringFlag{
			Name:    "client-name",
			Usage:   "client_name advertised in the OAuth client metadata",
			Value:   "authmw demo",
			EnvVars: []string{"AUTHMW_CLIENT_NAME"},
		},
		&cli.StringFlag{
			Name:    "oidc-issuer",
			Usage:   "log in through this OpenID provider instead of atproto OAuth",
			EnvVars: []string{"AUTHMW_OIDC_ISSUER"},
		},
		&cli.StringFlag{
			Name:    "oidc-client-id",
			Usage:   "pre-registered client ID, overriding the client metadata document URL",
			EnvVars: []string{"AUTHMW_OIDC_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "oidc-client-secret",
			Usage:   "client secret for confidential clients",
			EnvVars: []string{"AUTHMW_OIDC_CLIENT_SECRET"},
		},
		&cli.BoolFlag{
			Name:    "trust-proxy",
			Usage:   "trust X-Forwarded-Proto and X-Forwarded-Host when detecting the public URL",
			EnvVars: []string{"AUTHMW_TRUST_PROXY"},
		},
		&cli.BoolFlag{
			Name:    "dev",
			Usage:   "development mode: land on the userinfo route after login",
			EnvVars: []string{"AUTHMW_DEV"},
		},
		&cli.DurationFlag{
			Name:    "lock-timeout",
			Usage:   "give up waiting for the OAuth session lock after this long (0 waits forever)",
			EnvVars: []string{"AUTHMW_LOCK_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "lock-stale-after",
			Usage:   "reclaim OAuth session locks held longer than this (0 never reclaims)",
			EnvVars: []string{"AUTHMW_LOCK_STALE_AFTER"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stdout)

		shutdownTracing, err := configOTEL(cctx.Context, "authmw-demo")
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background())

		scope := cctx.String("scope")
		clientFactory := atprotoclient.Factory(atprotoclient.Config{})
		resolverFactory := atprotoclient.NewResolver
		if issuer := cctx.String("oidc-issuer"); issuer != "" {
			if scope == "" {
				scope = defaultOIDCScope
			}
			clientFactory = oidcclient.Factory(oidcclient.Config{
				Issuer:       issuer,
				ClientID:     cctx.String("oidc-client-id"),
				ClientSecret: cctx.String("oidc-client-secret"),
			})
			resolverFactory = oidcclient.NewResolver
			logger.Info("using OpenID Connect login", "issuer", issuer)
		}

		mw, err := authmw.New(authmw.Config{
			DBPath:          cctx.String("db-path"),
			CookieSecret:    cctx.String("cookie-secret"),
			PublicURL:       cctx.String("public-url"),
			MountPath:       cctx.String("mount-path"),
			LoginRedirect:   cctx.String("login-redirect"),
			TrustProxy:      cctx.Bool("trust-proxy"),
			DevMode:         cctx.Bool("dev"),
			Scope:           scope,
			ClientName:      cctx.String("client-name"),
			ClientFactory:   clientFactory,
			ResolverFactory: resolverFactory,
			LockTimeout:     cctx.Duration("lock-timeout"),
			LockStaleAfter:  cctx.Duration("lock-stale-after"),
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("failed to construct middleware: %w", err)
		}

		srv := NewServer(Config{
			Logger:     logger,
			Bind:       cctx.String("bind"),
			Middleware: mw,
			MountPath:  cctx.String("mount-path"),
		})

		// prometheus HTTP endpoint: /metrics
		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		return srv.RunAPI()
	},
}

var dbPathCmd = &cli.Command{
	Name:  "db-path",
	Usage: "print the default database location for this binary",
	Action: func(cctx *cli.Context) error {
		p, err := authmw.DefaultDBPath()
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}
