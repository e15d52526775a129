package oidcclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/bluesky-social/authmw/authmw"
	"github.com/bluesky-social/authmw/store"
)

// special handle string indicating that resolution failed
const HandleInvalid = "handle.invalid"

// Resolver maps a subject to a display handle using the claims stored with its session.
type Resolver struct {
	sessions *store.Table
	logger   *slog.Logger
}

// NewResolver matches authmw.Config.ResolverFactory.
func NewResolver(params authmw.ResolverParams) (authmw.IdentityResolver, error) {
	if params.Sessions == nil {
		return nil, errors.New("oidcclient: session table is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{sessions: params.Sessions, logger: logger.With("component", "oidcresolver")}, nil
}

// The handle is the preferred_username claim, else the email claim, else HandleInvalid.
func (r *Resolver) ResolveSubjectToHandle(ctx context.Context, subject string) (string, error) {
	raw, err := r.sessions.Get(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return HandleInvalid, nil
	}
	if err != nil {
		return "", err
	}

	var sess sessionBlob
	if err := json.Unmarshal(raw, &sess); err != nil {
		r.logger.Warn("unparseable oauth session", "subject", subject, "err", err)
		return HandleInvalid, nil
	}
	switch {
	case sess.Claims.PreferredUsername != "":
		return sess.Claims.PreferredUsername, nil
	case sess.Claims.Email != "":
		return sess.Claims.Email, nil
	default:
		return HandleInvalid, nil
	}
}
