package atprotoclient

import (
	"context"
	"log/slog"

	"github.com/bluesky-social/authmw/authmw"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Resolver maps an account DID to its handle through an identity directory. The handle is bi-directionally verified; one that doesn't resolve back to the DID comes out as syntax.HandleInvalid.
type Resolver struct {
	dir    identity.Directory
	logger *slog.Logger
}

// NewResolver matches authmw.Config.ResolverFactory, using identity.DefaultDirectory().
func NewResolver(params authmw.ResolverParams) (authmw.IdentityResolver, error) {
	return ResolverFactory(identity.DefaultDirectory())(params)
}

// ResolverFactory builds resolvers backed by dir.
func ResolverFactory(dir identity.Directory) authmw.ResolverFactory {
	return func(params authmw.ResolverParams) (authmw.IdentityResolver, error) {
		logger := params.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &Resolver{dir: dir, logger: logger.With("component", "atprotoresolver")}, nil
	}
}

func (r *Resolver) ResolveSubjectToHandle(ctx context.Context, subject string) (string, error) {
	did, err := syntax.ParseDID(subject)
	if err != nil {
		return syntax.HandleInvalid.String(), nil
	}
	ident, err := r.dir.LookupDID(ctx, did)
	if err != nil {
		r.logger.Warn("DID lookup failed", "did", did, "err", err)
		return syntax.HandleInvalid.String(), nil
	}
	return ident.Handle.String(), nil
}
