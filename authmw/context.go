package authmw

import (
	"context"
	"net/http"
)

type subjectContextKey struct{}

type nextHandlerKey struct{}

// Returns the subject (account DID) of the logged in user for requests passed through to the wrapped handler.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectContextKey{}).(string)
	return sub, ok && sub != ""
}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

func nextFromContext(ctx context.Context) http.Handler {
	next, _ := ctx.Value(nextHandlerKey{}).(http.Handler)
	return next
}
