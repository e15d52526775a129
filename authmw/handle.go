package authmw

import (
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Checks handle syntax only. Nothing is resolved.
func IsValidHandle(raw string) bool {
	_, err := syntax.ParseHandle(raw)
	return err == nil
}
