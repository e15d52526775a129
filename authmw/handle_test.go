package authmw

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidHandle(t *testing.T) {
	assert := assert.New(t)

	good := []string{
		"alice.test",
		"alice.bsky.social",
		"XN--LDK.example.com",
		"a.co",
		"john-doe.example.org",
		"12345.example.com",
	}
	for _, h := range good {
		assert.True(IsValidHandle(h), h)
	}

	bad := []string{
		"",
		"invalid..handle",
		"alice",
		".alice.test",
		"alice.test.",
		"-alice.test",
		"alice.123",
		"alice_bob.test",
		"alice.test/x",
		"john@example.com",
		strings.Repeat("a", 250) + ".com",
	}
	for _, h := range bad {
		assert.False(IsValidHandle(h), h)
	}
}
