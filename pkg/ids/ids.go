package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Well-known prefixes used across the stores. The prefix is a readability
// hint only; nothing parses it back out.
const (
	PrefixConversation    = "conv"
	PrefixMessage         = "msg"
	PrefixVersion         = "ver"
	PrefixArtifact        = "art"
	PrefixArtifactVersion = "artver"
	PrefixTurn            = "turn"
)

// New returns a fresh identifier of the form "<prefix>-<uuid>". IDs are
// unique for the process lifetime; they carry no ordering or timestamp
// semantics.
func New(prefix string) string {
	u := uuid.NewString()
	if prefix == "" {
		return u
	}
	return prefix + "-" + u
}

// HasPrefix reports whether id was minted with the given prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}
