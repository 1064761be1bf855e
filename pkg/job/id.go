package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID derives a record identifier from project, environment, and creation
// time. The derivation aids debugging; only uniqueness is load-bearing, which
// the trailing uuid fragment provides even for same-second events.
func NewID(project string, env Environment, at time.Time) string {
	stamp := at.UTC().Format("20060102T150405Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s-%s", sanitizeIDPart(project), env, stamp, suffix)
}

// sanitizeIDPart keeps identifiers filesystem- and shell-safe. Anything
// outside [a-z0-9-] becomes a hyphen.
func sanitizeIDPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "record"
	}
	return out
}
