// Copyright Contributors to the KubeTask project

package workspace

import (
	"strings"

	"github.com/google/uuid"
)

// MaxNameLength is the longest workspace name the provisioner accepts
const MaxNameLength = 32

// NormalizeWorkspaceName lowercases name and reduces it to [a-z0-9-_], at most
// MaxNameLength characters long.
func NormalizeWorkspaceName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	out := strings.Trim(b.String(), "-_")
	if len(out) > MaxNameLength {
		out = strings.TrimRight(out[:MaxNameLength], "-_")
	}
	if out == "" {
		out = "workspace"
	}
	return out
}

// replacementName derives a fresh name from base with a random suffix, keeping the
// result a valid workspace name
func replacementName(base string) string {
	suffix := uuid.New().String()[:8]
	name := NormalizeWorkspaceName(base)
	if limit := MaxNameLength - len(suffix) - 1; len(name) > limit {
		name = strings.TrimRight(name[:limit], "-_")
	}
	if name == "" {
		name = "ws"
	}
	return name + "-" + suffix
}
