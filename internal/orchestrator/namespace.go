package orchestrator

import (
	"strings"
)

// Namespace names must be valid DNS labels: lowercase alphanumerics and
// hyphens, at most 63 characters. Owner identities come from an external
// resolver and can contain anything, so they are sanitized before being
// composed into a name.
const (
	namespacePrefix = "playground"
	maxNamespaceLen = 63

	// maxOwnerTokenLen keeps room for the prefix, the session id, and
	// separators inside the 63-character bound.
	maxOwnerTokenLen = 40
)

// sanitizeOwner reduces an owner identity to a DNS-safe token.
func sanitizeOwner(ownerID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ownerID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	token := strings.Trim(b.String(), "-")
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	if len(token) > maxOwnerTokenLen {
		token = strings.Trim(token[:maxOwnerTokenLen], "-")
	}
	if token == "" {
		token = "user"
	}
	return token
}

// composeNamespace builds the unique sandbox namespace name for a session.
func composeNamespace(ownerID, sessionID string) string {
	name := namespacePrefix + "-" + sanitizeOwner(ownerID) + "-" + sessionID
	if len(name) > maxNamespaceLen {
		name = strings.Trim(name[:maxNamespaceLen], "-")
	}
	return name
}
