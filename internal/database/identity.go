package database

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentityID canonicalizes an identity id so the same person
// compares equal across models, stores and request payloads.
func NormalizeIdentityID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// NormalizeScope normalizes and de-duplicates a scope, keeping first-seen order
// and dropping blank entries.
func NormalizeScope(scope []string) []string {
	seen := make(map[string]struct{}, len(scope))
	out := make([]string, 0, len(scope))
	for _, id := range scope {
		id = NormalizeIdentityID(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
