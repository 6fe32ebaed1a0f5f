// Package scope normalizes and compares OAuth scope sets.
//
// On the wire a scope is a space-delimited list (RFC 6749 §3.3). Internally it
// is an ordered, duplicate-free slice: order is kept for stable output but no
// function here treats it as significant.
package scope

import "strings"

// Well-known scope values the grant engine reacts to.
const (
	// OpenID requests an id_token (OpenID Connect Core §3.1.2.1)
	OpenID = "openid"

	// OfflineAccess requests a refresh token (OpenID Connect Core §11)
	OfflineAccess = "offline_access"
)

// Parse splits a space-delimited scope string into a normalized list.
func Parse(s string) []string {
	return Normalize(strings.Fields(s))
}

// Format joins scopes into the wire representation.
func Format(scopes []string) string {
	return strings.Join(Normalize(scopes), " ")
}

// Normalize trims entries, drops empties and duplicates, and keeps first-seen order.
// It always returns a new slice.
func Normalize(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Intersect returns the requested scopes that are also allowed, in requested
// order. The result is a subset of both inputs.
func Intersect(requested, allowed []string) []string {
	allowedSet := toSet(allowed)
	granted := make([]string, 0, len(requested))
	for _, s := range Normalize(requested) {
		if _, ok := allowedSet[s]; ok {
			granted = append(granted, s)
		}
	}
	return granted
}

// Missing returns the requested scopes that are not allowed.
func Missing(requested, allowed []string) []string {
	allowedSet := toSet(allowed)
	var missing []string
	for _, s := range Normalize(requested) {
		if _, ok := allowedSet[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// IsSubset reports whether every scope in a is also in b.
func IsSubset(a, b []string) bool {
	return len(Missing(a, b)) == 0
}

// Contains reports whether scopes includes s.
func Contains(scopes []string, s string) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}

// Equal reports whether a and b hold the same set of scopes, ignoring order.
func Equal(a, b []string) bool {
	return IsSubset(a, b) && IsSubset(b, a)
}

func toSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}
