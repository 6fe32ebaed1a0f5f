package util

import "unicode/utf8"

// TokenPrefixLength is how much of a code or token may appear in logs.
const TokenPrefixLength = 8

// SafeTruncate returns at most maxLen bytes of s. The cut never splits a
// UTF-8 sequence, so the result may be shorter than maxLen. A negative maxLen
// yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("héllo", 2)                  // "h"
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TokenPrefix returns the loggable prefix of a code or token.
func TokenPrefix(s string) string {
	return SafeTruncate(s, TokenPrefixLength)
}
