package index

import (
	"regexp"
	"strings"
)

// maxQueryLen caps a raw query before sanitization, per spec §4.7.
const maxQueryLen = 1000

// maxFallbackQueryLen caps the alphanumeric fallback produced when a
// query sanitizes down to nothing.
const maxFallbackQueryLen = 100

var (
	ftsSpecialChars = regexp.MustCompile(`["(){}*^:]`)
	ftsOperators    = regexp.MustCompile(`(?i)\b(AND|OR|NOT|NEAR)\b`)
	extraSpace      = regexp.MustCompile(`\s+`)
	nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9\s]`)
)

// SanitizeQuery strips FTS5 metacharacters and boolean/proximity
// operators from a raw search query before it reaches MATCH, per spec
// §4.7. A query that sanitizes to nothing falls back to its
// alphanumeric-only fragment, or "infomesh" if even that is empty.
func SanitizeQuery(query string) string {
	if len(query) > maxQueryLen {
		query = query[:maxQueryLen]
	}

	sanitized := ftsSpecialChars.ReplaceAllString(query, " ")
	sanitized = ftsOperators.ReplaceAllString(sanitized, " ")
	sanitized = extraSpace.ReplaceAllString(sanitized, " ")
	sanitized = strings.TrimSpace(sanitized)

	if sanitized != "" {
		return sanitized
	}

	fallback := nonAlphanumeric.ReplaceAllString(query, " ")
	fallback = extraSpace.ReplaceAllString(fallback, " ")
	fallback = strings.TrimSpace(fallback)
	if len(fallback) > maxFallbackQueryLen {
		fallback = fallback[:maxFallbackQueryLen]
	}
	if fallback == "" {
		return "infomesh"
	}
	return fallback
}
