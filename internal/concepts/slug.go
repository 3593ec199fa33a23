package concepts

import (
	"strings"
	"unicode"
)

// Slugify converts a concept name into a URL-safe slug: lowercase,
// alphanumeric runs joined by single hyphens.
func Slugify(name string) string {
	var builder strings.Builder
	builder.Grow(len(name))

	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			builder.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				builder.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(builder.String(), "-")
}
