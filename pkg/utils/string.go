package utils

import (
	"regexp"
	"strings"
)

// Truncate returns a truncated version of s with at most maxLen runes.
// If the string is truncated, "..." is appended to indicate truncation.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clip keeps the first n runes of s and appends marker when anything was cut.
func Clip(s string, n int, marker string) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	return string(runes[:n]) + marker
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9@._-]+`)

// SanitizePathPart makes an id usable as a single directory name.
func SanitizePathPart(s string, maxLen int) string {
	s = unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
