package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString drops control characters other than newlines and tabs
// and trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString shortens s to at most maxRunes runes, marking the cut
// with an ellipsis.
func TruncateString(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	if maxRunes <= 1 {
		return string([]rune(s)[:max(maxRunes, 0)])
	}
	return string([]rune(s)[:maxRunes-1]) + "…"
}
