package service

import (
	"strings"
	"unicode/utf8"
)

// truncateRunes cuts s to at most n runes, appending an ellipsis when it cuts.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n == 1 {
		return string(runes[:1])
	}
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

// collapseWhitespace joins the whitespace-separated fields of s with single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// estimateTokens approximates the token count of s as ceil(runes/4).
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
