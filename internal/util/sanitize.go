package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// SanitizeForLog removes control characters and newlines from user content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if n >= 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// KeyFingerprint identifies an API key in logs without revealing it.
func KeyFingerprint(key string) string {
	key = SanitizeForLog(strings.TrimSpace(key))
	if len(key) < 16 {
		return "<short>"
	}
	return key[:6] + ".."
}
