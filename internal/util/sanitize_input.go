package util

import (
	"strings"
	"unicode"
)

// SanitizeInput trims surrounding whitespace and drops control characters
// from free-text profile fields.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ContainsSuspicious reports markup or template fragments that have no business
// in a name or address line.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "${", "{{", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// MaskEmail keeps the first character of the local part for log lines.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
