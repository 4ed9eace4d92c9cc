package util

import (
	"regexp"
	"strings"
)

var (
	phoneStrip = regexp.MustCompile(`[^\d\+]+`)
	e164       = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
)

// NormalizePhone tries to normalize user input into E.164 format.
// It returns "" when the result is not a plausible E.164 number.
func NormalizePhone(raw string) string {
	s := phoneStrip.ReplaceAllString(strings.TrimSpace(raw), "")

	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	} else if !strings.HasPrefix(s, "+") && s != "" {
		s = "+" + s
	}

	if !e164.MatchString(s) {
		return ""
	}
	return s
}

// NormalizeEmail lower-cases and trims an address; it does not validate it.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
