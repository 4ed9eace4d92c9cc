package model

import (
	"unicode/utf8"
)

const (
	// MaxSMSLength caps an SMS body (in characters).
	MaxSMSLength = 1600
	// SMSSegmentLength is the characters billed per segment.
	SMSSegmentLength = 160
)

// SMSSegments estimates how many provider segments a body occupies.
func SMSSegments(body string) int {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return 0
	}
	return (n + SMSSegmentLength - 1) / SMSSegmentLength
}
