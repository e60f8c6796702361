package app

import (
	"regexp"
	"strings"
)

var (
	prefixedCodePattern = regexp.MustCompile(`(?i)\b(?:code|otp|pin|passcode)\b\W{0,3}(?:is\W{0,3})?(\d{4,8})\b`)
	bareCodePattern     = regexp.MustCompile(`\b\d{4,8}\b`)
)

// ExtractCode pulls a verification code out of an inbound message.
// Digits following code/otp/pin/passcode win over the first bare run of 4 to 8 digits.
// It returns "" when nothing matches; the message itself is kept either way.
func ExtractCode(text string) string {
	if m := prefixedCodePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	// Formatted codes such as "482-913" are joined before the bare scan.
	joined := strings.NewReplacer("-", "", " - ", "").Replace(text)
	if m := bareCodePattern.FindString(text); m != "" {
		return m
	}
	return bareCodePattern.FindString(joined)
}
