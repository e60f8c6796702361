package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"PhraseWithIs", "Your code is 482913", "482913"},
		{"ColonPrefix", "Telegram code: 55123. Do not share it.", "55123"},
		{"OTPPrefixWins", "Order 12345678 placed. OTP 9911", "9911"},
		{"PinPrefix", "PIN: 0042", "0042"},
		{"PasscodeCaseInsensitive", "PASSCODE IS 778899", "778899"},
		{"BareDigits", "G-123456 is your Google verification code.", "123456"},
		{"HyphenatedCode", "Use 482-913 to sign in", "482913"},
		{"TooShort", "Reply 12 to stop", ""},
		{"TooLong", "Ref 1234567890123", ""},
		{"NoDigits", "Welcome aboard!", ""},
		{"Empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCode(tt.text))
		})
	}
}
