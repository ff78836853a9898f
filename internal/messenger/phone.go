package messenger

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned for numbers that cannot be put in E.164 form
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone converts a locally formatted number to E.164.
// Numbers without an international prefix get countryCode.
func NormalizePhone(raw, countryCode string) (string, error) {
	s := strings.TrimSpace(raw)
	international := false
	switch {
	case strings.HasPrefix(s, "+"):
		international = true
		s = s[1:]
	case strings.HasPrefix(s, "00"):
		international = true
		s = s[2:]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	digits := b.String()

	if !international {
		cc := strings.TrimPrefix(countryCode, "+")
		switch {
		case strings.HasPrefix(digits, "0"):
			digits = cc + strings.TrimLeft(digits, "0")
		case cc != "" && !strings.HasPrefix(digits, cc):
			digits = cc + digits
		}
	}

	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	return "+" + digits, nil
}
