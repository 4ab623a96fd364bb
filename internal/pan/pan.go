package pan

import (
	"fmt"
	"strings"
)

// Normalize strips spaces, tabs and dashes, returning the bare digit string.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Mask keeps the first 6 and last 4 digits of a full-length PAN. Short inputs
// keep only the last 4; anything of 4 digits or fewer is fully masked.
func Mask(p string) string {
	cleaned := Normalize(p)
	n := len(cleaned)
	if n == 0 {
		return ""
	}
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	if n < 10 {
		return strings.Repeat("*", n-4) + cleaned[n-4:]
	}
	return cleaned[:6] + strings.Repeat("*", n-10) + cleaned[n-4:]
}

// Validate checks length (13..19), digits and the Luhn check digit.
func Validate(p string) error {
	if p == "" {
		return fmt.Errorf("pan is required")
	}
	if !isDigits(p) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(p); l < 13 || l > 19 {
		return fmt.Errorf("pan length must be 13..19 digits (got %d)", l)
	}
	body := p[:len(p)-1]
	if p[len(p)-1] != luhnCheckDigit(body) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func luhnCheckDigit(body string) byte {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	return '0' + byte((10-(sum%10))%10)
}
