// Package cardgen generates and validates card primary account numbers.
package cardgen

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const panLen = 16

// GeneratePAN returns a 16-digit PAN with a trailing Luhn check digit.
// A non-empty sequence overrides the trailing digits before the check
// digit, which demo data uses to get stable, recognizable numbers.
func GeneratePAN(bin, sequence string) (string, error) {
	if err := ValidateBIN(bin); err != nil {
		return "", err
	}

	fill := panLen - 1 - len(bin)
	if fill <= 0 {
		return "", fmt.Errorf("bin too long: %s", bin)
	}
	seq := strings.TrimSpace(sequence)
	if seq != "" {
		if !IsDigits(seq) {
			return "", fmt.Errorf("sequence must be numeric")
		}
		if len(seq) > fill {
			return "", fmt.Errorf("sequence length %d exceeds %d", len(seq), fill)
		}
	}

	digitsPart, err := randomDigits(fill)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	b := []byte(digitsPart)
	if seq != "" {
		copy(b[fill-len(seq):], seq)
	}

	body := bin + string(b)
	return body + LuhnCheckDigit(body), nil
}

// randomDigits produces count uniform digits via rejection sampling so
// the byte-to-digit mapping carries no modulo bias.
func randomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			b := buf[i]
			if b < threshold {
				sb.WriteByte('0' + (b % 10))
			}
		}
	}
	return sb.String(), nil
}

// LuhnCheckDigit computes the mod-10 check digit over body.
func LuhnCheckDigit(body string) string {
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
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

// ValidatePAN checks length (13..19), digits-only and the Luhn check
// digit.
func ValidatePAN(pan string) error {
	if pan == "" {
		return fmt.Errorf("pan is required")
	}
	if !IsDigits(pan) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(pan); l < 13 || l > 19 {
		return fmt.Errorf("pan length must be 13..19 digits (got %d)", l)
	}

	body := pan[:len(pan)-1]
	cd := LuhnCheckDigit(body)
	if pan[len(pan)-1] != cd[0] {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

func ValidateBIN(bin string) error {
	if bin == "" {
		return fmt.Errorf("bin is required")
	}
	if !IsDigits(bin) {
		return fmt.Errorf("bin must contain digits only")
	}
	switch len(bin) {
	case 6, 8, 9:
		return nil
	default:
		return fmt.Errorf("bin must be 6, 8, or 9 digits")
	}
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MaskPAN keeps the first six and last four digits, which is all a log
// line or user message may carry.
func MaskPAN(pan string) string {
	cleaned := NormalizePAN(pan)
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

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
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
