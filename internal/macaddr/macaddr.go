// Package macaddr canonicalizes printer MAC addresses.
//
// CloudPRNT devices report their MAC in dot form (00.11.62.12.34.56) while
// the store and registry key everything by uppercase colon form
// (00:11:62:12:34:56). Every boundary that accepts a MAC goes through
// Normalize.
package macaddr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned for anything that is not 12 hex digits with
// optional colon or dot separators.
var ErrInvalid = errors.New("invalid MAC address")

// Normalize returns the canonical uppercase colon form of a MAC address.
// It accepts colon form, dot form, or bare hex digits, and is idempotent.
func Normalize(in string) (string, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}

	var hex [12]byte
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ':' || c == '.':
			continue
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
			c -= 'a' - 'A'
		case c >= 'A' && c <= 'F':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalid, in)
		}
		if n == len(hex) {
			return "", fmt.Errorf("%w: %q", ErrInvalid, in)
		}
		hex[n] = c
		n++
	}
	if n != len(hex) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, in)
	}

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < len(hex); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteByte(hex[i])
		b.WriteByte(hex[i+1])
	}
	return b.String(), nil
}

// ToDots converts a canonical colon-form MAC to the dot form used on the
// wire by the printer.
func ToDots(mac string) string {
	return strings.ReplaceAll(mac, ":", ".")
}
