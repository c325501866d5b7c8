package linksync

import (
	"fmt"
	"strings"
)

// NormalizeCustomerID canonicalizes an advertiser account identifier:
// hyphens, spaces, and dots are stripped so "123-456-7890" and
// "1234567890" key the same record. The result must be a non-empty digit
// string; anything else is rejected before it can become a wrong map key.
func NormalizeCustomerID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCustomerID)
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '.':
			// separator, dropped
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidCustomerID, r, raw)
		}
	}
	canonical := b.String()
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits in %q", ErrInvalidCustomerID, raw)
	}
	return canonical, nil
}

// StatusUnknown is returned by NormalizeStatus for empty or unrecognized
// input so status dispatch never switches on an empty string.
const StatusUnknownRaw = "UNKNOWN"

func NormalizeStatus(raw string) string {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return StatusUnknownRaw
	}
	return normalized
}
