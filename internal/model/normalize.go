package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the NFC form of a guest name. Different device
// keyboards produce composed vs decomposed Unicode for the same visible
// string, which would defeat name-based matching across instances.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// subscriberDigits is how many trailing digits identify a line. Matching on
// the tail makes "+972 50-123-4567" and "0501234567" compare equal without
// parsing country codes.
const subscriberDigits = 9

// NormalizePhone reduces a phone number to a match key: bare digits, with
// country-code and trunk prefixes discarded by keeping only the trailing
// subscriber digits. The result is a best-effort match key, not a dialable
// number.
func NormalizePhone(s string) string {
	var b strings.Builder

	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	digits := b.String()

	// Too short to be a real number — refuse to match on it.
	if len(digits) < 7 {
		return ""
	}

	if len(digits) > subscriberDigits {
		digits = digits[len(digits)-subscriberDigits:]
	}

	return digits
}
