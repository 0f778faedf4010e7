package messaging

import "strings"

const defaultCountryCode = "55"

// NormalizeNumber reduces a raw imported phone to digits and prefixes the
// country code when missing. Returns "" for values with no usable digits.
func NormalizeNumber(value string) string {
	digits := sanitizeDigits(value)
	if digits == "" {
		return ""
	}
	// Landlines and mobiles come in as 10 or 11 local digits; anything already
	// carrying the country code is left alone.
	if strings.HasPrefix(digits, defaultCountryCode) && len(digits) >= 12 {
		return digits
	}
	return defaultCountryCode + digits
}

// SplitNumbers breaks a spreadsheet phone cell into normalized, deduplicated
// numbers preserving source order.
func SplitNumbers(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		n := NormalizeNumber(f)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func sanitizeDigits(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
