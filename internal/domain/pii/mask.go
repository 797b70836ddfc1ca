package pii

import "strings"

// maskEmail keeps the first character of the local part and domain plus
// the TLD: "john@example.com" -> "j***@e***.com".
func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return maskGeneric(s)
	}
	local := s[:at]
	domain := s[at+1:]

	masked := string(local[0]) + "***@"

	lastDot := strings.LastIndexByte(domain, '.')
	if lastDot <= 0 {
		return masked + string(domain[0]) + "***"
	}
	return masked + string(domain[0]) + "***" + domain[lastDot:]
}

// maskNumeric replaces all digits but the last two with '*', preserving
// separators so the masked value keeps the original shape:
// "4111 1111 1111 1111" -> "**** **** **** **11".
func maskNumeric(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	// Find positions of the last two digits.
	digitsSeen := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digitsSeen++
		}
	}

	keepFrom := digitsSeen - 2
	idx := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if idx >= keepFrom {
				b.WriteRune(r)
			} else {
				b.WriteByte('*')
			}
			idx++
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// maskGeneric keeps the first rune and masks the rest.
func maskGeneric(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	return string(runes[0]) + "***"
}
