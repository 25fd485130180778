package lookup

import "strings"

// NormalizePhone canonicalizes a caller-supplied phone number to
// +<country><10-digit national number>. Bare 10-digit numbers are assumed
// to belong to the configured home country; already-prefixed numbers are
// accepted as-is. Returns false when the input cannot be a valid number.
func NormalizePhone(raw, homeCountryCode string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")

	switch {
	case digits == "":
		return "", false
	case len(digits) == 10:
		return "+" + homeCountryCode + digits, true
	case strings.HasPrefix(digits, homeCountryCode) && len(digits) == len(homeCountryCode)+10:
		return "+" + digits, true
	default:
		return "", false
	}
}

// NormalizeOrderRef maps an order reference to the platform's canonical
// textual form: upper-case, "#"-prefixed.
func NormalizeOrderRef(raw string) string {
	ref := strings.ToUpper(strings.TrimSpace(raw))
	if ref == "" {
		return ""
	}
	if !strings.HasPrefix(ref, "#") {
		ref = "#" + ref
	}
	return ref
}

func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
