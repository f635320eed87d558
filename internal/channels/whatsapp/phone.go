package whatsapp

import "strings"

// NormalizeRecipient strips the JID suffix and a leading + from a recipient
// before sending, e.g. "+5511999@s.whatsapp.net" -> "5511999".
func NormalizeRecipient(recipient string) string {
	if i := strings.IndexByte(recipient, '@'); i >= 0 {
		recipient = recipient[:i]
	}
	return strings.TrimPrefix(strings.TrimSpace(recipient), "+")
}

// NormalizePhone collapses a phone number to digits and prefixes the
// default country code when the number is short enough to be ambiguous
// (11 digits or fewer without the code). The country code is configuration,
// not a constant: the short-number rule is locale-specific.
func NormalizePhone(raw, defaultCountryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if defaultCountryCode != "" && len(digits) <= 11 && !strings.HasPrefix(digits, defaultCountryCode) {
		digits = defaultCountryCode + digits
	}
	return digits
}
