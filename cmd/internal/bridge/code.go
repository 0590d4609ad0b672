package bridge

import "strings"

// FormatPairingCode renders a raw pairing code in groups of four separated by
// "-" ("ABCD1234" -> "ABCD-1234"). Existing separators and spaces are dropped.
func FormatPairingCode(raw string) string {
	var clean strings.Builder
	for _, r := range raw {
		if r == '-' || r == ' ' {
			continue
		}
		clean.WriteRune(r)
	}
	s := clean.String()
	if s == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range []rune(s) {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
