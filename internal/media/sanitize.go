package media

import "strings"

const upperhex = "0123456789ABCDEF"

// SanitizeForEncoder percent-encodes every byte the encoder's URL handling
// cannot take literally: non-ASCII (emoji and other symbols), controls,
// spaces and the characters RFC 3986 never allows unescaped. Existing %XX
// escapes are kept, so the function is idempotent and the decoded target is
// unchanged.
func SanitizeForEncoder(raw string) string {
	if !needsEscape(raw) {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + 16)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '%' && i+2 < len(raw) && isHex(raw[i+1]) && isHex(raw[i+2]):
			b.WriteByte(c)
		case shouldEscape(c):
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' {
			if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
				return true
			}
			continue
		}
		if shouldEscape(c) {
			return true
		}
	}
	return false
}

func shouldEscape(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return true
	}
	switch c {
	case '"', '<', '>', '\\', '^', '`', '{', '|', '}', '%':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
