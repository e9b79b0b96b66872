package notify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizePreview makes a preview safe to print on one terminal line.
// Line breaks and tabs become spaces and other control characters are
// dropped. Skin tone modifiers, zero width joiners and variation selectors
// are dropped too, which turns e.g. 👍🏻 into 👍 so the preview renders as
// one glyph per emoji.
func sanitizePreview(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r), isProblematicRune(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isProblematicRune(r rune) bool {
	switch {
	// Skin tone modifiers.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	// Zero Width Joiner.
	case r == 0x200D:
		return true
	// Variation Selectors.
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	// Variation Selectors Supplement.
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}
