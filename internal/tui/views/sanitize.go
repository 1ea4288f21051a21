package views

import (
	"strings"

	"github.com/rivo/tview"
)

// display prepares user text for a dynamic-color tview widget: tags are
// escaped and codepoints that tcell renders at the wrong width are dropped,
// so a thumbs-up with a skin tone shows as a plain thumbs-up.
func display(s string) string {
	return tview.Escape(sanitizeForTerminal(s))
}

func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		if isProblematicRune(r) {
			return -1
		}
		return r
	}, s)
}

func isProblematicRune(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone modifiers
		return true
	case r == 0x200D: // zero width joiner
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF: // variation selectors
		return true
	case r < 0x20 && r != '\n' && r != '\t':
		return true
	}
	return false
}
