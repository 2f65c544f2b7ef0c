package validators

import (
	"strings"
	"unicode/utf8"
)

// NormalizeID trims input and reports whether the result is a usable id:
// non-empty, valid UTF-8 and at most maxLen bytes. Input is never shortened.
func NormalizeID(input string, maxLen int) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return "", false
	}
	if maxLen > 0 && len(trimmed) > maxLen {
		return "", false
	}
	return trimmed, true
}
