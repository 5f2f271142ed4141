package msg

import (
	"strings"
	"unicode"
)

// NormalizeChannels trims, lowercases and dedupes routing channel names,
// dropping entries that are empty after trimming. Order of first occurrence
// is preserved. Returns nil for an empty result so normalized channel lists
// omit cleanly from JSON.
func NormalizeChannels(channels []string) []string {
	if len(channels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeText collapses CR/LF sequences to LF, strips control characters
// other than LF and TAB, and trims surrounding whitespace. Used by the
// factory on title/text fields.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
