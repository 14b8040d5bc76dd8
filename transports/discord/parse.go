package discord

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParseCommand splits "<prefix><name> <args>" into its parts. The name is
// lowercased; args keep their original spacing apart from the trim.
func ParseCommand(content, prefix string) (name, args string, ok bool) {
	content = strings.TrimLeftFunc(content, unicode.IsSpace)
	if prefix == "" || !strings.HasPrefix(strings.ToLower(content), strings.ToLower(prefix)) {
		return "", "", false
	}
	rest := content[len(prefix):]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end < 0 {
		name, args = rest, ""
	} else {
		name, args = rest[:end], strings.TrimSpace(rest[end:])
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), args, true
}

// truncateReply keeps text within limit runes, marking the cut with an ellipsis.
func truncateReply(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}
