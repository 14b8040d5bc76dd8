package tts

import (
	"regexp"
	"strings"
)

func normalizeTextForTTS(text string) string {
	// remove markdown formatting
	text = removeMarkdown(text)

	// collapse whitespace first so line breaks survive emoji removal as spaces
	text = replaceMultipleSpaces(text)

	// remove emojis
	text = removeEmojis(text)

	text = replaceMultipleSpaces(text)

	return strings.TrimSpace(text)
}

func removeMarkdown(text string) string {
	text = codeFenceRegex.ReplaceAllString(text, " ")
	text = linkRegex.ReplaceAllString(text, "$1")
	text = headingRegex.ReplaceAllString(text, "")
	return markdownReplacer.Replace(text)
}

func removeEmojis(text string) string {
	return removeEmojiRegex.ReplaceAllString(text, "")
}

func replaceMultipleSpaces(text string) string {
	return multipleSpacesRegex.ReplaceAllString(text, " ")
}

// truncateText cuts text to at most limit runes, backing up to the last space.
func truncateText(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	cut := runes[:limit]
	if i := strings.LastIndex(string(cut), " "); i > 0 {
		return strings.TrimSpace(string(cut)[:i])
	}
	return string(cut)
}

var (
	markdownReplacer = strings.NewReplacer(
		"**", "", // bold
		"*", "", // italic
		"__", "", // underline
		"~~", "", // strikethrough
		"||", "", // spoiler
		"`", "", // inline code
	)
	codeFenceRegex      = regexp.MustCompile("(?s)```.*?```")
	linkRegex           = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	headingRegex        = regexp.MustCompile(`(?m)^\s*#{1,6}\s+`)
	removeEmojiRegex    = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}]`)
	multipleSpacesRegex = regexp.MustCompile(`\s+`)
)
