package queue

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxPartLength is the transport size limit in characters.
const MaxPartLength = 4000

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)

// Split breaks text on paragraph breaks and wraps any paragraph longer than
// limit characters into contiguous chunks on word boundaries. A single word
// longer than limit is cut. Blank paragraphs are dropped.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxPartLength
	}

	var parts []string

	for _, paragraph := range paragraphBreak.Split(text, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		if utf8.RuneCountInString(paragraph) <= limit {
			parts = append(parts, paragraph)
			continue
		}

		parts = append(parts, wrap(paragraph, limit)...)
	}

	return parts
}

func wrap(paragraph string, limit int) []string {
	var (
		chunks  []string
		current strings.Builder
		size    int
	)

	flush := func() {
		if size > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, word := range strings.Fields(paragraph) {
		runes := []rune(word)

		for len(runes) > limit {
			flush()
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}

		if len(runes) == 0 {
			continue
		}

		needed := len(runes)
		if size > 0 {
			needed++
		}

		if size+needed > limit {
			flush()
			needed = len(runes)
		}

		if size > 0 {
			current.WriteByte(' ')
		}

		current.WriteString(string(runes))
		size += needed
	}

	flush()

	return chunks
}
