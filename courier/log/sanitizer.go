package log

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultPreviewLength is the number of runes kept by Preview when n <= 0.
const DefaultPreviewLength = 48

var controlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// Preview returns at most n runes of text with control characters escaped.
// User message bodies are only ever logged through it.
func Preview(text string, n int) string {
	if n <= 0 {
		n = DefaultPreviewLength
	}

	if utf8.RuneCountInString(text) > n {
		runes := []rune(text)
		text = string(runes[:n]) + "..."
	}

	return controlCharReplacer.Replace(text)
}

// SafeError logs errors with explicit production-aware sanitization.
// When production is true, only the error type is logged.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
