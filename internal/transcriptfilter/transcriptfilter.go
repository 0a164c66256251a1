// Package transcriptfilter implements the purely functional transcript
// preprocessor of spec §4.11, applied before Facts prompt assembly.
package transcriptfilter

import (
	"regexp"
	"strings"
)

var (
	speakerTagRE = regexp.MustCompile(`(?m)^\s*\[?[A-Za-z0-9 _.-]{1,40}\]?\s*:\s*`)
	whitespaceRE = regexp.MustCompile(`\s+`)
)

var fillerWords = map[string]struct{}{
	"um":    {},
	"uh":    {},
	"uhh":   {},
	"umm":   {},
	"like":  {},
	"yknow": {},
	"erm":   {},
}

// Config carries the only tunable of the filter: the truncation window.
type Config struct {
	MaxTokens int
}

func defaultConfig() Config {
	return Config{MaxTokens: 1000}
}

// Clean strips filler tokens, collapses whitespace, drops a leading
// speaker tag on each line, and truncates to the most recent MaxTokens
// whitespace-delimited tokens. Deterministic and idempotent: Clean(Clean(s)) == Clean(s).
func Clean(text string, cfg Config) string {
	d := defaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}

	withoutTags := speakerTagRE.ReplaceAllString(text, "")
	collapsed := whitespaceRE.ReplaceAllString(withoutTags, " ")
	collapsed = strings.TrimSpace(collapsed)
	if collapsed == "" {
		return ""
	}

	tokens := strings.Split(collapsed, " ")
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		bare := strings.ToLower(strings.Trim(tok, ".,!?;:"))
		if _, isFiller := fillerWords[bare]; isFiller {
			continue
		}
		kept = append(kept, tok)
	}

	if len(kept) > cfg.MaxTokens {
		kept = kept[len(kept)-cfg.MaxTokens:]
	}
	return strings.Join(kept, " ")
}
