// Package contextbuilder implements the pure prompt-assembly functions
// of spec §4.4: build_cards_context and build_facts_context, plus the
// per-section token breakdown both rely on.
package contextbuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ocx/realtime-worker/internal/tokencount"
	"github.com/ocx/realtime-worker/internal/transcriptfilter"
	"github.com/ocx/realtime-worker/internal/types"
)

// Config carries the tunables of prompt assembly, all configurable per
// SPEC_FULL.md's ambient-stack requirement.
type Config struct {
	RecentCharsForCards int
	RecentCharsForFacts int
	TokenCounter        tokencount.Config
	FilterConfig        transcriptfilter.Config
	SystemPreamble      string
}

func defaultConfig() Config {
	return Config{
		RecentCharsForCards: 4000,
		RecentCharsForFacts: 8000,
		SystemPreamble:      "You are assisting a live event in real time.",
	}
}

func withDefaults(cfg Config) Config {
	d := defaultConfig()
	if cfg.RecentCharsForCards <= 0 {
		cfg.RecentCharsForCards = d.RecentCharsForCards
	}
	if cfg.RecentCharsForFacts <= 0 {
		cfg.RecentCharsForFacts = d.RecentCharsForFacts
	}
	if cfg.SystemPreamble == "" {
		cfg.SystemPreamble = d.SystemPreamble
	}
	return cfg
}

// Snapshot is the read-only view of one EventRuntime's state that the
// builder needs. EventRuntime assembles this under its own lock; the
// builder itself holds none and mutates nothing.
type Snapshot struct {
	RecentTranscript string
	Facts            []types.Fact
	Glossary         []types.GlossaryEntry
}

// BuildCardsContext implements spec §4.4 build_cards_context(runtime,
// current_text).
func BuildCardsContext(snap Snapshot, currentText string, cfg Config) (types.CardsContext, types.TokenBreakdown) {
	cfg = withDefaults(cfg)

	bullets := factsToBullets(snap.Facts)
	factViews := make(map[string]types.FactView, len(snap.Facts))
	for _, f := range snap.Facts {
		factViews[f.Key] = types.FactView{Value: f.Value, Confidence: f.Confidence}
	}
	glossaryCtx := renderGlossary(snap.Glossary)

	systemTokens := tokencount.Count(cfg.SystemPreamble, cfg.TokenCounter)
	historyTokens := tokencount.Count(currentText, cfg.TokenCounter)
	factsTokens := tokencount.Count(strings.Join(bullets, "\n"), cfg.TokenCounter)
	glossaryTokens := tokencount.Count(glossaryCtx, cfg.TokenCounter)

	breakdown := types.TokenBreakdown{
		Breakdown: map[string]int{
			"system":     systemTokens,
			"history":    historyTokens,
			"facts":      factsTokens,
			"glossary":   glossaryTokens,
			"transcript": 0,
		},
	}
	breakdown.Total = systemTokens + historyTokens + factsTokens + glossaryTokens

	ctx := types.CardsContext{
		Bullets:         bullets,
		Facts:           factViews,
		GlossaryContext: glossaryCtx,
		Tokens:          breakdown,
	}
	return ctx, breakdown
}

// BuildFactsContext implements spec §4.4 build_facts_context(runtime).
// recent_text is the §4.11-cleaned recent transcript.
func BuildFactsContext(snap Snapshot, cfg Config) (types.FactsContext, types.TokenBreakdown) {
	cfg = withDefaults(cfg)

	recentText := transcriptfilter.Clean(snap.RecentTranscript, cfg.FilterConfig)
	glossaryCtx := renderGlossary(snap.Glossary)

	systemTokens := tokencount.Count(cfg.SystemPreamble, cfg.TokenCounter)
	transcriptTokens := tokencount.Count(recentText, cfg.TokenCounter)
	glossaryTokens := tokencount.Count(glossaryCtx, cfg.TokenCounter)

	context := strings.TrimSpace(cfg.SystemPreamble + "\n\n" + glossaryCtx)

	breakdown := types.TokenBreakdown{
		Breakdown: map[string]int{
			"system":     systemTokens,
			"history":    0,
			"facts":      0,
			"glossary":   glossaryTokens,
			"transcript": transcriptTokens,
		},
	}
	breakdown.Total = systemTokens + transcriptTokens + glossaryTokens

	fc := types.FactsContext{
		Context:    context,
		RecentText: recentText,
		Tokens:     breakdown,
	}
	return fc, breakdown
}

func factsToBullets(facts []types.Fact) []string {
	ordered := make([]types.Fact, len(facts))
	copy(ordered, facts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	bullets := make([]string, 0, len(ordered))
	for _, f := range ordered {
		bullets = append(bullets, fmt.Sprintf("%s: %v (confidence %.2f)", f.Key, f.Value, f.Confidence))
	}
	return bullets
}

func renderGlossary(entries []types.GlossaryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Term, e.Definition))
	}
	return strings.Join(lines, "\n")
}
