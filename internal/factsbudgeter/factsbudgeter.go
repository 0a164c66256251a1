// Package factsbudgeter implements the priority/merge/summary budgeting
// algorithm of spec §4.5: fitting a fact set into a token ceiling while
// clustering near-duplicates and nudging confidence toward what
// actually got used.
package factsbudgeter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ocx/realtime-worker/internal/tokencount"
	"github.com/ocx/realtime-worker/internal/types"
)

const (
	defaultTopK              = 50
	defaultHeadroom          = 64
	defaultJaccardThreshold  = 0.85
	defaultSelectedBonus     = float32(0.02)
	defaultUnadmittedPenalty = float32(0.01)
	defaultConfidenceFloor   = float32(0.05)
	minUnadmittedForSummary  = 3
)

// Config carries every numeric threshold spec §4.5 requires to be
// configurable.
type Config struct {
	TopK              int
	Headroom          int
	JaccardThreshold  float64
	SelectedBonus     float32
	UnadmittedPenalty float32
	ConfidenceFloor   float32
	TokenCounter      tokencount.Config
}

func withDefaults(cfg Config) Config {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.Headroom <= 0 {
		cfg.Headroom = defaultHeadroom
	}
	if cfg.JaccardThreshold <= 0 {
		cfg.JaccardThreshold = defaultJaccardThreshold
	}
	if cfg.SelectedBonus == 0 {
		cfg.SelectedBonus = defaultSelectedBonus
	}
	if cfg.UnadmittedPenalty == 0 {
		cfg.UnadmittedPenalty = defaultUnadmittedPenalty
	}
	if cfg.ConfidenceFloor == 0 {
		cfg.ConfidenceFloor = defaultConfidenceFloor
	}
	return cfg
}

// Input is the budgeter's parameter block (spec §4.5).
type Input struct {
	Facts              []types.Fact
	RecentTranscript   string
	TotalBudgetTokens  int
	TranscriptTokens   int
	GlossaryTokens     int
}

// Budget runs the full spec §4.5 algorithm and returns the output
// block verbatim (selected_facts, prompt_facts, fact_adjustments,
// merge_operations, metrics).
func Budget(in Input, cfg Config) types.BudgetResult {
	cfg = withDefaults(cfg)

	sorted := prioritySort(in.Facts)
	if len(sorted) > cfg.TopK {
		sorted = sorted[:cfg.TopK]
	}

	available := in.TotalBudgetTokens - in.TranscriptTokens - in.GlossaryTokens - cfg.Headroom

	admitted := make([]types.Fact, 0, len(sorted))
	unadmitted := make([]types.Fact, 0)
	usedTokens := 0
	overflow := 0

	for _, f := range sorted {
		factTokens := tokencount.Count(renderFact(f), cfg.TokenCounter)
		if usedTokens+factTokens <= available {
			admitted = append(admitted, f)
			usedTokens += factTokens
			continue
		}
		overflow++
		unadmitted = append(unadmitted, f)
	}

	clusters, merges := clusterByJaccard(admitted, cfg.JaccardThreshold)

	summaryEmitted := false
	if len(unadmitted) >= minUnadmittedForSummary {
		summaryTokens := tokencount.Count(summaryLine(len(unadmitted)), cfg.TokenCounter)
		if usedTokens+summaryTokens <= available {
			summaryEmitted = true
			usedTokens += summaryTokens
		}
	}

	adjustments := make([]types.FactAdjustment, 0, len(clusters)+len(unadmitted))
	for _, f := range clusters {
		adjustments = append(adjustments, types.FactAdjustment{Key: f.Key, Delta: cfg.SelectedBonus})
	}
	for _, f := range unadmitted {
		adjustments = append(adjustments, types.FactAdjustment{Key: f.Key, Delta: -cfg.UnadmittedPenalty})
	}

	totalFacts := len(in.Facts)
	selectionRatio := 0.0
	if totalFacts > 0 {
		selectionRatio = float64(len(clusters)) / float64(totalFacts)
	}

	return types.BudgetResult{
		SelectedFacts:   admitted,
		PromptFacts:     clusters,
		FactAdjustments: adjustments,
		MergeOperations: merges,
		Metrics: types.BudgetMetrics{
			Selected:       len(clusters),
			TotalFacts:     totalFacts,
			Summary:        summaryEmitted,
			MergedClusters: len(merges),
			Overflow:       overflow,
			UsedTokens:     usedTokens,
			BudgetTokens:   in.TotalBudgetTokens,
			SelectionRatio: selectionRatio,
		},
	}
}

// prioritySort implements spec §4.5 step 1: confidence desc, then
// last_touched_at desc, last_seen_seq desc, created_at desc.
func prioritySort(facts []types.Fact) []types.Fact {
	out := make([]types.Fact, len(facts))
	copy(out, facts)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.LastTouchedAt.Equal(b.LastTouchedAt) {
			return a.LastTouchedAt.After(b.LastTouchedAt)
		}
		if a.LastSeenSeq != b.LastSeenSeq {
			return a.LastSeenSeq > b.LastSeenSeq
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out
}

func renderFact(f types.Fact) string {
	return fmt.Sprintf("%s: %v", f.Key, f.Value)
}

func summaryLine(n int) string {
	return fmt.Sprintf("%d additional facts", n)
}

// clusterByJaccard implements spec §4.5 step 4: group admitted facts by
// key similarity (Jaccard over token sets of the key, threshold
// configurable), keep the highest-confidence member of each group as
// representative, and record the rest as merged.
func clusterByJaccard(admitted []types.Fact, threshold float64) ([]types.Fact, []types.MergeOperation) {
	assigned := make([]bool, len(admitted))
	var reps []types.Fact
	var merges []types.MergeOperation

	for i := range admitted {
		if assigned[i] {
			continue
		}
		group := []int{i}
		assigned[i] = true
		for j := i + 1; j < len(admitted); j++ {
			if assigned[j] {
				continue
			}
			if jaccard(keyTokens(admitted[i].Key), keyTokens(admitted[j].Key)) >= threshold {
				group = append(group, j)
				assigned[j] = true
			}
		}

		repIdx := group[0]
		for _, idx := range group[1:] {
			if admitted[idx].Confidence > admitted[repIdx].Confidence {
				repIdx = idx
			}
		}
		reps = append(reps, admitted[repIdx])

		if len(group) > 1 {
			members := make([]string, 0, len(group)-1)
			for _, idx := range group {
				if idx == repIdx {
					continue
				}
				members = append(members, admitted[idx].Key)
			}
			merges = append(merges, types.MergeOperation{Rep: admitted[repIdx].Key, Members: members})
		}
	}
	return reps, merges
}

func keyTokens(key string) map[string]struct{} {
	parts := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		set[p] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
