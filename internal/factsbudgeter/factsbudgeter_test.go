package factsbudgeter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/realtime-worker/internal/types"
)

func factWithConfidence(key string, conf float32, touched time.Time) types.Fact {
	return types.Fact{Key: key, Value: "v", Confidence: conf, LastTouchedAt: touched, CreatedAt: touched}
}

func TestBudget_SelectedFactsAreSubsetOfInput(t *testing.T) {
	now := time.Now()
	facts := []types.Fact{
		factWithConfidence("a", 0.9, now),
		factWithConfidence("b", 0.5, now),
		factWithConfidence("c", 0.1, now),
	}
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 1000}, Config{})

	inputKeys := map[string]bool{}
	for _, f := range facts {
		inputKeys[f.Key] = true
	}
	for _, f := range result.SelectedFacts {
		assert.True(t, inputKeys[f.Key])
	}
}

func TestBudget_NeverExceedsTotalBudgetTokens(t *testing.T) {
	now := time.Now()
	var facts []types.Fact
	for i := 0; i < 80; i++ {
		facts = append(facts, factWithConfidence(fmt.Sprintf("fact_%d", i), float32(0.5), now.Add(time.Duration(i)*time.Second)))
	}
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 200, TranscriptTokens: 10, GlossaryTokens: 10}, Config{})
	assert.LessOrEqual(t, result.Metrics.UsedTokens, 200)
}

func TestBudget_PriorityOrderByConfidenceDesc(t *testing.T) {
	now := time.Now()
	facts := []types.Fact{
		factWithConfidence("low", 0.2, now),
		factWithConfidence("high", 0.9, now),
		factWithConfidence("mid", 0.5, now),
	}
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 10000}, Config{})
	require.GreaterOrEqual(t, len(result.SelectedFacts), 1)
	assert.Equal(t, "high", result.SelectedFacts[0].Key)
}

func TestBudget_TopKPreCap(t *testing.T) {
	now := time.Now()
	var facts []types.Fact
	for i := 0; i < 100; i++ {
		facts = append(facts, factWithConfidence(fmt.Sprintf("f%d", i), float32(1.0), now.Add(time.Duration(i)*time.Millisecond)))
	}
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 1 << 20}, Config{TopK: 50})
	assert.LessOrEqual(t, len(result.SelectedFacts), 50)
}

func TestBudget_ClusterMergesSimilarKeys(t *testing.T) {
	now := time.Now()
	facts := []types.Fact{
		factWithConfidence("speaker_name", 0.9, now),
		factWithConfidence("speaker-name", 0.5, now),
	}
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 1000}, Config{JaccardThreshold: 0.5})
	require.Len(t, result.PromptFacts, 1)
	assert.Equal(t, "speaker_name", result.PromptFacts[0].Key)
	require.Len(t, result.MergeOperations, 1)
	assert.Equal(t, "speaker_name", result.MergeOperations[0].Rep)
	assert.Contains(t, result.MergeOperations[0].Members, "speaker-name")
}

func TestBudget_SummaryTailEmittedWhenThreeOrMoreUnadmitted(t *testing.T) {
	now := time.Now()
	var facts []types.Fact
	for i := 0; i < 10; i++ {
		facts = append(facts, factWithConfidence(fmt.Sprintf("fact_number_%d_with_long_value", i), 1.0, now.Add(time.Duration(i)*time.Millisecond)))
	}
	// Each fact renders as 32 runes = 8 tokens. Headroom 0 falls back to
	// the default 64, leaving 46 tokens: five facts (40) are admitted and
	// the 5-token "5 additional facts" line still fits after them.
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 110, TranscriptTokens: 0, GlossaryTokens: 0}, Config{Headroom: 0})
	assert.True(t, result.Metrics.Summary)
	assert.Greater(t, result.Metrics.Overflow, 0)
}

func TestBudget_ConfidenceAdjustmentsSelectedPositiveUnadmittedNegative(t *testing.T) {
	now := time.Now()
	facts := []types.Fact{
		factWithConfidence("keep", 0.9, now),
		factWithConfidence("drop", 0.1, now),
	}
	// Headroom 0 falls back to the default 64, leaving 2 tokens:
	// "keep: v" (2 tokens) is admitted, "drop: v" no longer fits.
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 66, TranscriptTokens: 0, GlossaryTokens: 0}, Config{Headroom: 0})

	var keepDelta, dropDelta float32
	for _, adj := range result.FactAdjustments {
		if adj.Key == "keep" {
			keepDelta = adj.Delta
		}
		if adj.Key == "drop" {
			dropDelta = adj.Delta
		}
	}
	assert.Greater(t, keepDelta, float32(0))
	assert.Less(t, dropDelta, float32(0))
}

func TestBudget_EmptyFactsYieldsZeroedMetrics(t *testing.T) {
	result := Budget(Input{Facts: nil, TotalBudgetTokens: 1000}, Config{})
	assert.Empty(t, result.SelectedFacts)
	assert.Equal(t, 0, result.Metrics.TotalFacts)
	assert.Equal(t, 0.0, result.Metrics.SelectionRatio)
}

func TestBudget_SelectionRatioIsSelectedOverTotal(t *testing.T) {
	now := time.Now()
	facts := []types.Fact{
		factWithConfidence("a", 0.9, now),
		factWithConfidence("b", 0.8, now),
	}
	result := Budget(Input{Facts: facts, TotalBudgetTokens: 10000}, Config{})
	assert.InDelta(t, float64(result.Metrics.Selected)/2.0, result.Metrics.SelectionRatio, 1e-9)
}
