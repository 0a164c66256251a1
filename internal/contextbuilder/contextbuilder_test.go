package contextbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/realtime-worker/internal/types"
)

func sampleFacts() []types.Fact {
	return []types.Fact{
		{Key: "speaker_name", Value: "Alice", Confidence: 0.9},
		{Key: "topic", Value: "roadmap", Confidence: 0.7},
	}
}

func TestBuildCardsContext_IncludesAllFactsAsBullets(t *testing.T) {
	snap := Snapshot{Facts: sampleFacts()}
	ctx, _ := BuildCardsContext(snap, "we should ship by friday", Config{})
	assert.Len(t, ctx.Bullets, 2)
	assert.Contains(t, ctx.Facts, "speaker_name")
	assert.Equal(t, "Alice", ctx.Facts["speaker_name"].Value)
}

func TestBuildCardsContext_BulletsAreDeterministicallyOrdered(t *testing.T) {
	snap := Snapshot{Facts: sampleFacts()}
	ctx1, _ := BuildCardsContext(snap, "text", Config{})
	ctx2, _ := BuildCardsContext(snap, "text", Config{})
	assert.Equal(t, ctx1.Bullets, ctx2.Bullets)
}

func TestBuildCardsContext_TokenBreakdownSumsToTotal(t *testing.T) {
	snap := Snapshot{Facts: sampleFacts(), Glossary: []types.GlossaryEntry{{Term: "MRR", Definition: "monthly recurring revenue"}}}
	_, breakdown := BuildCardsContext(snap, "some current text here", Config{})
	sum := 0
	for _, v := range breakdown.Breakdown {
		sum += v
	}
	assert.Equal(t, breakdown.Total, sum)
}

func TestBuildFactsContext_CleansTranscriptViaFilter(t *testing.T) {
	snap := Snapshot{RecentTranscript: "Alice: um we should uh ship this"}
	fc, _ := BuildFactsContext(snap, Config{})
	assert.NotContains(t, fc.RecentText, "Alice:")
	assert.NotContains(t, fc.RecentText, "um")
}

func TestBuildFactsContext_TokenBreakdownSumsToTotal(t *testing.T) {
	snap := Snapshot{RecentTranscript: "some transcript text", Glossary: []types.GlossaryEntry{{Term: "KPI", Definition: "key performance indicator"}}}
	_, breakdown := BuildFactsContext(snap, Config{})
	sum := 0
	for _, v := range breakdown.Breakdown {
		sum += v
	}
	assert.Equal(t, breakdown.Total, sum)
}

func TestBuildCardsContext_EmptyFactsProducesNoBullets(t *testing.T) {
	ctx, _ := BuildCardsContext(Snapshot{}, "", Config{})
	assert.Empty(t, ctx.Bullets)
	assert.Empty(t, ctx.Facts)
}

func TestBuildFactsContext_GlossaryEmptyYieldsNoGlossarySection(t *testing.T) {
	fc, _ := BuildFactsContext(Snapshot{RecentTranscript: "hello"}, Config{})
	assert.NotContains(t, fc.Context, "undefined")
}
