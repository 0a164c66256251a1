package transcriptfilter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean_DropsFillerWords(t *testing.T) {
	out := Clean("um so like we need to uh ship this", Config{})
	assert.NotContains(t, strings.Fields(out), "um")
	assert.NotContains(t, strings.Fields(out), "uh")
	assert.Contains(t, out, "ship this")
}

func TestClean_CollapsesWhitespace(t *testing.T) {
	out := Clean("hello    world\n\tfoo", Config{})
	assert.Equal(t, "hello world foo", out)
}

func TestClean_DropsSpeakerTags(t *testing.T) {
	out := Clean("Alice: we should ship today\nBob: agreed", Config{})
	assert.NotContains(t, out, "Alice:")
	assert.NotContains(t, out, "Bob:")
	assert.Contains(t, out, "ship today")
	assert.Contains(t, out, "agreed")
}

func TestClean_TruncatesToMostRecentTokens(t *testing.T) {
	out := Clean("one two three four five", Config{MaxTokens: 2})
	assert.Equal(t, "four five", out)
}

func TestClean_EmptyInput(t *testing.T) {
	assert.Equal(t, "", Clean("", Config{}))
	assert.Equal(t, "", Clean("   \n\t  ", Config{}))
}

func TestClean_IsIdempotent(t *testing.T) {
	inputs := []string{
		"um Alice: we should uh ship this today like now",
		"no filler words here at all",
		"",
		"   spaced   out    text  ",
	}
	for _, in := range inputs {
		once := Clean(in, Config{MaxTokens: 3})
		twice := Clean(once, Config{MaxTokens: 3})
		assert.Equal(t, once, twice, "Clean must be idempotent for input %q", in)
	}
}

func TestClean_DefaultMaxTokensAppliedWhenZero(t *testing.T) {
	words := make([]string, 1500)
	for i := range words {
		words[i] = "w"
	}
	out := Clean(strings.Join(words, " "), Config{})
	assert.Len(t, strings.Fields(out), 1000)
}
