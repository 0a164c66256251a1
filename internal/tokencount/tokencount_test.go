package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCount_EmptyStringIsZero(t *testing.T) {
	assert.Equal(t, 0, Count("", Config{}))
}

func TestCount_IsDeterministic(t *testing.T) {
	s := "the quick brown fox jumps over the lazy dog"
	a := Count(s, Config{})
	b := Count(s, Config{})
	assert.Equal(t, a, b)
}

func TestCount_MonotonicInLength(t *testing.T) {
	short := Count("hello", Config{})
	long := Count("hello there, this is a much longer sentence with many more words", Config{})
	assert.Less(t, short, long)
}

func TestCount_RespectsCustomCharsPerToken(t *testing.T) {
	s := "abcdefghijklmnopqrstuvwxyz"
	coarse := Count(s, Config{CharsPerToken: 10})
	fine := Count(s, Config{CharsPerToken: 2})
	assert.Less(t, coarse, fine)
}

func TestCount_AtLeastOneTokenPerWord(t *testing.T) {
	assert.GreaterOrEqual(t, Count("a b c d e", Config{CharsPerToken: 1000}), 5)
}
