package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerationEquality(t *testing.T) {
	a := NewGeneration("1")
	b := NewGeneration("1")
	c := NewGeneration("2")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, UnknownGeneration.Equal(UnknownGeneration), "unknown has no basis for comparison, even with itself")
}

func TestGenerationSentinels(t *testing.T) {
	assert.True(t, UnknownGeneration.IsUnknown())
	assert.True(t, NoValueGeneration.IsNoValue())
	assert.True(t, UnconditionalGeneration.IsUnconditional())
}

func TestKeyRangeContains(t *testing.T) {
	bounded := KeyRange{Inclusive: "b", Exclusive: "d"}
	assert.False(t, bounded.Contains("a"))
	assert.True(t, bounded.Contains("b"))
	assert.True(t, bounded.Contains("c"))
	assert.False(t, bounded.Contains("d"))

	unbounded := KeyRange{Inclusive: "m"}
	assert.True(t, unbounded.Contains("zzz"))
	assert.False(t, unbounded.Contains("a"))
}
