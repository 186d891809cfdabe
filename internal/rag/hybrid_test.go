package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"quick", "brown", "fox"}, Keywords("The quick, QUICK brown fox!"))
	assert.Empty(t, Keywords("a of the"))
}

func TestKeywordScore(t *testing.T) {
	terms := []string{"llama", "gguf"}
	assert.Zero(t, KeywordScore(nil, "llama gguf", 2))
	assert.Zero(t, KeywordScore(terms, "nothing relevant here", 3))

	one := KeywordScore(terms, "llama runs models", 3)
	both := KeywordScore(terms, "llama loads gguf", 3)
	assert.Greater(t, one, 0.0)
	assert.Greater(t, both, one)
}

func TestBlend(t *testing.T) {
	scored := []Scored{
		{Segment: Segment{Text: "cats sleep"}, Score: 0.9},
		{Segment: Segment{Text: "dogs bark loudly"}, Score: 0.1},
	}

	assert.Equal(t, scored, Blend("dogs", scored, 0))

	got := Blend("dogs", scored, 1)
	require.Len(t, got, 2)
	assert.Equal(t, "dogs bark loudly", got[0].Text)
	assert.Equal(t, 0.9, scored[0].Score, "input is not modified")
}

func TestRetrieverKeywordWeight(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{
		"fox":     {1, 0},
		"cat mat": {1, 0},
		"fox den": {0.6, 0.8},
	}}
	docs := []string{"cat mat fox den"}

	plain, err := NewRetriever(emb, WordSplitter{}).RetrieveText(context.Background(), "fox", docs, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "cat mat", plain)

	blended, err := NewRetriever(emb, WordSplitter{}, WithKeywordWeight(0.5)).RetrieveText(context.Background(), "fox", docs, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "fox den", blended)
}
