package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SimpleLLM/internal/embedding"
	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/engine/enginetest"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"parallel", []float32{1, 0}, []float32{5, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRankParallelBeatsOrthogonal(t *testing.T) {
	segments := []Segment{
		{Text: "seg_b", Embedding: []float32{0, 1}},
		{Text: "seg_a", Embedding: []float32{2, 0}},
	}
	assert.Equal(t, []string{"seg_a"}, Rank([]float32{1, 0}, segments, 1))
}

func TestRankTopK(t *testing.T) {
	segments := []Segment{
		{Text: "a", Embedding: []float32{1, 0}},
		{Text: "b", Embedding: []float32{1, 1}},
		{Text: "c", Embedding: []float32{0, 1}},
	}
	q := []float32{1, 0.1}

	assert.Nil(t, Rank(q, segments, 0))
	assert.Nil(t, Rank(q, segments, -1))
	assert.Len(t, Rank(q, segments, 2), 2)
	assert.Equal(t, []string{"a", "b", "c"}, Rank(q, segments, 10))
	assert.Empty(t, Rank(q, nil, 3))
}

func TestScoreOrderingAndStability(t *testing.T) {
	segments := []Segment{
		{Text: "first-tie", Embedding: []float32{0, 1}},
		{Text: "best", Embedding: []float32{1, 0}},
		{Text: "second-tie", Embedding: []float32{0, 2}},
		{Text: "zero", Embedding: []float32{0, 0}},
	}
	scored := Score([]float32{1, 0}, segments)
	require.Len(t, scored, 4)
	assert.Equal(t, "best", scored[0].Text)
	for i := 1; i < len(scored); i++ {
		assert.LessOrEqual(t, scored[i].Score, scored[i-1].Score)
	}
	// All three remaining segments score 0; input order is kept.
	assert.Equal(t, []string{"first-tie", "second-tie", "zero"},
		[]string{scored[1].Text, scored[2].Text, scored[3].Text})
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a\n\nb", Join([]string{"a", "b"}))
	assert.Equal(t, "", Join(nil))
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		size    int
		overlap int
		want    []string
	}{
		{"empty", "   ", 3, 0, nil},
		{"exact", "a b c d", 2, 0, []string{"a b", "c d"}},
		{"short tail", "a b c d e", 2, 0, []string{"a b", "c d", "e"}},
		{"overlap", "a b c d e", 3, 1, []string{"a b c", "c d e"}},
		{"overlap too large", "a b c", 2, 5, []string{"a b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkText(tt.input, tt.size, tt.overlap))
		})
	}
}

// byteTokenizer adapts the scripted fake model to Tokenizer.
type byteTokenizer struct{ m *enginetest.Model }

func (b byteTokenizer) Tokenize(_ context.Context, text string) ([]engine.Token, error) {
	return b.m.Tokenize(text, true)
}

func (b byteTokenizer) Detokenize(_ context.Context, tokens []engine.Token) (string, error) {
	return b.m.Detokenize(tokens)
}

func TestTokenSplitter(t *testing.T) {
	s := TokenSplitter{Tokenizer: byteTokenizer{enginetest.NewModel()}}

	// BOS plus seven bytes is eight tokens; the first segment carries BOS.
	parts, err := s.Split(context.Background(), "abcdefg", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab", "cde", "fg"}, parts)

	_, err = s.Split(context.Background(), "abc", 0)
	assert.Error(t, err)
}

// mapEmbedder returns fixed vectors per text.
type mapEmbedder struct {
	vecs  map[string][]float32
	calls []string
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls = append(m.calls, text)
	v, ok := m.vecs[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func TestRetrieveTextRanking(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{
		"query": {1, 0},
		"a b":   {1, 0},
		"c d":   {0, 1},
		"e f":   {1, 1},
	}}
	r := NewRetriever(emb, WordSplitter{})

	got, err := r.RetrieveText(context.Background(), "query", []string{"a b c d e f"}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "a b\n\ne f", got)

	none, err := r.RetrieveText(context.Background(), "query", []string{"a b c d e f"}, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieveErrors(t *testing.T) {
	r := NewRetriever(&mapEmbedder{vecs: map[string][]float32{}}, nil)
	_, err := r.RetrieveText(context.Background(), "", []string{"x"}, 2, 1)
	assert.Error(t, err)

	_, err = r.RetrieveText(context.Background(), "missing", []string{"x"}, 2, 1)
	assert.Error(t, err)

	_, err = NewRetriever(nil, nil).RetrieveText(context.Background(), "q", nil, 2, 1)
	assert.Error(t, err)
}

func TestLoadDocuments(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 6; i++ {
		p := filepath.Join(dir, fmt.Sprintf("doc%d.txt", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("content %d", i)), 0o644))
		paths = append(paths, p)
	}

	texts, err := LoadDocuments(context.Background(), paths)
	require.NoError(t, err)
	for i, text := range texts {
		assert.Equal(t, fmt.Sprintf("content %d", i), text)
	}

	_, err = LoadDocuments(context.Background(), append(paths, filepath.Join(dir, "missing.txt")))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRetrieveContextWithEmbeddingCache(t *testing.T) {
	model := enginetest.NewModel()
	// Texts mentioning "go" point one way, everything else the other.
	model.Embed = func(tokens []engine.Token) []float32 {
		text, _ := model.Detokenize(tokens)
		if strings.Contains(text, "go") {
			return []float32{1, 0}
		}
		return []float32{0, 1}
	}
	modelPath := filepath.Join(t.TempDir(), "embed.gguf")
	backend := &enginetest.Backend{Models: map[string]*enginetest.Model{modelPath: model}}
	local := embedding.NewLocalComputer(backend, modelPath, embedding.LocalOptions{})
	defer local.Close()

	cacheDir := t.TempDir()
	cache := embedding.NewCache(cacheDir, local)
	r := NewRetriever(cache, TokenSplitter{Tokenizer: local})

	doc := filepath.Join(t.TempDir(), "page.txt")
	require.NoError(t, os.WriteFile(doc, []byte("xxxxxxxxgo is funyyyyyyyy"), 0o644))

	got, err := r.RetrieveContext(context.Background(), "go", []string{doc}, 9, 1)
	require.NoError(t, err)
	assert.Contains(t, got, "go")

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "query and segment vectors are cached")

	decodes := model.Decodes()
	again, err := r.RetrieveContext(context.Background(), "go", []string{doc}, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, decodes, model.Decodes(), "second retrieval is served from the cache")
}
