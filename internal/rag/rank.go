package rag

import (
	"math"
	"sort"
	"strings"
)

// Segment is a span of a document together with its embedding.
type Segment struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// Scored is a segment with its similarity to a query.
type Scored struct {
	Segment
	Score float64 `json:"score"`
}

// Cosine returns the cosine similarity of a and b. It is 0 when either
// vector has zero norm or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Score orders segments by descending similarity to query. Segments with
// equal scores keep their input order.
func Score(query []float32, segments []Segment) []Scored {
	out := make([]Scored, len(segments))
	for i, s := range segments {
		out[i] = Scored{Segment: s, Score: Cosine(query, s.Embedding)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Rank returns the texts of the topK segments most similar to query.
func Rank(query []float32, segments []Segment, topK int) []string {
	if topK <= 0 {
		return nil
	}
	scored := Score(query, segments)
	if topK > len(scored) {
		topK = len(scored)
	}
	texts := make([]string, topK)
	for i := range texts {
		texts[i] = scored[i].Text
	}
	return texts
}

// Join concatenates ranked texts with blank lines between them.
func Join(texts []string) string {
	return strings.Join(texts, "\n\n")
}
