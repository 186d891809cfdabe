package rag

import (
	"sort"
	"strings"
)

// BM25 parameters. IDF is taken as 1 since the candidate set is a handful
// of segments rather than a corpus.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {},
	"if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"so": {}, "than": {}, "that": {}, "the": {}, "then": {}, "these": {}, "this": {}, "those": {},
	"to": {}, "was": {}, "were": {}, "what": {}, "when": {}, "which": {}, "who": {}, "with": {},
}

// Keywords returns the distinct lower-cased terms of text, without
// punctuation, single letters or stopwords, in order of first appearance.
func Keywords(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, w := range words(text) {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func words(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, ".,!?;:\"'()[]{}<>`*"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// KeywordScore is a BM25 term-frequency score of text for terms, averaged
// over the terms. avgLen is the mean segment length in words.
func KeywordScore(terms []string, text string, avgLen float64) float64 {
	if len(terms) == 0 {
		return 0
	}
	tf := make(map[string]int)
	doc := words(text)
	for _, w := range doc {
		tf[w]++
	}
	if avgLen <= 0 {
		avgLen = float64(len(doc))
	}
	norm := 1 - bm25B
	if avgLen > 0 {
		norm += bm25B * float64(len(doc)) / avgLen
	}

	var score float64
	for _, term := range terms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		score += f * (bm25K1 + 1) / (f + bm25K1*norm)
	}
	return score / float64(len(terms))
}

// Blend re-scores segments as (1-weight)*similarity + weight*keyword score
// against query and re-sorts them, keeping input order between ties. A
// weight of zero leaves scored untouched.
func Blend(query string, scored []Scored, weight float64) []Scored {
	if weight <= 0 || len(scored) == 0 {
		return scored
	}
	weight = min(weight, 1)
	terms := Keywords(query)

	var total int
	for _, s := range scored {
		total += len(words(s.Text))
	}
	avgLen := float64(total) / float64(len(scored))

	out := make([]Scored, len(scored))
	for i, s := range scored {
		s.Score = (1-weight)*s.Score + weight*KeywordScore(terms, s.Text, avgLen)
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}
