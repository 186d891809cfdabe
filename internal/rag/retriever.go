// Package rag selects the passages of documents most relevant to a query by
// embedding fixed-size segments and ranking them by cosine similarity.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Embedder returns the embedding of a text. The embedding cache is the
// usual implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever ranks document segments against a query.
type Retriever struct {
	embedder      Embedder
	splitter      Splitter
	keywordWeight float64
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithKeywordWeight blends a keyword score into ranking. See Blend.
func WithKeywordWeight(w float64) Option {
	return func(r *Retriever) {
		r.keywordWeight = w
	}
}

// NewRetriever returns a retriever that segments with splitter and embeds
// with embedder.
func NewRetriever(embedder Embedder, splitter Splitter, opts ...Option) *Retriever {
	if splitter == nil {
		splitter = WordSplitter{}
	}
	r := &Retriever{embedder: embedder, splitter: splitter}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetrieveContext loads the files at paths, splits them into segments of
// segmentSize and returns the topN most relevant joined by blank lines.
func (r *Retriever) RetrieveContext(ctx context.Context, query string, paths []string, segmentSize, topN int) (string, error) {
	texts, err := LoadDocuments(ctx, paths)
	if err != nil {
		return "", err
	}
	return r.RetrieveText(ctx, query, texts, segmentSize, topN)
}

// RetrieveText is RetrieveContext over in-memory documents.
func (r *Retriever) RetrieveText(ctx context.Context, query string, texts []string, segmentSize, topN int) (string, error) {
	scored, err := r.Search(ctx, query, texts, segmentSize)
	if err != nil {
		return "", err
	}
	if topN <= 0 {
		return "", nil
	}
	if topN > len(scored) {
		topN = len(scored)
	}
	picked := make([]string, topN)
	for i := range picked {
		picked[i] = scored[i].Text
	}
	return Join(picked), nil
}

// Search embeds the query and every segment of texts and returns all
// segments ordered by descending score.
func (r *Retriever) Search(ctx context.Context, query string, texts []string, segmentSize int) ([]Scored, error) {
	if r.embedder == nil {
		return nil, errors.New("rag: no embedder configured")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("rag: empty query")
	}

	start := time.Now()
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	segments, err := r.Segments(ctx, texts, segmentSize)
	if err != nil {
		return nil, err
	}
	scored := Blend(query, Score(queryVec, segments), r.keywordWeight)
	log.Printf("rag: ranked %d segments from %d documents in %s", len(segments), len(texts), time.Since(start).Round(time.Millisecond))
	return scored, nil
}

// Segments splits texts and embeds each segment.
func (r *Retriever) Segments(ctx context.Context, texts []string, segmentSize int) ([]Segment, error) {
	var segments []Segment
	for _, text := range texts {
		parts, err := r.splitter.Split(ctx, text, segmentSize)
		if err != nil {
			return nil, fmt.Errorf("rag: split: %w", err)
		}
		for _, part := range parts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := r.embedder.Embed(ctx, part)
			if err != nil {
				return nil, fmt.Errorf("rag: embed segment: %w", err)
			}
			segments = append(segments, Segment{Text: part, Embedding: vec})
		}
	}
	return segments, nil
}
