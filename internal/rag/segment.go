package rag

import (
	"context"
	"fmt"
	"strings"

	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/runtime"
)

// Splitter cuts a document into segments of about size units.
type Splitter interface {
	Split(ctx context.Context, text string, size int) ([]string, error)
}

// Tokenizer is the part of an embedding model used to cut segments on
// token boundaries.
type Tokenizer interface {
	// Tokenize prepends BOS.
	Tokenize(ctx context.Context, text string) ([]engine.Token, error)
	Detokenize(ctx context.Context, tokens []engine.Token) (string, error)
}

// TokenSplitter cuts text into runs of size tokens; the last segment may be
// shorter. Segments are detokenized back to text.
type TokenSplitter struct {
	Tokenizer Tokenizer
}

func (s TokenSplitter) Split(ctx context.Context, text string, size int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("rag: segment size must be positive, got %d", size)
	}
	tokens, err := s.Tokenizer.Tokenize(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("rag: no tokens: %w", runtime.ErrTokenization)
	}

	segments := make([]string, 0, len(tokens)/size+1)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		seg, err := s.Tokenizer.Detokenize(ctx, tokens[start:end])
		if err != nil {
			return nil, err
		}
		if seg == "" {
			continue
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// WordSplitter cuts text into runs of size whitespace-separated words with
// Overlap words repeated between neighbours. It is used when no local
// tokenizer is available.
type WordSplitter struct {
	Overlap int
}

func (s WordSplitter) Split(_ context.Context, text string, size int) ([]string, error) {
	return chunkText(text, size, s.Overlap), nil
}

func chunkText(input string, size, overlap int) []string {
	words := strings.Fields(input)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = 256
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	chunks := make([]string, 0, (len(words)/step)+1)
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}
