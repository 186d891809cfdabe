package engine

import (
	"fmt"

	"SimpleLLM/internal/runtime"
)

// SampleGreedy picks the highest-scoring token from the context's current
// logits.
func SampleGreedy(ctx Context) (Token, error) {
	logits, err := ctx.Logits()
	if err != nil {
		return 0, fmt.Errorf("engine: sample: %w: %w", runtime.ErrDecode, err)
	}
	if len(logits) == 0 {
		return 0, fmt.Errorf("engine: sample: no logits: %w", runtime.ErrDecode)
	}
	return argmaxToken(logits), nil
}

// argmaxToken returns the index of the largest logit. Ties resolve to the
// lowest index.
func argmaxToken(logits []float32) Token {
	if len(logits) == 0 {
		return 0
	}
	best := 0
	bestVal := logits[0]
	for i := 1; i < len(logits); i++ {
		if logits[i] > bestVal {
			bestVal = logits[i]
			best = i
		}
	}
	return Token(best)
}
