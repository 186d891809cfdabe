// Package engine drives on-device inference: it sizes and validates the
// per-run inference context, runs the greedy decode loop with inline
// tool-call detection, and isolates blocking backend work on a dedicated
// worker goroutine.
//
// The inference backend itself is opaque. It is reached through the Model
// and Context interfaces; internal/native implements them over llama.cpp.
package engine

import "errors"

// Token is a vocabulary id. It is only meaningful for the model that
// produced it.
type Token = int32

// ModelParams configures model loading.
type ModelParams struct {
	// GPULayers is the number of layers offloaded to the GPU; 0 keeps the
	// model on the CPU and -1 offloads everything.
	GPULayers int
	UseMmap   bool
}

// ContextParams configures a backend inference context.
type ContextParams struct {
	NCtx       int
	NBatch     int
	NUBatch    int
	Threads    int
	Embeddings bool
}

// Backend loads models. Implementations are safe for concurrent use.
type Backend interface {
	LoadModel(path string, params ModelParams) (Model, error)
}

// Model is a loaded model handle.
type Model interface {
	// Tokenize converts text to tokens, prepending BOS when addBOS is set.
	// Special tokens in text are parsed.
	Tokenize(text string, addBOS bool) ([]Token, error)

	// TokenToPiece renders a single token, including special tokens.
	TokenToPiece(tok Token) (string, error)

	// Detokenize renders a token sequence as plain text.
	Detokenize(tokens []Token) (string, error)

	// IsEOG reports whether tok ends generation.
	IsEOG(tok Token) bool

	NewContext(params ContextParams) (Context, error)
	Close() error
}

// Context is a per-run inference context holding the KV cache.
type Context interface {
	// NCtx is the effective context window.
	NCtx() int

	// Decode submits one batch.
	Decode(batch *Batch) error

	// Logits returns the logits of the last output position of the most
	// recent Decode.
	Logits() ([]float32, error)

	// EmbeddingsSeq returns the pooled embedding for a sequence after a
	// Decode with embeddings enabled.
	EmbeddingsSeq(seq int) ([]float32, error)

	ClearKV()
	Close() error
}

// ErrBatchFull is returned by Batch.Add when the batch is at capacity.
var ErrBatchFull = errors.New("engine: batch full")

// Batch is the token buffer submitted to Context.Decode. All tokens belong
// to sequence 0.
type Batch struct {
	Tokens    []Token
	Positions []int
	Logits    []bool
	capacity  int
}

// NewBatch allocates a batch holding up to capacity tokens.
func NewBatch(capacity int) *Batch {
	return &Batch{
		Tokens:    make([]Token, 0, capacity),
		Positions: make([]int, 0, capacity),
		Logits:    make([]bool, 0, capacity),
		capacity:  capacity,
	}
}

// Add appends a token at pos. logits requests output for this position.
func (b *Batch) Add(tok Token, pos int, logits bool) error {
	if len(b.Tokens) >= b.capacity {
		return ErrBatchFull
	}
	b.Tokens = append(b.Tokens, tok)
	b.Positions = append(b.Positions, pos)
	b.Logits = append(b.Logits, logits)
	return nil
}

// Clear empties the batch, keeping its capacity.
func (b *Batch) Clear() {
	b.Tokens = b.Tokens[:0]
	b.Positions = b.Positions[:0]
	b.Logits = b.Logits[:0]
}

// Len returns the number of queued tokens.
func (b *Batch) Len() int { return len(b.Tokens) }

// Cap returns the batch capacity.
func (b *Batch) Cap() int { return b.capacity }
