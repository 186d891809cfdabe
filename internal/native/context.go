//go:build native

package native

/*
#include "binding.h"
*/
import "C"
import (
	"errors"
	"fmt"
	"sync"

	"SimpleLLM/internal/engine"
)

var errContextClosed = errors.New("native: context is closed")

// Context wraps a llama.cpp inference context and its KV cache. Calls are
// serialized internally, but a Context is meant to be driven by one worker.
type Context struct {
	handle C.oe_context_t
	model  *Model
	mu     sync.Mutex
	closed bool

	// Reused per Decode to avoid reallocating for every token.
	pos    []int32
	logits []int8
}

func (c *Context) NCtx() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return int(cNCtx(c.handle))
}

// Decode evaluates batch on sequence 0.
func (c *Context) Decode(batch *engine.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errContextClosed
	}
	n := batch.Len()
	if n == 0 {
		return nil
	}

	c.pos = c.pos[:0]
	c.logits = c.logits[:0]
	for i := 0; i < n; i++ {
		c.pos = append(c.pos, int32(batch.Positions[i]))
		var flag int8
		if batch.Logits[i] {
			flag = 1
		}
		c.logits = append(c.logits, flag)
	}

	switch rc := cDecode(c.handle, batch.Tokens, c.pos, c.logits); rc {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("native: KV cache full, need larger context or shorter prompt")
	default:
		return fmt.Errorf("native: decode failed with code %d", rc)
	}
}

// Logits returns a copy of the last output row.
func (c *Context) Logits() ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errContextClosed
	}
	out := cGetLogits(c.handle, c.model.nVocab)
	if out == nil {
		return nil, errors.New("native: no logits for last position")
	}
	return out, nil
}

// EmbeddingsSeq returns a copy of the pooled embedding of seq. Models without
// pooling fall back to the last token's embedding.
func (c *Context) EmbeddingsSeq(seq int) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errContextClosed
	}
	out := cGetEmbeddingsSeq(c.handle, int32(seq), c.model.nEmbd)
	if out == nil {
		return nil, errors.New("native: embeddings unavailable, was the context created with embeddings enabled?")
	}
	return out, nil
}

func (c *Context) ClearKV() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	cMemoryClear(c.handle)
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	cContextFree(c.handle)
	c.handle = nil
	return nil
}
