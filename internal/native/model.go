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

var errModelClosed = errors.New("native: model is closed")

// Model wraps a loaded GGUF model. The underlying llama_model is read-only
// after load, so Model is safe for concurrent use.
type Model struct {
	handle C.oe_model_t
	nEmbd  int32
	nVocab int32
	mu     sync.RWMutex
	closed bool
}

// LoadModel loads a GGUF model from path.
func LoadModel(path string, params engine.ModelParams) (*Model, error) {
	handle := cModelLoad(path, int32(params.GPULayers), params.UseMmap)
	if handle == nil {
		return nil, fmt.Errorf("native: failed to load model from %q", path)
	}
	return &Model{
		handle: handle,
		nEmbd:  cModelNEmbd(handle),
		nVocab: cVocabNTokens(handle),
	}, nil
}

// Tokenize converts text to tokens. Special tokens in text are always parsed.
func (m *Model) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errModelClosed
	}

	// First pass sizes the buffer: a negative count is the required size.
	n := cTokenize(m.handle, text, nil, addBOS)
	if n == 0 {
		return nil, nil
	}
	if n < 0 {
		n = -n
	}
	tokens := make([]int32, n)
	n = cTokenize(m.handle, text, tokens, addBOS)
	if n < 0 {
		return nil, fmt.Errorf("native: tokenization failed, need %d tokens", -n)
	}
	return tokens[:n], nil
}

func (m *Model) TokenToPiece(tok engine.Token) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", errModelClosed
	}
	return cTokenToPiece(m.handle, tok), nil
}

func (m *Model) Detokenize(tokens []engine.Token) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", errModelClosed
	}
	return cDetokenize(m.handle, tokens), nil
}

// IsEOG reports whether tok ends generation. A closed model treats every
// token as EOG so loops terminate.
func (m *Model) IsEOG(tok engine.Token) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return true
	}
	return cTokenIsEOG(m.handle, tok)
}

// NewContext creates an inference context over this model.
func (m *Model) NewContext(params engine.ContextParams) (engine.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errModelClosed
	}

	nBatch := params.NBatch
	if nBatch <= 0 {
		nBatch = 512
	}
	nUBatch := params.NUBatch
	if nUBatch <= 0 {
		nUBatch = nBatch
	}
	handle := cContextNew(m.handle, uint32(params.NCtx), uint32(nBatch), uint32(nUBatch),
		int32(params.Threads), params.Embeddings)
	if handle == nil {
		return nil, fmt.Errorf("native: failed to create context (n_ctx=%d)", params.NCtx)
	}
	return &Context{handle: handle, model: m}, nil
}

// Close frees the model. Contexts created from it must be closed first.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	cModelFree(m.handle)
	m.handle = nil
	return nil
}
