// Package enginetest provides a scripted in-memory inference backend for
// tests. Text is tokenized one byte per token, generation follows a fixed
// script of pieces, and embeddings are a deterministic bag of tokens.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"SimpleLLM/internal/engine"
)

// Reserved token ids.
const (
	BOS engine.Token = 1
	EOG engine.Token = 2

	byteBase  = 10
	pieceBase = 1000
)

// EOGPiece in a script makes the model sample its EOG token.
const EOGPiece = "<EOG>"

// DefaultEmbedDim is the vector size produced by the default embedder.
const DefaultEmbedDim = 16

// Model is a fake engine.Model.
type Model struct {
	// Embed overrides the default bag-of-tokens embedder.
	Embed func(tokens []engine.Token) []float32

	// Injected failures.
	TokenizeErr error
	ContextErr  error
	DecodeErr   error
	// FailDecodeAt fails the n-th Decode (1-based) across all contexts.
	FailDecodeAt int64
	// FailPiece makes TokenToPiece fail for this piece.
	FailPiece string

	// NCtx overrides the window reported by contexts.
	NCtx int

	script []engine.Token
	pieces []string
	ids    map[string]engine.Token

	decodes  atomic.Int64
	contexts atomic.Int64
	closed   atomic.Bool

	mu         sync.Mutex
	lastParams engine.ContextParams
}

var _ engine.Model = (*Model)(nil)

// NewModel returns a model that generates script, one piece per token,
// and then samples EOG.
func NewModel(script ...string) *Model {
	m := &Model{ids: make(map[string]engine.Token)}
	for _, p := range script {
		m.script = append(m.script, m.intern(p))
	}
	return m
}

func (m *Model) intern(piece string) engine.Token {
	if piece == EOGPiece {
		return EOG
	}
	if id, ok := m.ids[piece]; ok {
		return id
	}
	id := engine.Token(pieceBase + len(m.pieces))
	m.pieces = append(m.pieces, piece)
	m.ids[piece] = id
	return id
}

// Tokenize maps each byte of text to its own token.
func (m *Model) Tokenize(text string, addBOS bool) ([]engine.Token, error) {
	if m.TokenizeErr != nil {
		return nil, m.TokenizeErr
	}
	out := make([]engine.Token, 0, len(text)+1)
	if addBOS {
		out = append(out, BOS)
	}
	for i := 0; i < len(text); i++ {
		out = append(out, engine.Token(byteBase+int(text[i])))
	}
	return out, nil
}

// TokenToPiece renders a token.
func (m *Model) TokenToPiece(tok engine.Token) (string, error) {
	var piece string
	switch {
	case tok == BOS:
		piece = "<s>"
	case tok == EOG:
		piece = "</s>"
	case tok >= byteBase && tok < byteBase+256:
		piece = string([]byte{byte(tok - byteBase)})
	case tok >= pieceBase && int(tok-pieceBase) < len(m.pieces):
		piece = m.pieces[tok-pieceBase]
	default:
		return "", fmt.Errorf("enginetest: unknown token %d", tok)
	}
	if m.FailPiece != "" && piece == m.FailPiece {
		return "", errors.New("enginetest: piece conversion failed")
	}
	return piece, nil
}

// Detokenize renders tokens as plain text, dropping BOS and EOG.
func (m *Model) Detokenize(tokens []engine.Token) (string, error) {
	var buf []byte
	for _, tok := range tokens {
		if tok == BOS || tok == EOG {
			continue
		}
		p, err := m.TokenToPiece(tok)
		if err != nil {
			return "", err
		}
		buf = append(buf, p...)
	}
	return string(buf), nil
}

// IsEOG reports whether tok is the EOG token.
func (m *Model) IsEOG(tok engine.Token) bool { return tok == EOG }

// NewContext creates a fake context.
func (m *Model) NewContext(params engine.ContextParams) (engine.Context, error) {
	if m.ContextErr != nil {
		return nil, m.ContextErr
	}
	m.contexts.Add(1)
	m.mu.Lock()
	m.lastParams = params
	m.mu.Unlock()
	n := params.NCtx
	if m.NCtx > 0 {
		n = m.NCtx
	}
	return &Context{model: m, params: params, nCtx: n}, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool { return m.closed.Load() }

// Decodes returns the number of Decode calls across all contexts.
func (m *Model) Decodes() int64 { return m.decodes.Load() }

// Contexts returns the number of contexts created.
func (m *Model) Contexts() int64 { return m.contexts.Load() }

// LastParams returns the parameters of the most recent context.
func (m *Model) LastParams() engine.ContextParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastParams
}

// TokenFor returns the id assigned to a script piece.
func (m *Model) TokenFor(piece string) engine.Token { return m.ids[piece] }

func (m *Model) vocabSize() int { return pieceBase + len(m.pieces) }

// Context is a fake engine.Context.
type Context struct {
	model  *Model
	params engine.ContextParams
	nCtx   int

	steps  int
	tokens []engine.Token
	closed bool
}

// NCtx returns the window.
func (c *Context) NCtx() int { return c.nCtx }

// Decode records the batch and advances the script.
func (c *Context) Decode(b *engine.Batch) error {
	if c.closed {
		return errors.New("enginetest: context closed")
	}
	n := c.model.decodes.Add(1)
	if c.model.DecodeErr != nil && (c.model.FailDecodeAt == 0 || n == c.model.FailDecodeAt) {
		return c.model.DecodeErr
	}
	if b.Len() == 0 {
		return errors.New("enginetest: empty batch")
	}
	if len(c.tokens)+b.Len() > c.nCtx {
		return errors.New("enginetest: kv cache full")
	}
	c.tokens = append(c.tokens, b.Tokens...)
	c.steps++
	return nil
}

// Logits returns a one-hot vector selecting the next script token.
func (c *Context) Logits() ([]float32, error) {
	if c.steps == 0 {
		return nil, errors.New("enginetest: no decode yet")
	}
	next := EOG
	if i := c.steps - 1; i < len(c.model.script) {
		next = c.model.script[i]
	}
	logits := make([]float32, c.model.vocabSize())
	logits[next] = 1
	return logits, nil
}

// EmbeddingsSeq returns the embedding of everything decoded so far.
func (c *Context) EmbeddingsSeq(seq int) ([]float32, error) {
	if !c.params.Embeddings {
		return nil, errors.New("enginetest: embeddings disabled")
	}
	if seq != 0 {
		return nil, fmt.Errorf("enginetest: unknown sequence %d", seq)
	}
	if c.model.Embed != nil {
		return c.model.Embed(c.tokens), nil
	}
	return BagOfTokens(c.tokens, DefaultEmbedDim), nil
}

// ClearKV forgets decoded tokens.
func (c *Context) ClearKV() {
	c.tokens = c.tokens[:0]
	c.steps = 0
}

// Close closes the context.
func (c *Context) Close() error {
	c.closed = true
	return nil
}

// BagOfTokens folds token ids into dim buckets.
func BagOfTokens(tokens []engine.Token, dim int) []float32 {
	v := make([]float32, dim)
	for i, tok := range tokens {
		v[int(tok)%dim] += 1 + float32(i%3)
	}
	return v
}

// Backend is a fake engine.Backend serving models by path.
type Backend struct {
	Models  map[string]*Model
	LoadErr error

	loads atomic.Int64
}

var _ engine.Backend = (*Backend)(nil)

// LoadModel returns the model registered for path.
func (b *Backend) LoadModel(path string, _ engine.ModelParams) (engine.Model, error) {
	b.loads.Add(1)
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	m, ok := b.Models[path]
	if !ok {
		return nil, fmt.Errorf("enginetest: no model at %q", path)
	}
	return m, nil
}

// Loads returns the number of LoadModel calls.
func (b *Backend) Loads() int64 { return b.loads.Load() }
