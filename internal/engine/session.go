package engine

import (
	"fmt"

	"SimpleLLM/internal/runtime"
)

// MinBatchSize is the smallest batch allocated for a session; it covers
// ordinary chat prompts.
const MinBatchSize = 512

// DefaultWindow is the generation window used when a request sets none.
const DefaultWindow = 2048

// SessionOptions configures NewSession.
type SessionOptions struct {
	// Window is the requested context window (n_ctx).
	Window int

	// TokenHint is the known input length. It is validated against Window
	// and grows the batch beyond MinBatchSize when larger.
	TokenHint int

	// Embeddings enables embedding extraction; the whole input is then
	// processed in a single micro-batch.
	Embeddings bool

	Threads int
}

// Session owns one inference context and its batch buffer for the
// duration of a run.
type Session struct {
	model Model
	ctx   Context
	batch *Batch
	nCtx  int
}

// NewSession validates the input length against the window and creates the
// backend context. It fails with ErrContextWindowExceeded before any
// context is created when TokenHint does not fit.
func NewSession(model Model, opts SessionOptions) (*Session, error) {
	if model == nil {
		return nil, fmt.Errorf("engine: nil model: %w", runtime.ErrContextCreation)
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	if opts.TokenHint > window {
		return nil, fmt.Errorf("engine: %d tokens, context window is %d: %w",
			opts.TokenHint, window, runtime.ErrContextWindowExceeded)
	}

	batchSize := max(MinBatchSize, opts.TokenHint)
	params := ContextParams{
		NCtx:       window,
		NBatch:     batchSize,
		Threads:    opts.Threads,
		Embeddings: opts.Embeddings,
	}
	if opts.Embeddings {
		params.NUBatch = batchSize
	}

	ctx, err := model.NewContext(params)
	if err != nil {
		return nil, fmt.Errorf("engine: create context: %w: %w", runtime.ErrContextCreation, err)
	}

	nCtx := ctx.NCtx()
	if nCtx <= 0 {
		nCtx = window
	}
	return &Session{
		model: model,
		ctx:   ctx,
		batch: NewBatch(batchSize),
		nCtx:  nCtx,
	}, nil
}

// Prime submits the prompt as one batch with logits on the last token. The
// window check runs before the batch is decoded.
func (s *Session) Prime(tokens []Token) error {
	if len(tokens) == 0 {
		return fmt.Errorf("engine: empty prompt: %w", runtime.ErrTokenization)
	}
	if len(tokens) > s.nCtx {
		return fmt.Errorf("engine: %d tokens, context window is %d: %w",
			len(tokens), s.nCtx, runtime.ErrContextWindowExceeded)
	}
	if len(tokens) > s.batch.Cap() {
		return fmt.Errorf("engine: %d tokens exceed batch capacity %d: %w",
			len(tokens), s.batch.Cap(), runtime.ErrContextWindowExceeded)
	}

	s.batch.Clear()
	last := len(tokens) - 1
	for i, tok := range tokens {
		if err := s.batch.Add(tok, i, i == last); err != nil {
			return fmt.Errorf("engine: prime: %w", err)
		}
	}
	if err := s.ctx.Decode(s.batch); err != nil {
		return fmt.Errorf("engine: prime: %w: %w", runtime.ErrDecode, err)
	}
	return nil
}

// Step decodes a single token at pos, requesting its logits.
func (s *Session) Step(tok Token, pos int) error {
	s.batch.Clear()
	if err := s.batch.Add(tok, pos, true); err != nil {
		return fmt.Errorf("engine: step: %w", err)
	}
	if err := s.ctx.Decode(s.batch); err != nil {
		return fmt.Errorf("engine: decode at %d: %w: %w", pos, runtime.ErrDecode, err)
	}
	return nil
}

// Embedding returns the pooled embedding of sequence 0.
func (s *Session) Embedding() ([]float32, error) {
	vec, err := s.ctx.EmbeddingsSeq(0)
	if err != nil {
		return nil, fmt.Errorf("engine: read embedding: %w: %w", runtime.ErrDecode, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("engine: empty embedding: %w", runtime.ErrDecode)
	}
	return vec, nil
}

// Model returns the session's model.
func (s *Session) Model() Model { return s.model }

// Context returns the backend context.
func (s *Session) Context() Context { return s.ctx }

// NCtx returns the effective window.
func (s *Session) NCtx() int { return s.nCtx }

// Close frees the backend context. The model stays open.
func (s *Session) Close() error {
	if s == nil || s.ctx == nil {
		return nil
	}
	err := s.ctx.Close()
	s.ctx = nil
	return err
}
