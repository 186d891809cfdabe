// Package embedding computes text embeddings and caches them on disk,
// content-addressed by model and input.
package embedding

import (
	"context"
	"fmt"
	"log"

	"SimpleLLM/internal/config"
	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/runtime"
)

// EmbeddingWindow is the context window of an embedding pass. Inputs are
// embedded in a single pass so it is larger than the generation default.
const EmbeddingWindow = 4096

// Computer produces an embedding vector for a text.
type Computer interface {
	// ModelPath identifies the model. It is part of every cache key.
	ModelPath() string
	Compute(ctx context.Context, text string) ([]float32, error)
}

// NewComputer constructs the computer selected by cfg.Backend. backend is
// nil when the binary was built without native inference.
func NewComputer(cfg config.EmbeddingConfig, backend engine.Backend) (Computer, error) {
	switch cfg.Backend {
	case "", "native":
		if backend == nil {
			return nil, fmt.Errorf("embedding: built without native support: %w", runtime.ErrModelLoad)
		}
		if cfg.ModelPath == "" {
			return nil, fmt.Errorf("embedding: model_path is required: %w", runtime.ErrModelLoad)
		}
		return NewLocalComputer(backend, cfg.ModelPath, LocalOptions{
			Window:  cfg.Window,
			Threads: cfg.Threads,
		}), nil
	case "server":
		return newServerComputer(cfg)
	default:
		return nil, fmt.Errorf("embedding: unsupported backend %q", cfg.Backend)
	}
}

// LocalOptions configures a LocalComputer.
type LocalOptions struct {
	Window  int
	Threads int
}

// LocalComputer embeds text with a model loaded through an engine backend.
// It owns a worker of its own, so all backend calls for the embedding model
// run on one goroutine and a run on the generation worker can embed without
// blocking itself. The model is loaded on first use and kept until Close.
type LocalComputer struct {
	backend engine.Backend
	path    string
	opts    LocalOptions
	worker  *engine.Worker

	// model is only touched on the worker.
	model engine.Model
}

// NewLocalComputer returns a computer for the model file at modelPath.
func NewLocalComputer(backend engine.Backend, modelPath string, opts LocalOptions) *LocalComputer {
	if opts.Window <= 0 {
		opts.Window = EmbeddingWindow
	}
	return &LocalComputer{
		backend: backend,
		path:    modelPath,
		opts:    opts,
		worker:  engine.NewWorker(),
	}
}

func (c *LocalComputer) ModelPath() string { return c.path }

func (c *LocalComputer) load() (engine.Model, error) {
	if c.model != nil {
		return c.model, nil
	}
	m, err := c.backend.LoadModel(c.path, engine.ModelParams{UseMmap: true})
	if err != nil {
		return nil, fmt.Errorf("embedding: load %s: %w: %w", c.path, runtime.ErrModelLoad, err)
	}
	log.Printf("embedding: loaded model %s", c.path)
	c.model = m
	return m, nil
}

// Compute tokenizes text with a leading BOS, rejects inputs longer than the
// window and decodes them in one pass with embeddings enabled.
func (c *LocalComputer) Compute(ctx context.Context, text string) ([]float32, error) {
	return engine.Submit(ctx, c.worker, func() ([]float32, error) {
		model, err := c.load()
		if err != nil {
			return nil, err
		}

		tokens, err := model.Tokenize(text, true)
		if err != nil {
			return nil, fmt.Errorf("embedding: tokenize: %w: %w", runtime.ErrTokenization, err)
		}
		if len(tokens) > c.opts.Window {
			return nil, fmt.Errorf("embedding: %d tokens, window is %d: %w", len(tokens), c.opts.Window, runtime.ErrInputTooLong)
		}

		s, err := engine.NewSession(model, engine.SessionOptions{
			Window:     c.opts.Window,
			TokenHint:  len(tokens),
			Embeddings: true,
			Threads:    c.opts.Threads,
		})
		if err != nil {
			return nil, err
		}
		defer s.Close()

		if err := s.Prime(tokens); err != nil {
			return nil, err
		}
		return s.Embedding()
	})
}

// Tokenize tokenizes text with a leading BOS using the embedding model.
func (c *LocalComputer) Tokenize(ctx context.Context, text string) ([]engine.Token, error) {
	return engine.Submit(ctx, c.worker, func() ([]engine.Token, error) {
		model, err := c.load()
		if err != nil {
			return nil, err
		}
		tokens, err := model.Tokenize(text, true)
		if err != nil {
			return nil, fmt.Errorf("embedding: tokenize: %w: %w", runtime.ErrTokenization, err)
		}
		return tokens, nil
	})
}

// Detokenize renders tokens as plain text.
func (c *LocalComputer) Detokenize(ctx context.Context, tokens []engine.Token) (string, error) {
	return engine.Submit(ctx, c.worker, func() (string, error) {
		model, err := c.load()
		if err != nil {
			return "", err
		}
		text, err := model.Detokenize(tokens)
		if err != nil {
			return "", fmt.Errorf("embedding: detokenize: %w: %w", runtime.ErrTokenConversion, err)
		}
		return text, nil
	})
}

// Close releases the model and stops the worker.
func (c *LocalComputer) Close() error {
	var err error
	_, _ = engine.Submit(context.Background(), c.worker, func() (struct{}, error) {
		if c.model != nil {
			err = c.model.Close()
			c.model = nil
		}
		return struct{}{}, nil
	})
	c.worker.Close()
	return err
}
