// Package pipeline assembles providers, functions, embeddings, retrieval and
// chat history from a Config. Every surface (CLI, HTTP, MCP) runs on top of
// one Pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"SimpleLLM/internal/config"
	"SimpleLLM/internal/embedding"
	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/history"
	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/provider/llamacpp"
	"SimpleLLM/internal/provider/ollama"
	"SimpleLLM/internal/rag"
	"SimpleLLM/internal/runtime"
)

// Pipeline holds the services built from one configuration. Optional
// services are nil when their dependencies are unavailable.
type Pipeline struct {
	cfg config.Config

	Manager   *runtime.Manager
	Functions *functions.Registry
	Metrics   *observe.Metrics

	Llama *llamacpp.Provider

	Cache     *embedding.Cache
	Retriever *rag.Retriever
	History   *history.Store

	computer embedding.Computer
	shutdown func(context.Context) error
}

// New constructs a Pipeline. backend is nil when the binary was built
// without native inference; the llama.cpp provider then fails every run
// with a model load error and embeddings need the server backend.
func New(ctx context.Context, cfg config.Config, backend engine.Backend, version string) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg}

	if cfg.Metrics.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return nil, fmt.Errorf("pipeline: failed to initialise telemetry: %w", err)
		}
		p.shutdown = shutdown
		p.Metrics = observe.DefaultMetrics()
	}

	if err := p.initEmbeddings(backend); err != nil {
		log.Printf("warning: embeddings unavailable: %v", err)
	}

	registry, err := p.initFunctions()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("pipeline: failed to build function registry: %w", err)
	}
	p.Functions = registry

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		log.Printf("warning: chat history disabled: %v", err)
	} else {
		p.History = store
	}

	p.Llama = llamacpp.New(backend, registry, llamacpp.Options{
		ModelsDir:   cfg.ModelsDir(),
		ContextSize: cfg.LlamaCpp.ContextSize,
		Threads:     cfg.LlamaCpp.Threads,
		GPULayers:   cfg.LlamaCpp.GPULayers,
		Resident:    cfg.LlamaCpp.Resident,
		Metrics:     p.Metrics,
	})
	remote := ollama.New(cfg.Ollama.BaseURL, config.ParseTimeout(cfg.Ollama.Timeout, 5*time.Minute), registry, p.Metrics)

	mgr, err := runtime.NewManager(
		p.wrap(p.Llama),
		p.wrap(remote),
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("pipeline: failed to initialise runtime: %w", err)
	}
	p.Manager = mgr
	if err := mgr.SetDefault(cfg.Runtime.DefaultProvider); err != nil {
		p.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return p, nil
}

// wrap layers default functions and history recording over a provider.
func (p *Pipeline) wrap(provider runtime.Provider) runtime.Provider {
	return history.WrapProvider(withDefaultFunctions(provider, p.cfg.Functions.Enabled), p.History)
}

func (p *Pipeline) initEmbeddings(backend engine.Backend) error {
	ecfg := p.cfg.Embedding
	if ecfg.Backend == "" || ecfg.Backend == "native" {
		ecfg.ModelPath = p.resolveEmbeddingModel(ecfg.ModelPath)
	}
	computer, err := embedding.NewComputer(ecfg, backend)
	if err != nil {
		return err
	}
	p.computer = computer

	opts := []embedding.Option{
		embedding.WithMemoryEntries(ecfg.MemoryEntries),
		embedding.WithMetrics(p.Metrics),
	}
	if ecfg.FingerprintModel {
		opts = append(opts, embedding.WithModelFingerprint())
	}
	p.Cache = embedding.NewCache(p.cfg.EmbeddingCacheDir(), computer, opts...)

	var splitter rag.Splitter = rag.WordSplitter{}
	if tok, ok := computer.(rag.Tokenizer); ok {
		splitter = rag.TokenSplitter{Tokenizer: tok}
	}
	p.Retriever = rag.NewRetriever(p.Cache, splitter, rag.WithKeywordWeight(ecfg.KeywordWeight))
	return nil
}

// resolveEmbeddingModel finds a bare model file name under the embeddings
// download directory.
func (p *Pipeline) resolveEmbeddingModel(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	candidate := filepath.Join(p.cfg.ModelsDir(), "embeddings", path)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}

func (p *Pipeline) initFunctions() (*functions.Registry, error) {
	fns := []functions.Function{functions.UnixTime{}}
	if p.Retriever != nil {
		fns = append(fns, functions.NewWebPage(p.Retriever, functions.WebPageOptions{
			ReaderURL:     p.cfg.Functions.ReaderURL,
			Timeout:       config.ParseTimeout(p.cfg.Functions.Timeout, 30*time.Second),
			RatePerMinute: p.cfg.Functions.RatePerMinute,
			MaxBytes:      p.cfg.Functions.MaxPageBytes,
			SegmentSize:   p.cfg.Embedding.SegmentSize,
			TopN:          p.cfg.Embedding.TopN,
		}))
	}
	return functions.NewRegistry(fns...)
}

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Embedder returns the embedding cache, or nil when embeddings are
// unavailable. The nil is untyped so callers can compare against nil.
func (p *Pipeline) Embedder() rag.Embedder {
	if p.Cache == nil {
		return nil
	}
	return p.Cache
}

// Dispatcher returns the registry instrumented with the pipeline's metrics.
func (p *Pipeline) Dispatcher() functions.Metered {
	return functions.Metered{Registry: p.Functions, Metrics: p.Metrics}
}

// Close releases every service. It is safe to call on a partially built
// pipeline.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.Manager != nil {
		errs = append(errs, p.Manager.Close())
	} else if p.Llama != nil {
		errs = append(errs, p.Llama.Close())
	}
	if c, ok := p.computer.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if p.History != nil {
		errs = append(errs, p.History.Close())
	}
	if p.shutdown != nil {
		errs = append(errs, p.shutdown(context.Background()))
	}
	return errors.Join(errs...)
}
