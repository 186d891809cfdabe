// Package llamacpp runs GGUF models in process through the engine and
// exposes them as a runtime.Provider.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"SimpleLLM/internal/download"
	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/runtime"
	"SimpleLLM/internal/toolcall"
)

// Name is the provider name used for routing.
const Name = "llamacpp"

// Options configures the provider.
type Options struct {
	ModelsDir   string
	ContextSize int
	Threads     int
	GPULayers   int

	// Resident keeps the most recently used model loaded between runs.
	Resident bool

	// MaxCallBytes bounds a tool-call payload; 0 uses the detector default.
	MaxCallBytes int

	Downloader *download.Downloader
	Metrics    *observe.Metrics
}

// Provider runs one generation at a time on a dedicated worker.
type Provider struct {
	backend  engine.Backend
	registry *functions.Registry
	opts     Options
	gate     runtime.Gate
	worker   *engine.Worker

	// Only touched on the worker.
	resident     engine.Model
	residentPath string
	residentGPU  int
}

// New returns a provider over backend. registry holds every function a run
// may enable; it may be nil.
func New(backend engine.Backend, registry *functions.Registry, opts Options) *Provider {
	if opts.ContextSize <= 0 {
		opts.ContextSize = engine.DefaultWindow
	}
	if opts.Downloader == nil {
		opts.Downloader = download.New()
	}
	if registry == nil {
		registry, _ = functions.NewRegistry()
	}
	if err := os.MkdirAll(opts.ModelsDir, 0o755); err != nil {
		log.Printf("llamacpp: failed to create models directory %s: %v", opts.ModelsDir, err)
	}
	return &Provider{
		backend:  backend,
		registry: registry,
		opts:     opts,
		worker:   engine.NewWorker(),
	}
}

func (p *Provider) Name() string { return Name }

// ModelsDir returns the directory holding GGUF files.
func (p *Provider) ModelsDir() string { return p.opts.ModelsDir }

// InstalledModels lists the *.gguf files in the models directory.
func (p *Provider) InstalledModels(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.opts.ModelsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("llamacpp: list models: %w", err)
	}
	models := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			continue
		}
		models = append(models, e.Name())
	}
	sort.Strings(models)
	return models, nil
}

func (p *Provider) modelPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("llamacpp: invalid model name %q", name)
	}
	return filepath.Join(p.opts.ModelsDir, name), nil
}

// Run generates a reply to req. Streaming runs emit one output per token and
// a final done marker; other runs emit a single done output. When the model
// calls an enabled function the run ends with the function's result as a
// tool message.
func (p *Provider) Run(ctx context.Context, req runtime.RunRequest, sink runtime.Sink) (err error) {
	if err := p.gate.Begin(); err != nil {
		log.Printf("llamacpp: rejected run of %s: %v", req.Model, err)
		return err
	}
	defer p.gate.End()

	path, err := p.modelPath(req.Model)
	if err != nil {
		return fmt.Errorf("%w: %w", runtime.ErrModelLoad, err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("llamacpp: model %s: %w: %w", req.Model, runtime.ErrModelLoad, err)
	}

	var fns *functions.Registry
	if len(req.Options.EnabledFunctions) > 0 {
		fns, err = p.registry.Subset(req.Options.EnabledFunctions)
		if err != nil {
			return err
		}
	}
	var tools []functions.Definition
	if fns != nil {
		tools = fns.Definitions()
	}
	prompt, err := RenderPrompt(req.Messages, tools)
	if err != nil {
		return err
	}

	log.Printf("llamacpp: starting %s (%d messages, %d functions, stream=%t)",
		req.Model, len(req.Messages), len(tools), req.Options.Stream)
	p.opts.Metrics.RunStarted(ctx, Name)
	var res engine.Result
	defer func() {
		p.opts.Metrics.RecordRun(ctx, Name, runtime.ErrorKind(err), res.Duration, res.TTFT, res.Generated)
	}()

	// The gate stays held until the job has returned, so a cancelled run
	// cannot let a second one queue behind it or call sink late.
	stop := context.AfterFunc(ctx, p.gate.Stop)
	res, err = engine.SubmitWait(ctx, p.worker, func() (engine.Result, error) {
		return p.generate(ctx, req, path, prompt, fns, sink)
	})
	stop()
	if err != nil {
		log.Printf("llamacpp: run of %s failed: %v", req.Model, err)
		return err
	}
	log.Printf("llamacpp: %s finished (%s) after %d tokens in %s",
		req.Model, res.Reason, res.Generated, res.Duration.Round(time.Millisecond))

	switch {
	case res.Dispatched():
		return sink(runtime.NewOutput(req, runtime.Message{
			Role:       runtime.RoleTool,
			Content:    ToolMessage(res.Call.Name, res.ToolResult),
			ToolCallID: res.Call.Name,
		}, true))
	case req.Options.Stream:
		return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant}, true))
	default:
		return sink(runtime.NewOutput(req, runtime.Message{
			Role:    runtime.RoleAssistant,
			Content: res.Text,
		}, true))
	}
}

// generate runs on the worker.
func (p *Provider) generate(ctx context.Context, req runtime.RunRequest, path, prompt string, fns *functions.Registry, sink runtime.Sink) (engine.Result, error) {
	gpu := p.opts.GPULayers
	if req.Options.GPULayers != 0 {
		gpu = req.Options.GPULayers
	}
	model, err := p.load(path, gpu)
	if err != nil {
		return engine.Result{}, err
	}
	if !p.opts.Resident {
		defer p.unload()
	}

	tokens, err := model.Tokenize(prompt, true)
	if err != nil {
		return engine.Result{}, fmt.Errorf("llamacpp: tokenize prompt: %w: %w", runtime.ErrTokenization, err)
	}

	window := p.opts.ContextSize
	if req.Options.ContextWindowSize > 0 {
		window = req.Options.ContextWindowSize
	}
	session, err := engine.NewSession(model, engine.SessionOptions{
		Window:    window,
		TokenHint: len(tokens),
		Threads:   p.opts.Threads,
	})
	if err != nil {
		return engine.Result{}, err
	}
	defer session.Close()

	loop := engine.Loop{
		Stop:      p.gate.Flag(),
		MaxTokens: req.Options.MaxTokens,
		OnState:   primeLogger(len(tokens)),
	}
	if req.Options.Stream {
		loop.OnToken = func(piece string) error {
			return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant, Content: piece}, false))
		}
	}
	if fns != nil && fns.Len() > 0 {
		var opts []toolcall.Option
		if p.opts.MaxCallBytes > 0 {
			opts = append(opts, toolcall.WithMaxCallBytes(p.opts.MaxCallBytes))
		}
		loop.Detector = toolcall.NewDetector(opts...)
		loop.Dispatcher = functions.Metered{Registry: fns, Metrics: p.opts.Metrics}
	}
	return loop.Run(ctx, session, tokens)
}

// primeLogger logs how long prompt evaluation took once streaming begins.
func primeLogger(promptTokens int) func(engine.State) {
	var start time.Time
	return func(s engine.State) {
		switch s {
		case engine.StatePriming:
			start = time.Now()
		case engine.StateStreaming:
			log.Printf("llamacpp: primed %d prompt tokens in %s", promptTokens, time.Since(start).Round(time.Millisecond))
		}
	}
}

// load returns the model at path, reusing the resident one when it matches.
func (p *Provider) load(path string, gpuLayers int) (engine.Model, error) {
	if p.resident != nil && p.residentPath == path && p.residentGPU == gpuLayers {
		return p.resident, nil
	}
	p.unload()
	if p.backend == nil {
		return nil, fmt.Errorf("llamacpp: %w: built without native inference", runtime.ErrModelLoad)
	}

	start := time.Now()
	m, err := p.backend.LoadModel(path, engine.ModelParams{GPULayers: gpuLayers, UseMmap: true})
	if err != nil {
		return nil, fmt.Errorf("llamacpp: load %s: %w: %w", filepath.Base(path), runtime.ErrModelLoad, err)
	}
	log.Printf("llamacpp: loaded %s in %s (gpu_layers=%d)", filepath.Base(path), time.Since(start).Round(time.Millisecond), gpuLayers)
	p.resident, p.residentPath, p.residentGPU = m, path, gpuLayers
	return m, nil
}

func (p *Provider) unload() {
	if p.resident == nil {
		return
	}
	if err := p.resident.Close(); err != nil {
		log.Printf("llamacpp: close %s: %v", filepath.Base(p.residentPath), err)
	}
	p.resident, p.residentPath = nil, ""
}

// Download fetches "<repo>:<file>" from Hugging Face into the models
// directory.
func (p *Provider) Download(ctx context.Context, model string, progress runtime.ProgressFunc) error {
	_, err := p.fetch(ctx, model, p.opts.ModelsDir, progress)
	return err
}

// DownloadEmbeddingModel fetches "<repo>:<file>" into the embeddings
// subdirectory and returns the local path.
func (p *Provider) DownloadEmbeddingModel(ctx context.Context, model string, progress runtime.ProgressFunc) (string, error) {
	return p.fetch(ctx, model, filepath.Join(p.opts.ModelsDir, "embeddings"), progress)
}

func (p *Provider) fetch(ctx context.Context, model, dir string, progress runtime.ProgressFunc) (string, error) {
	ref, err := download.ParseReference(model)
	if err != nil {
		return "", err
	}
	var fn download.ProgressFunc
	if progress != nil {
		fn = func(n, total int64) {
			progress(runtime.Progress{Model: model, Status: "downloading", Downloaded: n, Total: total})
		}
	}
	path, err := p.opts.Downloader.Fetch(ctx, ref, dir, fn)
	if err != nil {
		return "", err
	}
	if progress != nil {
		progress(runtime.Progress{Model: model, Status: "success", Downloaded: -1, Total: -1})
	}
	return path, nil
}

// Delete removes an installed model file.
func (p *Provider) Delete(_ context.Context, model string) error {
	path, err := p.modelPath(model)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("llamacpp: attempted to delete missing model %s", model)
		return fmt.Errorf("llamacpp: model %s does not exist: %w", model, err)
	}
	if _, err := engine.Submit(context.Background(), p.worker, func() (struct{}, error) {
		if p.residentPath == path {
			p.unload()
		}
		return struct{}{}, nil
	}); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("llamacpp: delete %s: %w", model, err)
	}
	log.Printf("llamacpp: deleted %s", model)
	return nil
}

// Stop asks the active run to end at the next token.
func (p *Provider) Stop() error {
	p.gate.Stop()
	return nil
}

// Close releases the resident model and stops the worker.
func (p *Provider) Close() error {
	_, _ = engine.Submit(context.Background(), p.worker, func() (struct{}, error) {
		p.unload()
		return struct{}{}, nil
	})
	return p.worker.Close()
}
