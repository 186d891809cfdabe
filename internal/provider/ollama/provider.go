// Package ollama exposes a local Ollama server as a runtime.Provider.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/runtime"
)

// Name is the provider name used for routing.
const Name = "ollama"

// DefaultBaseURL is where a local Ollama server listens.
const DefaultBaseURL = "http://127.0.0.1:11434"

// errStopped ends a chat stream when the stop flag is raised.
var errStopped = errors.New("ollama: stopped")

// Provider forwards runs to Ollama's chat API. Native tool calls in the
// response are dispatched through the registry, once per run.
type Provider struct {
	client   *Client
	registry *functions.Registry
	metrics  *observe.Metrics
	gate     runtime.Gate
}

// New returns a provider for the server at baseURL.
func New(baseURL string, timeout time.Duration, registry *functions.Registry, metrics *observe.Metrics) *Provider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if registry == nil {
		registry, _ = functions.NewRegistry()
	}
	return &Provider{
		client:   NewClient(baseURL, timeout),
		registry: registry,
		metrics:  metrics,
	}
}

func (p *Provider) Name() string { return Name }

// InstalledModels lists the server's models.
func (p *Provider) InstalledModels(ctx context.Context) ([]string, error) {
	models, err := p.client.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	return models, nil
}

// Run sends the chat to the server. Output shapes match the llama.cpp
// provider: streamed pieces and a done marker, a single final message, or a
// single tool message after a dispatched call.
func (p *Provider) Run(ctx context.Context, req runtime.RunRequest, sink runtime.Sink) (err error) {
	if err := p.gate.Begin(); err != nil {
		log.Printf("ollama: rejected run of %s: %v", req.Model, err)
		return err
	}
	defer p.gate.End()

	var fns *functions.Registry
	if len(req.Options.EnabledFunctions) > 0 {
		fns, err = p.registry.Subset(req.Options.EnabledFunctions)
		if err != nil {
			return err
		}
	}

	body := ChatRequest{
		Model:    req.Model,
		Messages: make([]ChatMessage, 0, len(req.Messages)),
		Stream:   req.Options.Stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	if fns != nil {
		body.Tools = fns.Tools()
	}
	opts := map[string]any{}
	if req.Options.GPULayers != 0 {
		opts["num_gpu"] = req.Options.GPULayers
	}
	if req.Options.ContextWindowSize > 0 {
		opts["num_ctx"] = req.Options.ContextWindowSize
	}
	if req.Options.MaxTokens > 0 {
		opts["num_predict"] = req.Options.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	start := time.Now()
	var ttft time.Duration
	var generated int
	p.metrics.RunStarted(ctx, Name)
	defer func() {
		p.metrics.RecordRun(ctx, Name, runtime.ErrorKind(err), time.Since(start), ttft, generated)
	}()

	var (
		full  strings.Builder
		calls []ToolCall
	)
	stop := p.gate.Flag()
	err = p.client.Chat(ctx, body, func(chunk ChatResponse) error {
		if stop.Load() {
			return errStopped
		}
		if piece := chunk.Message.Content; piece != "" {
			if generated == 0 {
				ttft = time.Since(start)
			}
			generated++
			full.WriteString(piece)
			if req.Options.Stream {
				if err := sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant, Content: piece}, false)); err != nil {
					return err
				}
			}
		}
		calls = append(calls, chunk.Message.ToolCalls...)
		return nil
	})
	switch {
	case errors.Is(err, errStopped):
		log.Printf("ollama: run of %s stopped", req.Model)
		err = nil
	case err != nil:
		log.Printf("ollama: run of %s failed: %v", req.Model, err)
		return fmt.Errorf("ollama: chat: %w", err)
	}

	if fns != nil && len(calls) > 0 && !stop.Load() {
		call := calls[0]
		name := call.Function.Name
		log.Printf("ollama: received call to %q", name)
		out, derr := functions.Metered{Registry: fns, Metrics: p.metrics}.Dispatch(ctx, name, call.Function.Arguments)
		switch {
		case derr == nil:
			return sink(runtime.NewOutput(req, runtime.Message{
				Role:       runtime.RoleTool,
				Content:    fmt.Sprintf("Result of function %s: %s", name, out),
				ToolCallID: name,
			}, true))
		case errors.Is(derr, runtime.ErrFunctionCall):
			log.Printf("ollama: %v", derr)
		default:
			return derr
		}
	}

	if req.Options.Stream {
		return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant}, true))
	}
	return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant, Content: full.String()}, true))
}

// Download pulls a model on the server.
func (p *Provider) Download(ctx context.Context, model string, progress runtime.ProgressFunc) error {
	log.Printf("ollama: pulling %s", model)
	err := p.client.Pull(ctx, model, func(st PullStatus) {
		if progress == nil {
			return
		}
		total := st.Total
		if total == 0 {
			total = -1
		}
		progress(runtime.Progress{Model: model, Status: st.Status, Downloaded: st.Completed, Total: total})
	})
	if err != nil {
		return fmt.Errorf("ollama: pull %s: %w", model, err)
	}
	log.Printf("ollama: pulled %s", model)
	return nil
}

// Delete removes a model from the server.
func (p *Provider) Delete(ctx context.Context, model string) error {
	if err := p.client.Delete(ctx, model); err != nil {
		return fmt.Errorf("ollama: delete %s: %w", model, err)
	}
	log.Printf("ollama: deleted %s", model)
	return nil
}

// Stop ends the active run before the next response chunk is handled.
func (p *Provider) Stop() error {
	p.gate.Stop()
	return nil
}
