package runtime

import (
	"context"
	"time"
)

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single chat turn exchanged with a provider.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// RunOptions is the options bag accepted from the command layer.
type RunOptions struct {
	// ContextWindowSize overrides the provider's default n_ctx when > 0.
	ContextWindowSize int `json:"num_ctx,omitempty"`

	// EnabledFunctions lists the function names the model may call during
	// this run. Tool-call detection is off when empty.
	EnabledFunctions []string `json:"functions,omitempty"`

	// Stream emits one Output per generated token instead of a single
	// final message.
	Stream bool `json:"stream"`

	// GPULayers is forwarded to backends that support offloading.
	GPULayers int `json:"num_gpu,omitempty"`

	// MaxTokens caps generated tokens when > 0.
	MaxTokens int `json:"num_predict,omitempty"`
}

// RunRequest captures one generation run.
type RunRequest struct {
	ChatID   string     `json:"chat_id,omitempty"`
	Model    string     `json:"model"`
	Messages []Message  `json:"messages"`
	Options  RunOptions `json:"options"`
}

// Output is the observable result of a run. Streaming runs emit one Output
// per token followed by a Done marker; non-streaming runs emit a single
// Done output. A dispatched function call produces a single tool-role
// Output instead of continued generation.
type Output struct {
	ChatID    string    `json:"chat_id,omitempty"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"message"`
	Done      bool      `json:"done"`
}

// Sink receives outputs while a run progresses. Returning an error aborts
// the run.
type Sink func(Output) error

// Progress reports model download progress. Total is -1 when the server
// did not announce a content length.
type Progress struct {
	Model      string `json:"model"`
	Status     string `json:"status,omitempty"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
}

// ProgressFunc is invoked as a download advances.
type ProgressFunc func(Progress)

// Provider is the capability every model backend implements.
type Provider interface {
	Name() string
	InstalledModels(ctx context.Context) ([]string, error)
	Run(ctx context.Context, req RunRequest, sink Sink) error
	Download(ctx context.Context, model string, progress ProgressFunc) error
	Delete(ctx context.Context, model string) error
	Stop() error
}

// NewOutput stamps an output with the request identity.
func NewOutput(req RunRequest, msg Message, done bool) Output {
	return Output{
		ChatID:    req.ChatID,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
		Message:   msg,
		Done:      done,
	}
}
