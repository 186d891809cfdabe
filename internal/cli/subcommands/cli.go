package subcommands

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"SimpleLLM/internal/runtime"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

// RunSettings are the per-run controls shared by `run` and the TUI.
type RunSettings struct {
	Provider  string
	Model     string
	System    string
	ChatID    string
	Stream    bool
	Functions []string
	NumCtx    int
	NumGPU    int
}

// bind registers the settings on a flag set.
func (s *RunSettings) bind(fs *flag.FlagSet, functions *string) {
	fs.StringVar(&s.Provider, "provider", "", "Provider to run on (default from config)")
	fs.StringVar(&s.Model, "model", "", "Model name as listed by `simplellm models list`")
	fs.StringVar(&s.System, "system", "", "Optional system prompt")
	fs.StringVar(&s.ChatID, "chat", "", "Chat ID to record the exchange under")
	fs.BoolVar(&s.Stream, "stream", false, "Stream tokens instead of waiting for the full response")
	fs.StringVar(functions, "functions", "", "Comma-separated functions the model may call")
	fs.IntVar(&s.NumCtx, "num-ctx", 0, "Context window size (0 uses the provider default)")
	fs.IntVar(&s.NumGPU, "num-gpu", 0, "Layers to offload to the GPU")
}

// Request builds a run request for the given history.
func (s RunSettings) Request(msgs []runtime.Message) runtime.RunRequest {
	if s.System != "" {
		msgs = append([]runtime.Message{{Role: runtime.RoleSystem, Content: s.System}}, msgs...)
	}
	return runtime.RunRequest{
		ChatID:   s.ChatID,
		Model:    s.Model,
		Messages: msgs,
		Options: runtime.RunOptions{
			ContextWindowSize: s.NumCtx,
			EnabledFunctions:  s.Functions,
			Stream:            s.Stream,
			GPULayers:         s.NumGPU,
		},
	}
}

// Set updates one setting from its textual form, as typed in `/set`.
func (s *RunSettings) Set(param, value string) error {
	switch strings.ToLower(param) {
	case "provider":
		s.Provider = value
	case "model":
		s.Model = value
	case "system":
		s.System = value
	case "stream":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		s.Stream = b
	case "functions":
		s.Functions = splitList(value)
	case "num_ctx", "num-ctx":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("num_ctx must be a non-negative integer")
		}
		s.NumCtx = n
	case "num_gpu", "num-gpu":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("num_gpu must be an integer")
		}
		s.NumGPU = n
	default:
		return fmt.Errorf("unknown parameter %q", param)
	}
	return nil
}

// splitList parses a comma-separated list. An empty string yields nil so
// configured default functions still apply.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}

// describeError renders err with its stable kind.
func describeError(err error) string {
	kind := runtime.ErrorKind(err)
	if kind == "" || kind == "Internal" {
		return err.Error()
	}
	return fmt.Sprintf("[%s] %v", kind, err)
}

func printError(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s%s: %s%s\n", colorRed, prefix, describeError(err), colorReset)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runCLISpinner(done chan struct{}, message string) {
	spinnerChars := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	for {
		select {
		case <-done:
			return
		default:
			fmt.Fprintf(os.Stderr, "\r%s%s %s...%s", colorCyan, spinnerChars[i], message, colorReset)
			i = (i + 1) % len(spinnerChars)
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
