package subcommands

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SimpleLLM/internal/runtime"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"get_unix_time", []string{"get_unix_time"}},
		{" a , b ,,c ", []string{"a", "b", "c"}},
		{",", []string{}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, splitList(tt.in))
		})
	}
}

func TestRunSettingsSet(t *testing.T) {
	var s RunSettings
	require.NoError(t, s.Set("model", "gemma.gguf"))
	require.NoError(t, s.Set("stream", "true"))
	require.NoError(t, s.Set("functions", "get_unix_time, analyze_web_page"))
	require.NoError(t, s.Set("num_ctx", "4096"))
	require.NoError(t, s.Set("num-gpu", "-1"))

	assert.Equal(t, RunSettings{
		Model:     "gemma.gguf",
		Stream:    true,
		Functions: []string{"get_unix_time", "analyze_web_page"},
		NumCtx:    4096,
		NumGPU:    -1,
	}, s)

	assert.Error(t, s.Set("stream", "maybe"))
	assert.Error(t, s.Set("num_ctx", "-3"))
	assert.Error(t, s.Set("temperature", "0.7"))
}

func TestRunSettingsRequest(t *testing.T) {
	s := RunSettings{Model: "m", System: "be brief", ChatID: "c1", Stream: true, NumCtx: 512}
	req := s.Request([]runtime.Message{{Role: runtime.RoleUser, Content: "hi"}})

	assert.Equal(t, "m", req.Model)
	assert.Equal(t, "c1", req.ChatID)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, runtime.Message{Role: runtime.RoleSystem, Content: "be brief"}, req.Messages[0])
	assert.True(t, req.Options.Stream)
	assert.Equal(t, 512, req.Options.ContextWindowSize)
	assert.Nil(t, req.Options.EnabledFunctions)
}

func TestDescribeError(t *testing.T) {
	err := fmt.Errorf("llamacpp: %w", runtime.ErrAlreadyRunning)
	assert.Equal(t, "[AlreadyRunning] "+err.Error(), describeError(err))
	assert.Equal(t, "plain", describeError(errors.New("plain")))
}

func TestPrintOutput(t *testing.T) {
	var buf bytes.Buffer
	outputs := []runtime.Output{
		{Message: runtime.Message{Role: runtime.RoleAssistant, Content: "Hel"}},
		{Message: runtime.Message{Role: runtime.RoleAssistant, Content: "lo"}},
		{Message: runtime.Message{Role: runtime.RoleAssistant}, Done: true},
		{Message: runtime.Message{Role: runtime.RoleAssistant, Content: "full"}, Done: true},
	}
	for _, o := range outputs {
		require.NoError(t, printOutput(&buf, o))
	}
	assert.Equal(t, "Hello\nfull\n", buf.String())

	buf.Reset()
	require.NoError(t, printOutput(&buf, runtime.Output{
		Message: runtime.Message{Role: runtime.RoleTool, Content: "Result of function get_unix_time: {}"},
		Done:    true,
	}))
	assert.Contains(t, buf.String(), "Result of function get_unix_time: {}")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héll...", truncate("héllo world", 4))
}
