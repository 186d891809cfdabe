package inferbench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SimpleLLM/internal/runtime"
)

type stubProvider struct {
	pieces []string
	err    error
	calls  int
	last   runtime.RunRequest
}

func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) InstalledModels(context.Context) ([]string, error) {
	return nil, nil
}
func (s *stubProvider) Download(context.Context, string, runtime.ProgressFunc) error { return nil }
func (s *stubProvider) Delete(context.Context, string) error { return nil }
func (s *stubProvider) Stop() error { return nil }

func (s *stubProvider) Run(_ context.Context, req runtime.RunRequest, sink runtime.Sink) error {
	s.calls++
	s.last = req
	if s.err != nil {
		return s.err
	}
	for _, p := range s.pieces {
		if err := sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant, Content: p}, false)); err != nil {
			return err
		}
	}
	return sink(runtime.NewOutput(req, runtime.Message{Role: runtime.RoleAssistant}, true))
}

func TestRunnerCountsPieces(t *testing.T) {
	p := &stubProvider{pieces: []string{"Hel", "lo", "!"}}
	cfg := Config{Model: "m.gguf", Iterations: 2, WarmupIterations: 1, NumCtx: 256, MaxTokens: 64,
		Prompts: []Prompt{{Name: "short", Text: "hi"}}}

	var out bytes.Buffer
	report, err := NewRunner(p, cfg, &out).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, p.calls)
	assert.Equal(t, "stub", report.Provider)
	require.Len(t, report.Raw, 2)
	for _, r := range report.Raw {
		assert.Equal(t, 3, r.Pieces)
		assert.Equal(t, 6, r.OutputBytes)
		assert.Empty(t, r.Error)
	}
	require.Len(t, report.Summaries, 1)
	assert.Equal(t, 2, report.Summaries[0].Iterations)
	assert.Equal(t, 3.0, report.Summaries[0].AvgPieces)
	assert.Contains(t, out.String(), "--- short ---")

	assert.Equal(t, "m.gguf", p.last.Model)
	assert.True(t, p.last.Options.Stream)
	assert.Equal(t, 256, p.last.Options.ContextWindowSize)
	assert.Equal(t, 64, p.last.Options.MaxTokens)
	assert.NotNil(t, p.last.Options.EnabledFunctions)
	assert.Empty(t, p.last.Options.EnabledFunctions)
}

func TestRunnerRecordsErrors(t *testing.T) {
	p := &stubProvider{err: runtime.ErrModelLoad}
	report, err := NewRunner(p, Config{Iterations: 2, Prompts: []Prompt{{Name: "x", Text: "x"}}}, nil).Run(context.Background())
	require.NoError(t, err)

	s := report.Summaries[0]
	assert.Equal(t, 0, s.Iterations)
	assert.Equal(t, 2, s.Errors)
	assert.Equal(t, runtime.ErrModelLoad.Error(), report.Raw[0].Error)
}

func TestRunnerRepeatPrompt(t *testing.T) {
	p := &stubProvider{pieces: []string{"Paris"}}
	report, err := NewRunner(p, Config{Iterations: 2, Prompts: []Prompt{{Name: "r", Text: "q", Repeat: true}}}, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, filterByName(report.Raw, "r"), 2)
	assert.Len(t, filterByName(report.Raw, "r-warm"), 2)
	assert.Equal(t, 4, p.calls)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &stubProvider{}
	_, err := NewRunner(p, Config{Iterations: 1}, nil).Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, p.calls)
}

func TestRunnerSavesReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bench.json")
	p := &stubProvider{pieces: []string{"a"}}
	_, err := NewRunner(p, Config{Iterations: 1, OutputPath: path, Prompts: []Prompt{{Name: "s", Text: "s"}}}, nil).Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "stub", decoded.Provider)
	require.Len(t, decoded.Summaries, 1)
	assert.Equal(t, "s", decoded.Summaries[0].Name)
}

func TestComputeFloatStats(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want FloatStats
	}{
		{"empty", nil, FloatStats{}},
		{"single", []float64{42}, FloatStats{Min: 42, Max: 42, Mean: 42, Median: 42, P95: 42}},
		{"odd", []float64{50, 10, 30, 20, 40}, FloatStats{Min: 10, Max: 50, Mean: 30, Median: 30, P95: 50}},
		{"even", []float64{10, 20, 30, 40}, FloatStats{Min: 10, Max: 40, Mean: 25, Median: 25, P95: 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeFloatStats(tt.in))
		})
	}
}

func TestComputeDurationStats(t *testing.T) {
	assert.Equal(t, DurationStats{}, computeDurationStats(nil))

	s := computeDurationStats([]time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, s.Min)
	assert.Equal(t, 300*time.Millisecond, s.Max)
	assert.Equal(t, 200*time.Millisecond, s.Mean)
	assert.Equal(t, 200*time.Millisecond, s.Median)
}

func TestPercentileIndex(t *testing.T) {
	tests := []struct {
		n, pct, want int
	}{
		{0, 95, 0},
		{1, 95, 0},
		{5, 95, 4},
		{10, 50, 4},
		{100, 95, 94},
		{20, 95, 18},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percentileIndex(tt.n, tt.pct), "n=%d pct=%d", tt.n, tt.pct)
	}
}

func TestSummarizeWarmImprovement(t *testing.T) {
	prompt := Prompt{Name: "r", Repeat: true}
	results := []IterationResult{
		{PromptName: "r", TTFT: 200 * time.Millisecond, Duration: 500 * time.Millisecond, Pieces: 10},
		{PromptName: "r-warm", TTFT: 50 * time.Millisecond, Duration: 400 * time.Millisecond, Pieces: 10},
		{PromptName: "r", Error: "boom"},
	}
	s := summarize(prompt, results)
	assert.Equal(t, 75.0, s.WarmTTFTImprove)
	assert.Equal(t, 1, s.Iterations)
	assert.Equal(t, 1, s.Errors)
}
