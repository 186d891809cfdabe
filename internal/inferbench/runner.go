// Package inferbench measures generation latency and throughput of a
// runtime.Provider. Runs are streamed so the time to the first piece can be
// observed independently of total duration.
package inferbench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"SimpleLLM/internal/runtime"
)

// Config controls a benchmark session.
type Config struct {
	// Model is passed through to every RunRequest.
	Model string `json:"model"`

	// Iterations is how many recorded runs each prompt gets.
	Iterations int `json:"iterations"`

	// WarmupIterations are discarded runs issued before recording. The
	// first run against llamacpp includes the model load.
	WarmupIterations int `json:"warmup_iterations"`

	// NumCtx overrides the provider's context size when > 0.
	NumCtx int `json:"num_ctx,omitempty"`

	// MaxTokens caps each run's output so iterations stay comparable.
	MaxTokens int `json:"max_tokens,omitempty"`

	Prompts []Prompt `json:"-"`

	// OutputPath is an optional JSON report destination.
	OutputPath string `json:"-"`

	Verbose bool `json:"-"`
}

// DefaultConfig returns the settings used by `simplellm bench`.
func DefaultConfig() Config {
	return Config{
		Iterations:       3,
		WarmupIterations: 1,
		MaxTokens:        256,
	}
}

// Prompt is a single benchmark workload.
type Prompt struct {
	Name string
	Text string
	// Repeat re-issues the prompt right after each recorded run and
	// reports the second run separately as "<name>-warm".
	Repeat bool
}

// StandardPrompts covers a short, a medium and a long prompt plus a
// repeated one.
func StandardPrompts() []Prompt {
	return []Prompt{
		{Name: "short", Text: "Hello!"},
		{Name: "medium", Text: "Explain the difference between a stack and a queue. Give a real-world analogy for each."},
		{
			Name: "long",
			Text: "I am building a small weather station with a single-board computer. I want to measure temperature, humidity, " +
				"barometric pressure, wind speed and rainfall, log a sample every five minutes and serve a dashboard on my " +
				"local network. Which sensors should I use, how should I wire them, and what software would you run?",
		},
		{Name: "repeat", Text: "What is the capital of France?", Repeat: true},
	}
}

// IterationResult captures a single run.
type IterationResult struct {
	PromptName      string        `json:"prompt_name"`
	Iteration       int           `json:"iteration"`
	TTFT            time.Duration `json:"ttft_ns"`
	Duration        time.Duration `json:"duration_ns"`
	Pieces          int           `json:"pieces"`
	PiecesPerSecond float64       `json:"pieces_per_second"`
	OutputBytes     int           `json:"output_bytes"`
	RSSBytes        int64         `json:"rss_bytes"`
	Error           string        `json:"error,omitempty"`
}

// PromptSummary aggregates the recorded runs of one prompt.
type PromptSummary struct {
	Name            string        `json:"name"`
	Iterations      int           `json:"iterations"`
	TTFT            DurationStats `json:"ttft"`
	Duration        DurationStats `json:"duration"`
	PiecesPerSecond FloatStats    `json:"pieces_per_second"`
	AvgPieces       float64       `json:"avg_pieces"`
	WarmTTFTImprove float64       `json:"warm_ttft_improvement_pct,omitempty"`
	PeakRSSBytes    int64         `json:"peak_rss_bytes"`
	Errors          int           `json:"errors"`
}

// DurationStats summarises durations.
type DurationStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// FloatStats summarises float samples.
type FloatStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Report is the result of a full session.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Provider  string            `json:"provider"`
	Config    Config            `json:"config"`
	Summaries []PromptSummary   `json:"summaries"`
	Raw       []IterationResult `json:"raw_results,omitempty"`
}

// Runner benchmarks one provider.
type Runner struct {
	provider runtime.Provider
	cfg      Config
	out      io.Writer
}

// NewRunner creates a runner that prints progress to out.
func NewRunner(provider runtime.Provider, cfg Config, out io.Writer) *Runner {
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = StandardPrompts()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{provider: provider, cfg: cfg, out: out}
}

// Run benchmarks every prompt and returns the report. It stops early when
// ctx is cancelled, returning what was collected so far.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Timestamp: time.Now().UTC(),
		Provider:  r.provider.Name(),
		Config:    r.cfg,
	}

	for _, prompt := range r.cfg.Prompts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fmt.Fprintf(r.out, "\n--- %s ---\n", prompt.Name)

		results := r.benchmarkPrompt(ctx, prompt)
		report.Raw = append(report.Raw, results...)
		summary := summarize(prompt, results)
		report.Summaries = append(report.Summaries, summary)
		printSummary(r.out, summary)
	}

	if r.cfg.OutputPath != "" {
		if err := saveReport(report, r.cfg.OutputPath); err != nil {
			return report, fmt.Errorf("save report: %w", err)
		}
		fmt.Fprintf(r.out, "\nResults saved to %s\n", r.cfg.OutputPath)
	}
	return report, nil
}

func (r *Runner) benchmarkPrompt(ctx context.Context, prompt Prompt) []IterationResult {
	for i := 0; i < r.cfg.WarmupIterations; i++ {
		if r.cfg.Verbose {
			fmt.Fprintf(r.out, "  warmup %d/%d\n", i+1, r.cfg.WarmupIterations)
		}
		r.runOnce(ctx, prompt.Name, prompt.Text, -1)
	}

	var results []IterationResult
	for i := 0; i < r.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.runOnce(ctx, prompt.Name, prompt.Text, i))
		if prompt.Repeat {
			results = append(results, r.runOnce(ctx, prompt.Name+"-warm", prompt.Text, i))
		}
	}
	return results
}

// runOnce streams one request and records timing. Function calling is
// disabled explicitly so configured default functions do not interfere.
func (r *Runner) runOnce(ctx context.Context, name, text string, iteration int) IterationResult {
	res := IterationResult{PromptName: name, Iteration: iteration}
	req := runtime.RunRequest{
		Model:    r.cfg.Model,
		Messages: []runtime.Message{{Role: runtime.RoleUser, Content: text}},
		Options: runtime.RunOptions{
			Stream:            true,
			ContextWindowSize: r.cfg.NumCtx,
			MaxTokens:         r.cfg.MaxTokens,
			EnabledFunctions:  []string{},
		},
	}

	start := time.Now()
	err := r.provider.Run(ctx, req, func(o runtime.Output) error {
		if o.Message.Content == "" {
			return nil
		}
		if res.TTFT == 0 {
			res.TTFT = time.Since(start)
		}
		// A non-streaming provider reports everything in the final output.
		if !o.Done || res.Pieces == 0 {
			res.Pieces++
			res.OutputBytes += len(o.Message.Content)
		}
		return nil
	})
	res.Duration = time.Since(start)
	res.RSSBytes = readRSS()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if gen := res.Duration - res.TTFT; gen > 0 && res.Pieces > 1 {
		res.PiecesPerSecond = float64(res.Pieces-1) / gen.Seconds()
	}
	if r.cfg.Verbose {
		fmt.Fprintf(r.out, "    ttft=%v  pieces=%d @ %.1f/s\n",
			res.TTFT.Round(time.Millisecond), res.Pieces, res.PiecesPerSecond)
	}
	return res
}

func summarize(prompt Prompt, results []IterationResult) PromptSummary {
	summary := PromptSummary{Name: prompt.Name}

	cold := filterByName(results, prompt.Name)
	valid := filterValid(cold)
	summary.Iterations = len(valid)
	summary.Errors = len(cold) - len(valid)
	if len(valid) == 0 {
		return summary
	}

	summary.TTFT = computeDurationStats(extract(valid, func(r IterationResult) time.Duration { return r.TTFT }))
	summary.Duration = computeDurationStats(extract(valid, func(r IterationResult) time.Duration { return r.Duration }))
	summary.PiecesPerSecond = computeFloatStats(extract(valid, func(r IterationResult) float64 { return r.PiecesPerSecond }))

	var pieces float64
	for _, r := range valid {
		pieces += float64(r.Pieces)
		summary.PeakRSSBytes = max(summary.PeakRSSBytes, r.RSSBytes)
	}
	summary.AvgPieces = pieces / float64(len(valid))

	if prompt.Repeat && summary.TTFT.Mean > 0 {
		warm := filterValid(filterByName(results, prompt.Name+"-warm"))
		if len(warm) > 0 {
			warmTTFT := computeDurationStats(extract(warm, func(r IterationResult) time.Duration { return r.TTFT }))
			improvement := float64(summary.TTFT.Mean-warmTTFT.Mean) / float64(summary.TTFT.Mean) * 100
			summary.WarmTTFTImprove = math.Round(improvement*10) / 10
		}
	}
	return summary
}

func filterByName(results []IterationResult, name string) []IterationResult {
	var out []IterationResult
	for _, r := range results {
		if r.PromptName == name {
			out = append(out, r)
		}
	}
	return out
}

func filterValid(results []IterationResult) []IterationResult {
	var out []IterationResult
	for _, r := range results {
		if r.Error == "" {
			out = append(out, r)
		}
	}
	return out
}

func extract[T any](results []IterationResult, fn func(IterationResult) T) []T {
	out := make([]T, len(results))
	for i, r := range results {
		out[i] = fn(r)
	}
	return out
}

func computeDurationStats(vals []time.Duration) DurationStats {
	if len(vals) == 0 {
		return DurationStats{}
	}
	sorted := append([]time.Duration(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return DurationStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / time.Duration(n),
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
	}
}

func computeFloatStats(vals []float64) FloatStats {
	if len(vals) == 0 {
		return FloatStats{}
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return FloatStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / float64(n),
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
	}
}

// percentileIndex uses the nearest-rank method, clamped to [0, n-1].
func percentileIndex(n, pct int) int {
	if n <= 0 {
		return 0
	}
	idx := (n*pct+99)/100 - 1
	return min(max(idx, 0), n-1)
}

func printSummary(w io.Writer, s PromptSummary) {
	if s.Iterations == 0 {
		fmt.Fprintf(w, "  all %d runs failed\n", s.Errors)
		return
	}
	ms := func(d time.Duration) time.Duration { return d.Round(time.Millisecond) }
	fmt.Fprintf(w, "  TTFT:      min=%v  avg=%v  p95=%v\n", ms(s.TTFT.Min), ms(s.TTFT.Mean), ms(s.TTFT.P95))
	fmt.Fprintf(w, "  Duration:  min=%v  avg=%v  p95=%v\n", ms(s.Duration.Min), ms(s.Duration.Mean), ms(s.Duration.P95))
	fmt.Fprintf(w, "  Pieces/s:  min=%.1f  avg=%.1f  p95=%.1f\n", s.PiecesPerSecond.Min, s.PiecesPerSecond.Mean, s.PiecesPerSecond.P95)
	fmt.Fprintf(w, "  Pieces:    avg=%.0f\n", s.AvgPieces)
	if s.PeakRSSBytes > 0 {
		fmt.Fprintf(w, "  RSS:       peak=%.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
	}
	if s.WarmTTFTImprove != 0 {
		fmt.Fprintf(w, "  Warm:      TTFT improvement=%.1f%%\n", s.WarmTTFTImprove)
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  Errors:    %d/%d\n", s.Errors, s.Iterations+s.Errors)
	}
}

func saveReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
