package subcommands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"SimpleLLM/internal/inferbench"
	"SimpleLLM/internal/pipeline"
)

// RunBench measures time to first token and throughput of a provider.
func RunBench(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	cfg := inferbench.DefaultConfig()
	fs := newFlagSet("bench")
	providerName := fs.String("provider", "", "Provider to benchmark (default from config)")
	fs.StringVar(&cfg.Model, "model", "", "Model to benchmark")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "Recorded runs per prompt")
	fs.IntVar(&cfg.WarmupIterations, "warmup", cfg.WarmupIterations, "Discarded runs per prompt")
	fs.IntVar(&cfg.NumCtx, "num-ctx", 0, "Context window size (0 uses the provider default)")
	fs.IntVar(&cfg.MaxTokens, "max-tokens", cfg.MaxTokens, "Generated token cap per run (0 runs until the window is full)")
	fs.StringVar(&cfg.OutputPath, "output", "", "Write a JSON report to this path")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Print every iteration")
	prompt := fs.String("prompt", "", "Benchmark a single custom prompt instead of the standard set")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if cfg.Model == "" {
		fmt.Fprintln(os.Stderr, "bench requires --model")
		return 1
	}
	if p := strings.TrimSpace(*prompt); p != "" {
		cfg.Prompts = []inferbench.Prompt{{Name: "custom", Text: p}}
	}

	provider, err := pipe.Manager.Provider(*providerName)
	if err != nil {
		printError("error", err)
		return 1
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()
	go func() {
		<-sigCtx.Done()
		_ = provider.Stop()
	}()

	fmt.Printf("%sBenchmarking %s/%s%s\n", colorBold, provider.Name(), cfg.Model, colorReset)
	if _, err := inferbench.NewRunner(provider, cfg, os.Stdout).Run(sigCtx); err != nil {
		printError("bench failed", err)
		return 1
	}
	return 0
}
