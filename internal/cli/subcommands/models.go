package subcommands

import (
	"context"
	"fmt"
	"os"

	"SimpleLLM/internal/pipeline"
	"SimpleLLM/internal/runtime"
)

// RunModels lists, pulls or removes models on a provider.
func RunModels(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: simplellm models list|pull|rm [--provider name] [model]")
		return 1
	}
	action := args[0]

	fs := newFlagSet("models " + action)
	providerName := fs.String("provider", "", "Provider (default from config)")
	embeddingModel := fs.Bool("embedding", false, "pull: store the file as an embedding model (llamacpp only)")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	provider, err := pipe.Manager.Provider(*providerName)
	if err != nil {
		printError("error", err)
		return 1
	}

	switch action {
	case "list", "ls":
		models, err := provider.InstalledModels(ctx)
		if err != nil {
			printError("error", err)
			return 1
		}
		if len(models) == 0 {
			fmt.Printf("%sNo models installed for %s.%s\n", colorGray, provider.Name(), colorReset)
			return 0
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return 0

	case "pull":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: simplellm models pull [--provider name] [--embedding] <model>")
			return 1
		}
		model := fs.Arg(0)
		if *embeddingModel {
			path, err := pipe.Llama.DownloadEmbeddingModel(ctx, model, printProgress)
			fmt.Println()
			if err != nil {
				printError("pull failed", err)
				return 1
			}
			fmt.Printf("%sSaved embedding model to %s%s\n", colorGreen, path, colorReset)
			return 0
		}
		err := provider.Download(ctx, model, printProgress)
		fmt.Println()
		if err != nil {
			printError("pull failed", err)
			return 1
		}
		fmt.Printf("%sPulled %s%s\n", colorGreen, model, colorReset)
		return 0

	case "rm", "delete":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: simplellm models rm [--provider name] <model>")
			return 1
		}
		if err := provider.Delete(ctx, fs.Arg(0)); err != nil {
			printError("error", err)
			return 1
		}
		fmt.Printf("Deleted %s\n", fs.Arg(0))
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown models action %q\n", action)
		return 1
	}
}

func printProgress(p runtime.Progress) {
	if p.Total > 0 {
		pct := float64(p.Downloaded) / float64(p.Total) * 100
		fmt.Printf("\r\033[K%s %5.1f%% (%s / %s)", p.Status, pct, formatBytes(p.Downloaded), formatBytes(p.Total))
		return
	}
	if p.Downloaded > 0 {
		fmt.Printf("\r\033[K%s %s", p.Status, formatBytes(p.Downloaded))
		return
	}
	fmt.Printf("\r\033[K%s", p.Status)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
