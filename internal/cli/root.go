package cli

import (
	"context"
	"fmt"
	"log"
	"os"

	"SimpleLLM/internal/cli/subcommands"
	"SimpleLLM/internal/config"
	"SimpleLLM/internal/logging"
	"SimpleLLM/internal/pipeline"
)

// Version is stamped at build time with -ldflags "-X SimpleLLM/internal/cli.Version=...".
var Version = "dev"

// Execute is the entry point for the SimpleLLM CLI.
func Execute() int {
	ctx := context.Background()
	args := os.Args[1:]

	cfg, err := config.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if len(args) == 0 {
		printHelp()
		return 0
	}

	subcommand, rest := args[0], args[1:]
	switch subcommand {
	case "help", "-h", "--help":
		printHelp()
		return 0
	case "version", "--version":
		fmt.Println("simplellm", Version)
		return 0
	case "config":
		return subcommands.RunConfig(cfg)
	}

	// The TUI and the MCP stdio server own the terminal, so their logs go
	// to a file.
	toFile := subcommand == "tui" || subcommand == "mcp"
	if err := logging.Init(toFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		return 1
	}
	defer logging.Close()

	backend := newBackend()
	defer closeBackend(backend)

	pipe, err := pipeline.New(ctx, cfg, backend, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize pipeline: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := pipe.Close(); closeErr != nil {
			log.Printf("warning: failed to close pipeline: %v", closeErr)
		}
	}()

	switch subcommand {
	case "run":
		return subcommands.RunRun(ctx, pipe, rest)
	case "tui":
		return subcommands.RunTui(ctx, pipe, rest)
	case "serve":
		return subcommands.RunServe(ctx, pipe, rest)
	case "models":
		return subcommands.RunModels(ctx, pipe, rest)
	case "embed":
		return subcommands.RunEmbed(ctx, pipe, rest)
	case "retrieve":
		return subcommands.RunRetrieve(ctx, pipe, rest)
	case "functions":
		return subcommands.RunFunctions(ctx, pipe, rest)
	case "mcp":
		return subcommands.RunMCP(ctx, pipe, Version)
	case "history":
		return subcommands.RunHistory(ctx, pipe, rest)
	case "bench":
		return subcommands.RunBench(ctx, pipe, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", subcommand)
		printHelp()
		return 1
	}
}

func printHelp() {
	fmt.Println(`SimpleLLM - local LLM runtime with function calling and retrieval

Usage:
  simplellm [command] [flags]

Commands:
  run        Run a prompt against a provider and print the reply
  tui        Interactive chat in the terminal
  serve      Start the HTTP API
  models     List, pull or remove models (list | pull | rm)
  embed      Print the embedding of a text
  retrieve   Rank document segments against a query
  functions  List or call built-in functions (list | call)
  mcp        Serve the built-in functions over MCP on stdio
  history    Inspect stored chats (list | show | rm)
  bench      Measure time to first token and throughput of a model
  config     Print the resolved configuration
  version    Print the version

Configuration is read from $APP_CONFIG or ./simplellm.yaml and APP_*
environment variables.

Use "simplellm [command] --help" for more information about a command.`)
}
