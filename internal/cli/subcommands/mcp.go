package subcommands

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"SimpleLLM/internal/mcpserver"
	"SimpleLLM/internal/pipeline"
)

// RunMCP serves the built-in functions over MCP on stdin/stdout until the
// client disconnects.
func RunMCP(ctx context.Context, pipe *pipeline.Pipeline, version string) int {
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := mcpserver.New(pipe.Dispatcher(), version)
	log.Printf("mcp: serving %d functions on stdio", pipe.Functions.Len())
	if err := mcpserver.ServeStdio(sigCtx, srv); err != nil && sigCtx.Err() == nil {
		log.Printf("mcp: %v", err)
		return 1
	}
	return 0
}
