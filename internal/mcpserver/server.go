// Package mcpserver exposes the function registry to MCP clients.
package mcpserver

import (
	"context"
	"errors"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"SimpleLLM/internal/functions"
	"SimpleLLM/internal/runtime"
)

// New builds an MCP server with one tool per registry function. Function
// failures are reported as tool errors so the client model can see them.
func New(fns functions.Metered, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "simplellm", Version: version}, nil)
	for _, def := range fns.Definitions() {
		name := def.Name
		server.AddTool(&mcp.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.Schema(),
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			out, err := fns.Dispatch(ctx, name, req.Params.Arguments)
			if err != nil {
				if errors.Is(err, runtime.ErrFunctionNotFound) {
					return nil, err
				}
				log.Printf("mcp: %s failed: %v", name, err)
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
					IsError: true,
				}, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(out)}},
			}, nil
		})
	}
	return server
}

// ServeStdio runs the server over stdin/stdout until the client disconnects
// or ctx is cancelled.
func ServeStdio(ctx context.Context, server *mcp.Server) error {
	log.Printf("mcp: serving over stdio")
	return server.Run(ctx, &mcp.StdioTransport{})
}
