package subcommands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/pipeline"
	"SimpleLLM/server"
)

// RunServe starts the HTTP API, and the TCP run server when a TCP port is
// configured, and blocks until interrupted.
func RunServe(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	cfg := pipe.Config()

	fs := newFlagSet("serve")
	hostFlag := fs.String("host", "", "Server host address (overrides config)")
	portFlag := fs.Int("port", 0, "Server port (overrides config)")
	tcpPort := fs.Int("tcp-port", cfg.Server.TCPPort, "Also serve runs over TCP on this port (0 disables)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	host := cfg.Server.Host
	if *hostFlag != "" {
		host = *hostFlag
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Server.Port
	if *portFlag > 0 {
		port = *portFlag
	}

	deps := server.Deps{
		Manager:      pipe.Manager,
		Functions:    pipe.Functions,
		Embedder:     pipe.Embedder(),
		Retriever:    pipe.Retriever,
		History:      pipe.History,
		Metrics:      pipe.Metrics,
		DocumentsDir: cfg.Server.DocumentsDir,
		SegmentSize:  cfg.Embedding.SegmentSize,
		TopN:         cfg.Embedding.TopN,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = observe.Handler()
	}

	httpServer := server.NewHTTPServer(host, strconv.Itoa(port), deps)
	if err := httpServer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start HTTP server: %v\n", err)
		return 1
	}

	var tcpServer *server.TCPServer
	if *tcpPort > 0 {
		tcpServer = server.NewTCPServer(host, strconv.Itoa(*tcpPort), pipe.Manager)
		if err := tcpServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start TCP server: %v\n", err)
			_ = httpServer.Stop(context.Background())
			return 1
		}
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := httpServer.Addr()
	fmt.Printf("SimpleLLM HTTP server listening on http://%s\n", addr)
	fmt.Printf("  Health:    http://%s/health\n", addr)
	fmt.Printf("  Providers: http://%s/v1/providers\n", addr)
	if deps.MetricsHandler != nil {
		fmt.Printf("  Metrics:   http://%s/metrics\n", addr)
	}
	if tcpServer != nil {
		fmt.Printf("  TCP runs:  %s\n", tcpServer.Addr())
	}

	<-sigCtx.Done()
	fmt.Println("HTTP server shutting down")
	if tcpServer != nil {
		if err := tcpServer.Stop(); err != nil {
			log.Printf("warning: failed to stop TCP server: %v", err)
		}
	}
	if err := httpServer.Stop(context.Background()); err != nil {
		log.Printf("warning: failed to stop HTTP server: %v", err)
		return 1
	}
	return 0
}
