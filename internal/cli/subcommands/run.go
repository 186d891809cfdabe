package subcommands

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"SimpleLLM/client"
	"SimpleLLM/internal/pipeline"
	"SimpleLLM/internal/runtime"
)

// RunRun executes a single prompt and prints the reply.
func RunRun(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	fs := newFlagSet("run")
	var (
		settings  RunSettings
		functions string
	)
	settings.bind(fs, &functions)
	message := fs.String("message", "", "Prompt to send")
	remote := fs.String("remote", "", "Run on a remote serve --tcp-port instance at host:port")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	settings.Functions = splitList(functions)

	if *message == "" && fs.NArg() > 0 {
		*message = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(*message) == "" {
		fmt.Fprintln(os.Stderr, "run requires a message (--message) or positional argument")
		return 1
	}
	if settings.Model == "" {
		fmt.Fprintln(os.Stderr, "run requires --model")
		return 1
	}

	var provider runtime.Provider
	if *remote != "" {
		host, port, err := net.SplitHostPort(*remote)
		if err != nil {
			printError("error", fmt.Errorf("invalid --remote address: %w", err))
			return 1
		}
		c := client.NewTCPClient(host, port)
		defer c.Disconnect()
		provider = c.Provider(settings.Provider)
	} else {
		p, err := pipe.Manager.Provider(settings.Provider)
		if err != nil {
			printError("error", err)
			return 1
		}
		provider = p
	}

	// Ctrl+C stops generation; the run then returns what it has.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			_ = provider.Stop()
		}
	}()

	req := settings.Request([]runtime.Message{{Role: runtime.RoleUser, Content: strings.TrimSpace(*message)}})
	start := time.Now()
	if err := runAndPrint(ctx, provider, req, os.Stdout); err != nil {
		printError("runtime error", err)
		return 1
	}
	log.Printf("completed in %s", time.Since(start).Truncate(10*time.Millisecond))
	return 0
}

// runAndPrint runs req and writes outputs to w. Non-streaming runs show a
// spinner on stderr until the reply arrives.
func runAndPrint(ctx context.Context, provider runtime.Provider, req runtime.RunRequest, w io.Writer) error {
	var spinnerDone chan struct{}
	stopSpinner := func() {
		if spinnerDone != nil {
			close(spinnerDone)
			spinnerDone = nil
			fmt.Fprint(os.Stderr, "\r\033[K")
		}
	}
	if !req.Options.Stream {
		spinnerDone = make(chan struct{})
		go runCLISpinner(spinnerDone, "Thinking")
	}
	defer stopSpinner()

	return provider.Run(ctx, req, func(o runtime.Output) error {
		stopSpinner()
		return printOutput(w, o)
	})
}

// printOutput renders one output: streamed pieces inline, a final assistant
// message on its own line and a tool result in color.
func printOutput(w io.Writer, o runtime.Output) error {
	var err error
	switch {
	case o.Message.Role == runtime.RoleTool:
		_, err = fmt.Fprintf(w, "%s%s%s\n", colorYellow, o.Message.Content, colorReset)
	case !o.Done:
		_, err = fmt.Fprint(w, o.Message.Content)
	case o.Message.Content != "":
		_, err = fmt.Fprintln(w, o.Message.Content)
	default:
		_, err = fmt.Fprintln(w)
	}
	return err
}
