package subcommands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"SimpleLLM/internal/pipeline"
)

// RunFunctions lists the built-in functions or calls one directly.
func RunFunctions(ctx context.Context, pipe *pipeline.Pipeline, args []string) int {
	if len(args) == 0 || args[0] == "list" {
		for _, def := range pipe.Functions.Definitions() {
			fmt.Printf("%s%s%s  %s\n", colorBold, def.Name, colorReset, def.Description)
			for _, p := range def.Parameters {
				req := ""
				if p.Required {
					req = " (required)"
				}
				fmt.Printf("    %s%s %s%s: %s\n", colorGray, p.Name, p.Type, req, p.Description+colorReset)
			}
		}
		return 0
	}

	if args[0] != "call" || len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: simplellm functions list | call <name> [json-arguments]")
		return 1
	}

	name := args[1]
	raw := json.RawMessage(`{}`)
	if len(args) > 2 {
		raw = json.RawMessage(strings.Join(args[2:], " "))
		if !json.Valid(raw) {
			fmt.Fprintln(os.Stderr, "arguments must be a JSON object")
			return 1
		}
	}

	out, err := pipe.Dispatcher().Dispatch(ctx, name, raw)
	if err != nil {
		printError("call failed", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
