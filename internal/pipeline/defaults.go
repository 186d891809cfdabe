package pipeline

import (
	"context"

	"SimpleLLM/internal/runtime"
)

// defaultFunctions offers a configured function list to runs that leave
// EnabledFunctions unset. An explicit empty list still disables tools.
type defaultFunctions struct {
	runtime.Provider
	names []string
}

func withDefaultFunctions(p runtime.Provider, names []string) runtime.Provider {
	if len(names) == 0 {
		return p
	}
	return &defaultFunctions{Provider: p, names: names}
}

func (d *defaultFunctions) Run(ctx context.Context, req runtime.RunRequest, sink runtime.Sink) error {
	if req.Options.EnabledFunctions == nil {
		req.Options.EnabledFunctions = append([]string(nil), d.names...)
	}
	return d.Provider.Run(ctx, req, sink)
}

func (d *defaultFunctions) Close() error {
	if c, ok := d.Provider.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
