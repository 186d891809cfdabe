//go:build native

package cli

import (
	"SimpleLLM/internal/engine"
	"SimpleLLM/internal/native"
)

func newBackend() engine.Backend {
	return native.NewBackend()
}

func closeBackend(b engine.Backend) {
	if nb, ok := b.(*native.Backend); ok {
		nb.Close()
	}
}
