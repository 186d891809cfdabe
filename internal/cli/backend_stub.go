//go:build !native

package cli

import "SimpleLLM/internal/engine"

// newBackend returns nil without the native tag: the llama.cpp provider
// reports a model load error and embeddings must use the server backend.
func newBackend() engine.Backend { return nil }

func closeBackend(engine.Backend) {}
