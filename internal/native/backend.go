//go:build native

package native

import "SimpleLLM/internal/engine"

// Backend is the llama.cpp engine.Backend.
type Backend struct{}

// NewBackend initializes llama.cpp and returns a backend over it.
func NewBackend() *Backend {
	BackendInit()
	return &Backend{}
}

func (*Backend) LoadModel(path string, params engine.ModelParams) (engine.Model, error) {
	m, err := LoadModel(path, params)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close releases the llama.cpp backend.
func (*Backend) Close() error {
	BackendFree()
	return nil
}

var (
	_ engine.Backend = (*Backend)(nil)
	_ engine.Model   = (*Model)(nil)
	_ engine.Context = (*Context)(nil)
)
