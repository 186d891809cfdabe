package runtime

import (
	"sync"
	"sync/atomic"
)

// Gate enforces one active run per provider and carries the cooperative
// stop flag polled by the decode loop.
type Gate struct {
	mu      sync.Mutex
	running bool
	stop    atomic.Bool
}

// Begin marks a run as active and clears any stale stop request. It returns
// ErrAlreadyRunning without blocking when another run holds the gate.
func (g *Gate) Begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}
	g.running = true
	g.stop.Store(false)
	return nil
}

// End releases the gate.
func (g *Gate) End() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// Running reports whether a run is active.
func (g *Gate) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Stop requests cancellation of the active run. The request takes effect at
// the next token boundary.
func (g *Gate) Stop() {
	g.stop.Store(true)
}

// Flag exposes the stop flag to the decode loop.
func (g *Gate) Flag() *atomic.Bool {
	return &g.stop
}
