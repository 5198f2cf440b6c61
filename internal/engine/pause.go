package engine

import (
	"context"
	"sync"
)

// pauseGate lets workers block between tasks while a run is paused. Wait is
// cheap when the run is active: it reads one already-closed channel.
type pauseGate struct {
	mu     sync.Mutex
	active chan struct{}
	paused bool
}

func newPauseGate() *pauseGate {
	active := make(chan struct{})
	close(active)
	return &pauseGate{active: active}
}

// Wait returns once the gate is open, or ctx.Err() if the context ends first.
func (g *pauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.active
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause closes the gate. Workers finish their current task and then block.
func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.active = make(chan struct{})
}

// Resume reopens the gate, releasing every blocked worker.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.active)
}

// Paused reports the gate state.
func (g *pauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
