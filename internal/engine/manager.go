package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediaharvest/harvester/internal/harvest"
)

// Factory builds a ready-to-start engine. runID is empty for fresh runs and
// carries the original ID when a snapshot is being resumed.
type Factory func(runID string, seeds []string) (*Engine, error)

// Manager tracks the engines created over a process lifetime and routes
// control operations to them by run ID.
type Manager struct {
	factory  Factory
	sessions harvest.SessionStore

	mu   sync.Mutex
	runs map[string]*Engine
	// order preserves creation order for listings.
	order []string
}

// NewManager builds a Manager around an engine factory. sessions may be nil
// when resume support is not configured.
func NewManager(factory Factory, sessions harvest.SessionStore) *Manager {
	return &Manager{
		factory:  factory,
		sessions: sessions,
		runs:     make(map[string]*Engine),
	}
}

// StartRun creates and starts a fresh run, returning its ID.
func (m *Manager) StartRun(ctx context.Context, seeds []string) (string, error) {
	eng, err := m.factory("", seeds)
	if err != nil {
		return "", err
	}
	if err := eng.Start(ctx); err != nil {
		return "", err
	}
	m.track(eng)
	return eng.RunID(), nil
}

// ResumeRun rebuilds a run from its saved snapshot and starts it under the
// same run ID.
func (m *Manager) ResumeRun(ctx context.Context, runID string) (string, error) {
	if m.sessions == nil {
		return "", fmt.Errorf("no session store configured")
	}
	snap, err := m.sessions.Load(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", runID, err)
	}
	eng, err := m.factory(snap.RunID, snap.Seeds)
	if err != nil {
		return "", err
	}
	if err := eng.Restore(snap); err != nil {
		return "", err
	}
	if err := eng.Start(ctx); err != nil {
		return "", err
	}
	m.track(eng)
	return eng.RunID(), nil
}

// Pause pauses a run.
func (m *Manager) Pause(runID string) error {
	eng, ok := m.get(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	eng.Pause()
	return nil
}

// Resume resumes a paused run.
func (m *Manager) Resume(runID string) error {
	eng, ok := m.get(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	eng.Resume()
	return nil
}

// Stop cancels a run.
func (m *Manager) Stop(runID string) error {
	eng, ok := m.get(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	eng.Stop()
	return nil
}

// Status reports one run.
func (m *Manager) Status(runID string) (Status, bool) {
	eng, ok := m.get(runID)
	if !ok {
		return Status{}, false
	}
	return eng.Status(), true
}

// Runs lists all known runs in creation order.
func (m *Manager) Runs() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runs[id].Status())
	}
	return out
}

// Wait blocks until every known run reaches a terminal state.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.runs))
	for _, eng := range m.runs {
		engines = append(engines, eng)
	}
	m.mu.Unlock()
	for _, eng := range engines {
		select {
		case <-eng.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) track(eng *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[eng.RunID()] = eng
	m.order = append(m.order, eng.RunID())
}

func (m *Manager) get(runID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.runs[runID]
	return eng, ok
}
